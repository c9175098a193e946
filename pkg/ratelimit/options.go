package ratelimit

import "time"

// Option configures a StoreLimiter. Unset options take the defaults
// documented on each With... function.
type Option func(*StoreLimiter)

// WithPrefix sets the key prefix used for every Redis key this limiter
// touches. Default "rl:", matching the layout in spec.md §6.
func WithPrefix(prefix string) Option {
	return func(l *StoreLimiter) { l.prefix = prefix }
}

// WithWindow sets the sliding window length W. Default 60 seconds.
func WithWindow(window time.Duration) Option {
	return func(l *StoreLimiter) { l.window = window }
}

// WithSlack sets the extra TTL margin kept on top of the window so an idle
// credential's keys still expire. Default 5 seconds.
func WithSlack(slack time.Duration) Option {
	return func(l *StoreLimiter) { l.slack = slack }
}

// WithAdmitTimeout bounds the admission round trip. Default 50ms, per
// spec.md §5's "default ≤ 50ms" deadline. On expiry the call is classified
// StoreUnavailable and is never retried, since the script is non-idempotent.
func WithAdmitTimeout(d time.Duration) Option {
	return func(l *StoreLimiter) { l.admitTimeout = d }
}

// WithReconcileTimeout bounds the reconciliation round trip. Default 200ms,
// longer than the admit deadline since a missed reconcile just self-heals
// when the bucket ages out.
func WithReconcileTimeout(d time.Duration) Option {
	return func(l *StoreLimiter) { l.reconcileTimeout = d }
}

// WithRecorder injects a MetricsRecorder. Default NoOpMetricsRecorder.
func WithRecorder(recorder MetricsRecorder) Option {
	return func(l *StoreLimiter) { l.recorder = recorder }
}
