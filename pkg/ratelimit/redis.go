package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed admit.lua
var admitScript string

//go:embed reconcile.lua
var reconcileScript string

// StoreLimiter is the Redis-backed implementation of Limiter. It runs the
// admission and reconciliation scripts atomically on the shared store, so
// there is no client-side lock and no compare-and-swap loop: the entire
// prune-check-admit sequence happens inside one server-side evaluation.
type StoreLimiter struct {
	client *redis.Client

	prefix           string
	window           time.Duration
	slack            time.Duration
	admitTimeout     time.Duration
	reconcileTimeout time.Duration
	recorder         MetricsRecorder

	admitSHA     string
	reconcileSHA string
}

// NewStoreLimiter constructs a StoreLimiter and loads both scripts into the
// shared store's script cache. Defaults: prefix "rl:", window 60s, slack 5s,
// admit timeout 50ms, reconcile timeout 200ms, no-op metrics.
func NewStoreLimiter(client *redis.Client, opts ...Option) (*StoreLimiter, error) {
	l := &StoreLimiter{
		client:           client,
		prefix:           "rl:",
		window:           60 * time.Second,
		slack:            5 * time.Second,
		admitTimeout:     50 * time.Millisecond,
		reconcileTimeout: 200 * time.Millisecond,
		recorder:         NoOpMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(l)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.loadScripts(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *StoreLimiter) loadScripts(ctx context.Context) error {
	admitSHA, err := l.client.ScriptLoad(ctx, admitScript).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: loading admit script: %w", err)
	}
	reconcileSHA, err := l.client.ScriptLoad(ctx, reconcileScript).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: loading reconcile script: %w", err)
	}
	l.admitSHA = admitSHA
	l.reconcileSHA = reconcileSHA
	return nil
}

func (l *StoreLimiter) keys(credential string, dim Dimension) (idx, buckets, total string) {
	base := l.prefix + credential + ":" + dim.String()
	return base + ":idx", base + ":buckets", base + ":total"
}

func (l *StoreLimiter) ttlSeconds() int64 {
	return int64((l.window + l.slack).Seconds())
}

// Admit evaluates the admission script on the shared store. On deadline
// expiry it returns a *StoreError classified KindStoreUnavailable; the
// caller must not retry, the script is non-idempotent.
func (l *StoreLimiter) Admit(ctx context.Context, credential string, limits Limits, req Request) (Verdict, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, l.admitTimeout)
	defer cancel()

	reqIdx, reqBuckets, reqTotal := l.keys(credential, DimensionReq)
	inIdx, inBuckets, inTotal := l.keys(credential, DimensionIn)
	outIdx, outBuckets, outTotal := l.keys(credential, DimensionOut)

	keys := []string{reqIdx, reqBuckets, reqTotal, inIdx, inBuckets, inTotal, outIdx, outBuckets, outTotal}
	args := []interface{}{
		time.Now().UnixMilli(),
		int64(l.window.Seconds()),
		l.ttlSeconds(),
		limits.RPM,
		limits.ITPM,
		limits.OTPM,
		req.InputTokens,
		req.EstimatedOutputTokens,
	}

	result, err := l.evalAdmit(ctx, keys, args)
	l.recorder.Observe("ratelimit.admit.latency", time.Since(start).Seconds(), nil)
	if err != nil {
		if isUnavailableErr(err) {
			l.recorder.Add("ratelimit.store_unavailable", 1, nil)
			return Verdict{}, newStoreError(KindStoreUnavailable, err)
		}
		l.recorder.Add("ratelimit.internal_error", 1, nil)
		return Verdict{}, newStoreError(KindInternal, err)
	}

	verdict, err := parseAdmitResult(result)
	if err != nil {
		l.recorder.Add("ratelimit.internal_error", 1, nil)
		return Verdict{}, newStoreError(KindInternal, err)
	}

	outcome := "allow"
	if !verdict.Allowed() {
		outcome = "deny"
	}
	l.recorder.Add("ratelimit.admit", 1, map[string]string{
		"dimension": verdict.Dimension.String(),
		"outcome":   outcome,
	})

	return verdict, nil
}

func (l *StoreLimiter) evalAdmit(ctx context.Context, keys []string, args []interface{}) (interface{}, error) {
	result, err := l.client.EvalSha(ctx, l.admitSHA, keys, args...).Result()
	if isNoScriptErr(err) {
		if err2 := l.loadScripts(ctx); err2 != nil {
			return nil, err2
		}
		result, err = l.client.EvalSha(ctx, l.admitSHA, keys, args...).Result()
	}
	return result, err
}

func parseAdmitResult(result interface{}) (Verdict, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 4 {
		return Verdict{}, fmt.Errorf("ratelimit: unexpected admit script result shape: %#v", result)
	}
	allow := toInt64(values[0])
	submitSecond := toInt64(values[1])
	dimension := Dimension(toInt64(values[2]))
	retryAfterMs := toInt64(values[3])

	if allow == 1 {
		return Verdict{Outcome: OutcomeAllow, SubmitSecond: submitSecond}, nil
	}
	return Verdict{
		Outcome:    OutcomeDeny,
		Dimension:  dimension,
		RetryAfter: time.Duration(retryAfterMs) * time.Millisecond,
	}, nil
}

// Reconcile adjusts the output bucket recorded at submitSecond by delta.
// Failures are the caller's to log and drop; the bucket self-heals by TTL.
func (l *StoreLimiter) Reconcile(ctx context.Context, credential string, submitSecond int64, delta int64) error {
	ctx, cancel := context.WithTimeout(ctx, l.reconcileTimeout)
	defer cancel()

	outIdx, outBuckets, outTotal := l.keys(credential, DimensionOut)
	keys := []string{outIdx, outBuckets, outTotal}
	args := []interface{}{submitSecond, delta, l.ttlSeconds()}

	_, err := l.client.EvalSha(ctx, l.reconcileSHA, keys, args...).Result()
	if isNoScriptErr(err) {
		if err2 := l.loadScripts(ctx); err2 != nil {
			return err2
		}
		_, err = l.client.EvalSha(ctx, l.reconcileSHA, keys, args...).Result()
	}
	if err != nil {
		if isUnavailableErr(err) {
			return newStoreError(KindStoreUnavailable, err)
		}
		return newStoreError(KindInternal, err)
	}
	return nil
}

// Ping checks whether the shared store is reachable.
func (l *StoreLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func isNoScriptErr(err error) bool {
	return err != nil && redis.HasErrorPrefix(err, "NOSCRIPT")
}

func isDeadlineErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// isUnavailableErr reports whether err is a deadline or connectivity
// failure rather than an error reply from the store itself.
func isUnavailableErr(err error) bool {
	if isDeadlineErr(err) {
		return true
	}
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
