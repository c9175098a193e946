package ratelimit

import "context"

// Limiter is the component C contract: resolve admission atomically on the
// shared store, then accept a later reconciliation of the actual output
// token count. Implementations must never retry a timed-out admission call
// silently — the underlying script is non-idempotent.
type Limiter interface {
	// Admit evaluates one request against limits and either records its
	// usage and returns an allow verdict, or returns a deny verdict
	// without mutating any state.
	Admit(ctx context.Context, credential string, limits Limits, req Request) (Verdict, error)

	// Reconcile adjusts the output-token bucket recorded by a prior Admit
	// call by delta (actual - estimated), which may be negative. It never
	// denies and is a no-op if the bucket has already expired.
	Reconcile(ctx context.Context, credential string, submitSecond int64, delta int64) error
}
