// Package ratelimit provides a distributed, multi-dimensional sliding-window
// rate limiter shared across a fleet of stateless nodes.
//
// The primary entry point is the Limiter interface:
//
//	verdict, err := limiter.Admit(ctx, credential, limits, req)
//
// The returned Verdict reports whether the request is allowed and, on
// allow, a SubmitSecond the caller must pass to Reconcile once the actual
// output token count is known.
//
// # Overview
//
// Unlike a single-counter token bucket, this package tracks three
// independent dimensions per credential — requests, input tokens, output
// tokens — each as a sliding window of per-second buckets with a running
// aggregate and an ordered index of live seconds. Admission evaluates all
// three against their limits and records usage for all three in one atomic
// round trip, in the fixed order requests, input, output: whichever
// dimension overflows first in that order is the one reported on denial.
//
// # Backends
//
// The package provides two implementations of Limiter:
//
//   - StoreLimiter: backed by Redis, using an embedded Lua script evaluated
//     with EVALSHA so the whole prune-check-admit sequence runs as one
//     atomic server-side operation. This is what makes the limiter correct
//     across a horizontally scaled fleet without a distributed lock: every
//     node ships only arguments and receives only a verdict, so fleet size
//     never affects correctness.
//
//   - MemoryLimiter: an in-process limiter with an equivalent bucket model,
//     useful for unit tests and local development. Its state is not shared
//     across replicas, so it is never the production backend for a fleet.
//
// BypassLimiter is a third, degenerate implementation that always allows;
// it exists only for benchmarking and is wired in by the composition root,
// never substituted inside core logic.
//
// # Reconciliation
//
// Admission must reserve tokens before the response is generated, so the
// output dimension is recorded at its estimate. Reconcile adjusts that
// bucket by (actual - estimated), which may be negative, and never denies —
// if the bucket has already aged out of the window, Reconcile is a no-op.
// This bounds the output-dimension overshoot to at most one request's
// estimate gap per credential, in exchange for never needing a second
// admission round trip after generation.
//
// # Context and Error Policy
//
// Admit and Reconcile accept a context.Context with an internal deadline
// (see WithAdmitTimeout, WithReconcileTimeout); on expiry they return a
// *StoreError classified KindStoreUnavailable and do not retry internally —
// the admission script is non-idempotent, and a silent retry could
// double-count a request. A denied verdict is never an error: callers
// distinguish denial from failure by checking the returned error first.
//
// # Storage Details
//
// StoreLimiter stores state in Redis under keys of the form
// "{prefix}{credential}:{dimension}:{idx|buckets|total}" for
// dimension in {req, in, out}: idx is a sorted set of live second
// timestamps, buckets is a hash from second to count, total is a string
// holding the running aggregate. All three share a TTL of window+slack,
// refreshed on every admitted request (and, for the out keys only, by a
// reconcile that changes a bucket), so an idle credential's footprint
// collapses to nothing.
//
// # Configuration
//
// StoreLimiter is configured using the functional options pattern:
//
//	limiter, _ := NewStoreLimiter(client,
//		WithPrefix("rl:"),
//		WithWindow(60*time.Second),
//		WithAdmitTimeout(50*time.Millisecond),
//		WithRecorder(myRecorder),
//	)
package ratelimit
