package ratelimit

import "context"

// BypassLimiter short-circuits every Admit to an allow and every Reconcile
// to a no-op, without touching the shared store. It exists strictly for
// benchmarking, per spec.md §6's BYPASS_LIMITER toggle, and is only ever
// constructed at the composition root (cmd/server) instead of a
// StoreLimiter — so enabling it is a visible operator decision, not a
// silent code path buried in the core logic.
type BypassLimiter struct{}

// NewBypassLimiter constructs a BypassLimiter.
func NewBypassLimiter() *BypassLimiter { return &BypassLimiter{} }

func (BypassLimiter) Admit(context.Context, string, Limits, Request) (Verdict, error) {
	return Verdict{Outcome: OutcomeAllow, SubmitSecond: 0}, nil
}

func (BypassLimiter) Reconcile(context.Context, string, int64, int64) error {
	return nil
}
