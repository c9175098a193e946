package ratelimit

import (
	"context"
	"sync"
	"time"
)

// dimState mirrors the Redis layout for one (credential, dimension) pair:
// an ordered set of live seconds, their per-second counts, and the running
// aggregate — kept incrementally so admission never walks the full window.
type dimState struct {
	buckets map[int64]int64
	order   []int64 // ascending seconds with a live bucket
	total   int64
}

func newDimState() *dimState {
	return &dimState{buckets: make(map[int64]int64)}
}

func (d *dimState) prune(cutoff int64) {
	i := 0
	for i < len(d.order) && d.order[i] <= cutoff {
		sec := d.order[i]
		d.total -= d.buckets[sec]
		delete(d.buckets, sec)
		i++
	}
	if i > 0 {
		d.order = d.order[i:]
	}
	if d.total < 0 {
		d.total = 0
	}
}

func (d *dimState) oldest() (int64, bool) {
	if len(d.order) == 0 {
		return 0, false
	}
	return d.order[0], true
}

func (d *dimState) add(second, amount int64) {
	if _, ok := d.buckets[second]; !ok {
		d.order = append(d.order, second)
	}
	d.buckets[second] += amount
	d.total += amount
}

type credentialState struct {
	req dimState
	in  dimState
	out dimState
}

func newCredentialState() *credentialState {
	return &credentialState{req: *newDimState(), in: *newDimState(), out: *newDimState()}
}

// MemoryLimiter implements Limiter with an equivalent in-process bucket
// model. It is safe for concurrent use, but its state is local to the
// process — it is used for tests, local development, and bypass-free
// offline runs, never as the production backend for a fleet.
type MemoryLimiter struct {
	mu     sync.Mutex
	creds  map[string]*credentialState
	window time.Duration
	now    func() time.Time
}

// NewMemoryLimiter constructs a MemoryLimiter with the given sliding
// window. now defaults to time.Now; tests may override it to control the
// clock deterministically.
func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		creds:  make(map[string]*credentialState),
		window: window,
		now:    time.Now,
	}
}

func (m *MemoryLimiter) state(credential string) *credentialState {
	st, ok := m.creds[credential]
	if !ok {
		st = newCredentialState()
		m.creds[credential] = st
	}
	return st
}

// Admit implements Limiter.Admit with the same fixed tie-break order
// (req, in, out) and the same retry-after formula as the Lua script: the
// bucket ages out at the instant (oldest_second + window), expressed in ms.
func (m *MemoryLimiter) Admit(_ context.Context, credential string, limits Limits, req Request) (Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	t := nowMs / 1000
	windowSec := int64(m.window.Seconds())
	cutoff := t - windowSec

	st := m.state(credential)
	st.req.prune(cutoff)
	st.in.prune(cutoff)
	st.out.prune(cutoff)

	dimension := DimensionNone
	switch {
	case limits.RPM >= 0 && st.req.total+1 > limits.RPM:
		dimension = DimensionReq
	case limits.ITPM >= 0 && st.in.total+req.InputTokens > limits.ITPM:
		dimension = DimensionIn
	case limits.OTPM >= 0 && st.out.total+req.EstimatedOutputTokens > limits.OTPM:
		dimension = DimensionOut
	}

	if dimension != DimensionNone {
		var dim *dimState
		switch dimension {
		case DimensionReq:
			dim = &st.req
		case DimensionIn:
			dim = &st.in
		default:
			dim = &st.out
		}
		retryAfter := windowSec*1000 - nowMs%1000
		if oldest, ok := dim.oldest(); ok {
			retryAfter = (oldest+windowSec)*1000 - nowMs
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Verdict{
			Outcome:    OutcomeDeny,
			Dimension:  dimension,
			RetryAfter: time.Duration(retryAfter) * time.Millisecond,
		}, nil
	}

	st.req.add(t, 1)
	st.in.add(t, req.InputTokens)
	st.out.add(t, req.EstimatedOutputTokens)

	return Verdict{Outcome: OutcomeAllow, SubmitSecond: t}, nil
}

// Reconcile implements Limiter.Reconcile, mirroring the clamp-at-zero
// behaviour of the reconcile Lua script.
func (m *MemoryLimiter) Reconcile(_ context.Context, credential string, submitSecond int64, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.creds[credential]
	if !ok {
		return nil
	}
	amount, ok := st.out.buckets[submitSecond]
	if !ok {
		return nil
	}
	updated := amount + delta
	applied := delta
	if updated < 0 {
		applied = -amount
		updated = 0
	}
	st.out.buckets[submitSecond] = updated
	st.out.total += applied
	if st.out.total < 0 {
		st.out.total = 0
	}
	return nil
}
