package ratelimit

import "time"

// Dimension identifies one of the three axes a credential is limited on.
// The zero value is not a valid dimension; checks are always reported in
// the fixed order Req, In, Out.
type Dimension int

const (
	// DimensionNone is returned on an allowed verdict, where no dimension
	// tripped.
	DimensionNone Dimension = iota
	// DimensionReq is the requests-per-window dimension.
	DimensionReq
	// DimensionIn is the input-tokens-per-window dimension.
	DimensionIn
	// DimensionOut is the output-tokens-per-window dimension.
	DimensionOut
)

func (d Dimension) String() string {
	switch d {
	case DimensionReq:
		return "req"
	case DimensionIn:
		return "in"
	case DimensionOut:
		return "out"
	default:
		return "none"
	}
}

// Limits holds the three numeric caps for one credential over the sliding
// window. A negative value means "no limit" on that dimension; zero is a
// real, enforced limit that denies every request on that dimension.
type Limits struct {
	RPM  int64
	ITPM int64
	OTPM int64
}

// Request describes what a single admission call would consume.
type Request struct {
	InputTokens        int64
	EstimatedOutputTokens int64
}

// Outcome is the admit/deny result of one admission call.
type Outcome int

const (
	// OutcomeAllow means the request was admitted and recorded.
	OutcomeAllow Outcome = iota
	// OutcomeDeny means the request was refused without mutating state.
	OutcomeDeny
)

// Verdict is what Admit returns: either an allow carrying the bucket
// second to reconcile against later, or a deny carrying the dimension that
// tripped and a safe lower bound on how long to wait before retrying.
type Verdict struct {
	Outcome      Outcome
	SubmitSecond int64
	Dimension    Dimension
	RetryAfter   time.Duration
}

// Allowed reports whether the verdict permits the request.
func (v Verdict) Allowed() bool {
	return v.Outcome == OutcomeAllow
}
