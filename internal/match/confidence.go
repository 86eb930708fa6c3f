package match

import (
	"fmt"

	"github.com/sells-group/po-intake/internal/model"
)

// Bands holds the global confidence policy applied to the final result of
// the cascade, independent of which stage produced it.
type Bands struct {
	// AutoAccept is the floor for unconditional acceptance.
	AutoAccept float64

	// ReviewFloor is the floor for acceptance flagged for manual review.
	// Anything below it is treated as unresolved.
	ReviewFloor float64
}

// DefaultBands returns the standard 0.90/0.75 policy.
func DefaultBands() Bands {
	return Bands{AutoAccept: 0.90, ReviewFloor: 0.75}
}

// apply finalizes a raw cascade result against the band policy. A matched
// result below the review floor is demoted to unresolved: the candidate is
// kept in the evidence for the audit trail but the entity key is cleared so
// downstream treats it as no match.
func (b Bands) apply(r model.MatchResult) model.MatchResult {
	if !r.Matched() {
		r.Disposition = model.DispositionUnresolved
		return r
	}

	switch {
	case r.Confidence >= b.AutoAccept:
		r.Disposition = model.DispositionAccepted
	case r.Confidence >= b.ReviewFloor:
		r.Disposition = model.DispositionReview
	default:
		r.Evidence = append(r.Evidence,
			fmt.Sprintf("candidate %s at confidence %.2f below review floor %.2f",
				r.EntityID, r.Confidence, b.ReviewFloor))
		r.EntityID = ""
		r.Disposition = model.DispositionUnresolved
	}
	return r
}
