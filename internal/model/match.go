package model

import "time"

// MatchMethod names the cascade stage that produced a match.
type MatchMethod string

const (
	MethodExact  MatchMethod = "exact"
	MethodVector MatchMethod = "vector"
	MethodRule   MatchMethod = "rule"
	MethodLLM    MatchMethod = "llm"
	MethodNone   MatchMethod = "none"
)

// Disposition is the global confidence-band decision layered on top of the
// cascade: >= 0.90 auto-accept, 0.75-0.89 accept but flag for review,
// < 0.75 unresolved.
type Disposition string

const (
	DispositionAccepted   Disposition = "accepted"
	DispositionReview     Disposition = "needs_review"
	DispositionUnresolved Disposition = "unresolved"
)

// Reference is one noisy textual reference to resolve, plus any structured
// hints the extraction layer pulled from the email.
type Reference struct {
	Text        string `json:"text"`
	EmailDomain string `json:"email_domain,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// MatchResult is the outcome of resolving one reference against one entity
// kind. EntityID is empty when no match was found (Method is then MethodNone).
// Results are created fresh per resolution call and never mutated after
// being returned; callers needing updated state must re-resolve.
type MatchResult struct {
	Kind        EntityKind  `json:"kind"`
	Reference   string      `json:"reference"`
	EntityID    string      `json:"entity_id,omitempty"`
	Confidence  float64     `json:"confidence"`
	Method      MatchMethod `json:"method"`
	Disposition Disposition `json:"disposition"`
	Evidence    []string    `json:"evidence,omitempty"`
}

// Matched reports whether the cascade produced an entity.
func (r MatchResult) Matched() bool {
	return r.Method != MethodNone && r.EntityID != ""
}

// MatchAudit is one persisted row of the match audit trail consumed by the
// review UI. Write failures are logged and never block resolution.
type MatchAudit struct {
	ID          string      `json:"id"`
	Kind        EntityKind  `json:"kind"`
	Reference   string      `json:"reference"`
	EntityID    string      `json:"entity_id,omitempty"`
	Method      MatchMethod `json:"method"`
	Confidence  float64     `json:"confidence"`
	Disposition Disposition `json:"disposition"`
	Evidence    []string    `json:"evidence,omitempty"`
	NeedsReview bool        `json:"needs_review"`
	CreatedAt   time.Time   `json:"created_at"`
}
