package match

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/internal/store"
	"github.com/sells-group/po-intake/pkg/embeddings"
)

// Config tunes the cascade.
type Config struct {
	// VectorFloor is the minimum cosine similarity for the vector stage to
	// claim a result.
	VectorFloor float64

	// TopK is how many nearest neighbors feed the rule and arbitration stages.
	TopK int

	Bands Bands
}

// DefaultConfig returns the standard cascade tuning.
func DefaultConfig() Config {
	return Config{VectorFloor: 0.80, TopK: 5, Bands: DefaultBands()}
}

// Orchestrator resolves references through the cascade. It does not take
// the processing gate; single-flight discipline belongs to the caller.
type Orchestrator struct {
	store      store.Store
	embedder   embeddings.Embedder
	arbitrator Arbitrator // nil disables the arbitration stage
	cfg        Config
}

func NewOrchestrator(st store.Store, embedder embeddings.Embedder, arbitrator Arbitrator, cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.VectorFloor <= 0 {
		cfg.VectorFloor = 0.80
	}
	if cfg.Bands.AutoAccept == 0 {
		cfg.Bands = DefaultBands()
	}
	return &Orchestrator{store: st, embedder: embedder, arbitrator: arbitrator, cfg: cfg}
}

// Resolve maps one noisy reference to at most one entity of the given kind.
// Stages run strictly in order and the first stage to clear its bar wins;
// the confidence bands are then applied to whatever the cascade produced.
// An unresolved reference is a valid outcome, not an error.
func (o *Orchestrator) Resolve(ctx context.Context, kind model.EntityKind, ref model.Reference) (*model.MatchResult, error) {
	if !kind.Valid() {
		return nil, eris.Errorf("match: unknown entity kind %q", kind)
	}

	result, err := o.cascade(ctx, kind, ref)
	if err != nil {
		return nil, err
	}

	final := o.cfg.Bands.apply(*result)
	o.recordAudit(ctx, final)
	return &final, nil
}

func (o *Orchestrator) cascade(ctx context.Context, kind model.EntityKind, ref model.Reference) (*model.MatchResult, error) {
	base := model.MatchResult{Kind: kind, Reference: ref.Text}

	// Stage 1: exact equality on identifier, name, or alternate names.
	normalized := NormalizeExact(ref.Text)
	if normalized != "" {
		e, err := o.store.FindExact(ctx, kind, normalized)
		if err != nil {
			return nil, err
		}
		if e != nil {
			r := base
			r.EntityID = e.ID
			r.Confidence = 1.0
			r.Method = model.MethodExact
			r.Evidence = []string{fmt.Sprintf("exact match on %q", normalized)}
			return &r, nil
		}
	}

	// Stage 2: vector similarity. A provider outage here degrades the
	// cascade to rules rather than failing the resolution.
	candidates := o.vectorCandidates(ctx, kind, ref)
	if len(candidates) > 0 && candidates[0].Similarity >= o.cfg.VectorFloor {
		top := candidates[0]
		r := base
		r.EntityID = top.EntityID
		r.Confidence = top.Similarity
		r.Method = model.MethodVector
		r.Evidence = []string{fmt.Sprintf("vector similarity %.2f against %q", top.Similarity, top.Name)}
		return &r, nil
	}

	// Stage 3: deterministic rules.
	hit, err := o.ruleStage(ctx, kind, ref, candidates)
	if err != nil {
		return nil, err
	}
	if hit != nil && hit.confidence >= o.cfg.Bands.ReviewFloor {
		r := base
		r.EntityID = hit.entityID
		r.Confidence = hit.confidence
		r.Method = model.MethodRule
		r.Evidence = hit.evidence
		return &r, nil
	}

	// Stage 4: LLM arbitration over the shortlist.
	if o.arbitrator != nil && len(candidates) > 0 {
		decision, err := o.arbitrate(ctx, kind, ref, candidates, hit)
		if err != nil {
			zap.L().Warn("arbitration stage failed",
				zap.String("kind", string(kind)),
				zap.String("reference", ref.Text),
				zap.Error(err))
		} else if decision != nil {
			r := base
			r.EntityID = decision.AcceptedID
			r.Confidence = decision.Confidence
			r.Method = model.MethodLLM
			r.Evidence = decision.Evidence
			return &r, nil
		}
	}

	r := base
	r.Method = model.MethodNone
	return &r, nil
}

// vectorCandidates embeds the reference and fetches the top-K active
// neighbors. Failures are logged and yield an empty shortlist.
func (o *Orchestrator) vectorCandidates(ctx context.Context, kind model.EntityKind, ref model.Reference) []store.Candidate {
	if ref.Text == "" {
		return nil
	}
	vec, err := o.embedder.EmbedText(ctx, ref.Text)
	if err != nil {
		zap.L().Warn("reference embedding failed, skipping vector stage",
			zap.String("kind", string(kind)),
			zap.String("reference", ref.Text),
			zap.Error(err))
		return nil
	}
	candidates, err := o.store.Nearest(ctx, kind, vec, o.cfg.TopK)
	if err != nil {
		zap.L().Warn("nearest-neighbor query failed, skipping vector stage",
			zap.String("kind", string(kind)),
			zap.Error(err))
		return nil
	}
	return candidates
}

// arbitrate forwards the shortlist, annotated with any sub-threshold rule
// evidence, to the arbitration model and validates its verdict.
func (o *Orchestrator) arbitrate(ctx context.Context, kind model.EntityKind, ref model.Reference, candidates []store.Candidate, hit *ruleHit) (*Decision, error) {
	shortlist := make([]ArbCandidate, len(candidates))
	valid := make(map[string]bool, len(candidates))
	for i, c := range candidates {
		shortlist[i] = ArbCandidate{EntityID: c.EntityID, Name: c.Name, Similarity: c.Similarity}
		if hit != nil && hit.entityID == c.EntityID {
			shortlist[i].Evidence = hit.evidence
		}
		valid[c.EntityID] = true
	}

	decision, err := o.arbitrator.Arbitrate(ctx, kind, ref, shortlist)
	if err != nil || decision == nil {
		return decision, err
	}
	if !valid[decision.AcceptedID] {
		zap.L().Warn("arbitration accepted an entity outside the shortlist, discarding",
			zap.String("accepted_id", decision.AcceptedID))
		return nil, nil
	}
	return decision, nil
}

// recordAudit appends the result to the match audit trail. Audit failures
// never block resolution.
func (o *Orchestrator) recordAudit(ctx context.Context, r model.MatchResult) {
	audit := model.MatchAudit{
		Kind:        r.Kind,
		Reference:   r.Reference,
		EntityID:    r.EntityID,
		Method:      r.Method,
		Confidence:  r.Confidence,
		Disposition: r.Disposition,
		Evidence:    r.Evidence,
		NeedsReview: r.Disposition == model.DispositionReview,
	}
	if err := o.store.RecordMatch(ctx, audit); err != nil {
		zap.L().Error("failed to record match audit", zap.Error(err))
	}
}
