// Package embedding keeps entity embeddings synchronized with entity
// attributes: single-entity refresh on change, bounded catch-up batches,
// the historical backfill, and the continuous scheduler.
package embedding

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/po-intake/internal/memguard"
	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/internal/resilience"
	"github.com/sells-group/po-intake/internal/store"
	"github.com/sells-group/po-intake/pkg/embeddings"
)

// MaintainerConfig tunes batch sizing and API pacing.
type MaintainerConfig struct {
	// BatchSize is the starting chunk size; the memory guard may shrink or
	// grow it between chunks.
	BatchSize int

	// PauseEvery and Pause throttle embedding calls: at most PauseEvery
	// entities per Pause window.
	PauseEvery int
	Pause      time.Duration
}

// EntityError records one entity that failed inside an otherwise
// successful batch.
type EntityError struct {
	Kind      model.EntityKind `json:"kind"`
	EntityID  string           `json:"entity_id"`
	Err       string           `json:"error"`
	ErrorType string           `json:"error_type"`
}

// Report summarizes one catch-up pass.
type Report struct {
	Kind      model.EntityKind `json:"kind"`
	Processed int              `json:"processed"`
	Failed    int              `json:"failed"`
	Errors    []EntityError    `json:"errors,omitempty"`
}

// Maintainer generates and persists entity embeddings.
type Maintainer struct {
	store    store.Store
	embedder embeddings.Embedder
	guard    *memguard.Guard
	cfg      MaintainerConfig
	limiter  *rate.Limiter
}

// NewMaintainer wires the store, the embedding client, and the memory guard.
func NewMaintainer(st store.Store, embedder embeddings.Embedder, guard *memguard.Guard, cfg MaintainerConfig) *Maintainer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	var limiter *rate.Limiter
	if cfg.PauseEvery > 0 && cfg.Pause > 0 {
		interval := cfg.Pause / time.Duration(cfg.PauseEvery)
		limiter = rate.NewLimiter(rate.Every(interval), cfg.PauseEvery)
	}
	return &Maintainer{store: st, embedder: embedder, guard: guard, cfg: cfg, limiter: limiter}
}

// BuildEmbeddingText concatenates an entity's canonical attributes in a
// fixed order so identical attribute sets always produce identical text.
func BuildEmbeddingText(e *model.Entity) string {
	var parts []string
	add := func(label, value string) {
		if v := strings.TrimSpace(value); v != "" {
			parts = append(parts, label+": "+v)
		}
	}

	add("identifier", e.Identifier)
	add("name", e.Name)
	if len(e.AltNames) > 0 {
		add("also known as", strings.Join(e.AltNames, "; "))
	}
	add("category", e.Category)
	add("description", e.Description)
	add("domain", e.Domain)
	add("email", e.Email)
	add("phone", e.Phone)

	if len(e.Attributes) > 0 {
		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(k, e.Attributes[k])
		}
	}

	return strings.Join(parts, "\n")
}

// UpdateEntity regenerates the embedding for one entity, called when its
// attributes change. Returns an error if the entity does not exist.
func (m *Maintainer) UpdateEntity(ctx context.Context, kind model.EntityKind, id string) error {
	e, err := m.store.GetEntity(ctx, kind, id)
	if err != nil {
		return err
	}
	if e == nil {
		return eris.Errorf("embedding: %s/%s not found", kind, id)
	}
	return m.embedAndStore(ctx, e)
}

func (m *Maintainer) embedAndStore(ctx context.Context, e *model.Entity) error {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	text := BuildEmbeddingText(e)
	vec, err := m.embedder.EmbedText(ctx, text)
	if err != nil {
		return eris.Wrapf(err, "embedding: embed %s/%s", e.Kind, e.ID)
	}
	return m.store.UpdateEmbedding(ctx, e.Kind, e.ID, text, vec)
}

// GenerateMissing embeds up to limit entities of one kind that have no
// embedding yet. Individual entity failures are collected in the report and
// do not stop the pass. The chunk size adapts to memory pressure.
func (m *Maintainer) GenerateMissing(ctx context.Context, kind model.EntityKind, limit int) (*Report, error) {
	report := &Report{Kind: kind}
	batchSize := m.cfg.BatchSize
	remaining := limit
	seen := make(map[string]bool)
	var lastErr error

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if m.guard != nil {
			batchSize = m.guard.RecommendedBatchSize(batchSize)
			for m.guard.ShouldPause() {
				zap.L().Warn("pausing embedding generation under memory pressure",
					zap.String("kind", string(kind)))
				select {
				case <-ctx.Done():
					return report, ctx.Err()
				case <-time.After(2 * time.Second):
				}
			}
		}

		chunk := batchSize
		if chunk > remaining {
			chunk = remaining
		}
		listed, err := m.store.ListMissingEmbeddings(ctx, kind, chunk)
		if err != nil {
			return report, err
		}

		// Rows that failed earlier in this pass come back from the store;
		// skip them so the pass always terminates.
		entities := listed[:0]
		for i := range listed {
			if !seen[listed[i].ID] {
				seen[listed[i].ID] = true
				entities = append(entities, listed[i])
			}
		}
		if len(entities) == 0 {
			break
		}

		chunkProcessed := 0
		for i := range entities {
			e := &entities[i]
			if err := m.embedAndStore(ctx, e); err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				zap.L().Warn("entity embedding failed",
					zap.String("kind", string(kind)),
					zap.String("entity_id", e.ID),
					zap.Error(err))
				lastErr = err
				report.Failed++
				report.Errors = append(report.Errors, EntityError{
					Kind:      kind,
					EntityID:  e.ID,
					Err:       err.Error(),
					ErrorType: resilience.ClassifyError(err),
				})
				continue
			}
			report.Processed++
			chunkProcessed++
		}
		remaining -= len(entities)

		// Wrapping the last entity error keeps its transient/permanent
		// classification visible to the caller's retry policy.
		if chunkProcessed == 0 && report.Processed == 0 {
			return report, eris.Wrapf(lastErr, "embedding: no progress for %s, %d failures", kind, report.Failed)
		}
	}

	return report, nil
}

// Stats returns embedding coverage for every entity kind.
func (m *Maintainer) Stats(ctx context.Context) ([]model.BacklogStats, error) {
	out := make([]model.BacklogStats, 0, len(model.AllKinds))
	for _, kind := range model.AllKinds {
		total, err := m.store.CountEntities(ctx, kind)
		if err != nil {
			return nil, err
		}
		embedded, err := m.store.CountEmbedded(ctx, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, model.NewBacklogStats(kind, total, embedded))
	}
	return out, nil
}

func (e EntityError) String() string {
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.EntityID, e.Err)
}
