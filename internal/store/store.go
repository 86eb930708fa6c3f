// Package store persists matchable entities, their vector embeddings, the
// match audit trail, and the embedding dead-letter queue.
package store

import (
	"context"

	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/internal/resilience"
)

// Candidate is one nearest-neighbor hit from a vector similarity query.
type Candidate struct {
	EntityID   string  `json:"entity_id"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// Store defines the persistence interface for the resolution pipeline.
// Lookup methods return nil (not an error) when nothing matches.
type Store interface {
	// Entities
	GetEntity(ctx context.Context, kind model.EntityKind, id string) (*model.Entity, error)
	FindExact(ctx context.Context, kind model.EntityKind, normalized string) (*model.Entity, error)
	FindByDomain(ctx context.Context, domain string) (*model.Entity, error)
	FindByPhone(ctx context.Context, kind model.EntityKind, digits string) (*model.Entity, error)
	ImportEntities(ctx context.Context, kind model.EntityKind, entities []model.Entity, replace bool) (int64, error)

	// Embeddings
	ListMissingEmbeddings(ctx context.Context, kind model.EntityKind, limit int) ([]model.Entity, error)
	UpdateEmbedding(ctx context.Context, kind model.EntityKind, id, text string, vector []float32) error
	CountEntities(ctx context.Context, kind model.EntityKind) (int, error)
	CountEmbedded(ctx context.Context, kind model.EntityKind) (int, error)
	Nearest(ctx context.Context, kind model.EntityKind, vector []float32, k int) ([]Candidate, error)

	// Match audit
	RecordMatch(ctx context.Context, audit model.MatchAudit) error

	// Embedding dead-letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
