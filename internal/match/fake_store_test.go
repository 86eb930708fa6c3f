package match

import (
	"context"
	"strings"
	"sync"

	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/internal/resilience"
	"github.com/sells-group/po-intake/internal/store"
)

// fakeStore implements the slice of store.Store the cascade touches, backed
// by a fixed entity list and canned nearest-neighbor results.
type fakeStore struct {
	mu       sync.Mutex
	entities []*model.Entity
	nearest  map[model.EntityKind][]store.Candidate
	audits   []model.MatchAudit
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore(entities ...*model.Entity) *fakeStore {
	return &fakeStore{
		entities: entities,
		nearest:  make(map[model.EntityKind][]store.Candidate),
	}
}

func (s *fakeStore) auditCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audits)
}

func (s *fakeStore) lastAudit() model.MatchAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audits[len(s.audits)-1]
}

func (s *fakeStore) GetEntity(_ context.Context, kind model.EntityKind, id string) (*model.Entity, error) {
	for _, e := range s.entities {
		if e.Kind == kind && e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindExact(_ context.Context, kind model.EntityKind, normalized string) (*model.Entity, error) {
	eq := func(v string) bool {
		return model.LookupKey(v) == normalized
	}
	for _, e := range s.entities {
		if e.Kind != kind || !e.Active {
			continue
		}
		if eq(e.Identifier) || eq(e.Name) {
			return e, nil
		}
		for _, alt := range e.AltNames {
			if eq(alt) {
				return e, nil
			}
		}
	}
	return nil, nil
}

func (s *fakeStore) FindByDomain(_ context.Context, domain string) (*model.Entity, error) {
	for _, e := range s.entities {
		if e.Kind == model.KindCustomer && e.Active && strings.EqualFold(e.Domain, domain) {
			return e, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindByPhone(_ context.Context, kind model.EntityKind, digits string) (*model.Entity, error) {
	for _, e := range s.entities {
		if e.Kind == kind && e.Active && PhoneDigits(e.Phone) == digits && digits != "" {
			return e, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ImportEntities(context.Context, model.EntityKind, []model.Entity, bool) (int64, error) {
	return 0, nil
}

func (s *fakeStore) ListMissingEmbeddings(context.Context, model.EntityKind, int) ([]model.Entity, error) {
	return nil, nil
}

func (s *fakeStore) UpdateEmbedding(context.Context, model.EntityKind, string, string, []float32) error {
	return nil
}

func (s *fakeStore) CountEntities(context.Context, model.EntityKind) (int, error) { return 0, nil }
func (s *fakeStore) CountEmbedded(context.Context, model.EntityKind) (int, error) { return 0, nil }

func (s *fakeStore) Nearest(_ context.Context, kind model.EntityKind, _ []float32, k int) ([]store.Candidate, error) {
	out := s.nearest[kind]
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *fakeStore) RecordMatch(_ context.Context, audit model.MatchAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, audit)
	return nil
}

func (s *fakeStore) EnqueueDLQ(context.Context, resilience.DLQEntry) error { return nil }
func (s *fakeStore) DequeueDLQ(context.Context, resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return nil, nil
}
func (s *fakeStore) RemoveDLQ(context.Context, string) error { return nil }
func (s *fakeStore) CountDLQ(context.Context) (int, error)   { return 0, nil }
func (s *fakeStore) Migrate(context.Context) error           { return nil }
func (s *fakeStore) Ping(context.Context) error              { return nil }
func (s *fakeStore) Close() error                            { return nil }
