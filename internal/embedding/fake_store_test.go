package embedding

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/internal/resilience"
	"github.com/sells-group/po-intake/internal/store"
)

// fakeStore is an in-memory store.Store covering what the embedding
// pipeline touches. Function fields inject failures per test.
type fakeStore struct {
	mu       sync.Mutex
	entities map[model.EntityKind]map[string]*model.Entity
	dlq      map[string]resilience.DLQEntry

	listCalls int
	listErr   func(call int) error
}

func newFakeStore() *fakeStore {
	s := &fakeStore{
		entities: make(map[model.EntityKind]map[string]*model.Entity),
		dlq:      make(map[string]resilience.DLQEntry),
	}
	for _, kind := range model.AllKinds {
		s.entities[kind] = make(map[string]*model.Entity)
	}
	return s
}

var _ store.Store = (*fakeStore)(nil)

func (s *fakeStore) listCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *fakeStore) add(kind model.EntityKind, id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[kind][id] = &model.Entity{Kind: kind, ID: id, Name: name, Active: true}
}

func (s *fakeStore) GetEntity(_ context.Context, kind model.EntityKind, id string) (*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[kind][id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *fakeStore) FindExact(context.Context, model.EntityKind, string) (*model.Entity, error) {
	return nil, nil
}

func (s *fakeStore) FindByDomain(context.Context, string) (*model.Entity, error) {
	return nil, nil
}

func (s *fakeStore) FindByPhone(context.Context, model.EntityKind, string) (*model.Entity, error) {
	return nil, nil
}

func (s *fakeStore) ImportEntities(_ context.Context, kind model.EntityKind, entities []model.Entity, _ bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range entities {
		e := entities[i]
		s.entities[kind][e.ID] = &e
	}
	return int64(len(entities)), nil
}

func (s *fakeStore) ListMissingEmbeddings(_ context.Context, kind model.EntityKind, limit int) ([]model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		if err := s.listErr(s.listCalls); err != nil {
			return nil, err
		}
	}

	// Mirrors the real backends: a dead-letter row excludes its entity only
	// while cooling down or after the retry budget is spent.
	now := time.Now().UTC()
	parked := make(map[string]bool)
	for _, entry := range s.dlq {
		if entry.Kind != kind {
			continue
		}
		if entry.NextRetryAt.After(now) || entry.RetryCount >= entry.MaxRetries {
			parked[entry.EntityID] = true
		}
	}

	var ids []string
	for id, e := range s.entities[kind] {
		if e.Active && e.Embedding == nil && !parked[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.entities[kind][id])
	}
	return out, nil
}

func (s *fakeStore) UpdateEmbedding(_ context.Context, kind model.EntityKind, id, text string, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[kind][id]
	if !ok {
		return eris.Errorf("fake: no entity %s/%s", kind, id)
	}
	e.EmbeddingText = text
	e.Embedding = vector
	return nil
}

func (s *fakeStore) CountEntities(_ context.Context, kind model.EntityKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities[kind]), nil
}

func (s *fakeStore) CountEmbedded(_ context.Context, kind model.EntityKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entities[kind] {
		if e.Embedding != nil {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Nearest(context.Context, model.EntityKind, []float32, int) ([]store.Candidate, error) {
	return nil, nil
}

func (s *fakeStore) RecordMatch(context.Context, model.MatchAudit) error { return nil }

func (s *fakeStore) EnqueueDLQ(_ context.Context, entry resilience.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(entry.Kind) + "/" + entry.EntityID
	if prev, ok := s.dlq[key]; ok {
		entry.ID = prev.ID
		entry.RetryCount = prev.RetryCount + 1
	} else if entry.ID == "" {
		entry.ID = key
	}
	s.dlq[key] = entry
	return nil
}

func (s *fakeStore) DequeueDLQ(_ context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []resilience.DLQEntry
	for _, entry := range s.dlq {
		if filter.Kind != "" && entry.Kind != filter.Kind {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *fakeStore) RemoveDLQ(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.dlq {
		if entry.ID == id {
			delete(s.dlq, key)
		}
	}
	return nil
}

func (s *fakeStore) CountDLQ(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dlq), nil
}

func (s *fakeStore) Migrate(context.Context) error { return nil }
func (s *fakeStore) Ping(context.Context) error    { return nil }
func (s *fakeStore) Close() error                  { return nil }
