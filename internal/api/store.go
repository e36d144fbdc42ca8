package api

import (
	"context"
	"sort"
	"sync"

	"github.com/soaringjerry/NormLab/internal/services"
)

// memoryStore backs development runs and tests.
type memoryStore struct {
	mu     sync.RWMutex
	rows   []services.Row
	drafts map[string][]services.DraftSnapshot
}

func NewMemoryStore() Store {
	return newMemoryStore()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{drafts: map[string][]services.DraftSnapshot{}}
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) ListIdentities(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r.Identity)
	}
	return out, nil
}

func (s *memoryStore) ListConditions(context.Context) ([]services.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]services.Condition, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, services.Condition{TopicKey: r.TopicKey, NormKey: r.NormKey})
	}
	return out, nil
}

func (s *memoryStore) ListRows(context.Context) ([]services.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]services.Row(nil), s.rows...), nil
}

func (s *memoryStore) AppendRow(_ context.Context, r services.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, r)
	return nil
}

func (s *memoryStore) AppendDraft(_ context.Context, d services.DraftSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[d.Handle] = append(s.drafts[d.Handle], d)
	return nil
}

func (s *memoryStore) ListDrafts(_ context.Context, handle string) ([]services.DraftSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]services.DraftSnapshot(nil), s.drafts[handle]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
