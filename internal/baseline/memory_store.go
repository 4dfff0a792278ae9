package baseline

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu        sync.RWMutex
	baselines map[string]*UserBaseline
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{baselines: make(map[string]*UserBaseline)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*UserBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, b *UserBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.baselines[b.UserID] = &cp
	return nil
}
