package risk

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/tiltguard/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Assessment
	byUser map[string][]string // userID -> assessment IDs
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Assessment),
		byUser: make(map[string][]string),
	}
}

func (s *MemoryStore) Record(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[a.ID]; !exists {
		s.byUser[a.UserID] = append(s.byUser[a.UserID], a.ID)
	}
	s.byID[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int, before *pagination.Cursor) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	if len(ids) == 0 {
		return nil, nil
	}

	all := make([]*Assessment, 0, len(ids))
	for _, id := range ids {
		all = append(all, s.byID[id])
	}
	sort.SliceStable(all, func(i, j int) bool { return newer(all[i], all[j]) })

	var result []*Assessment
	for _, a := range all {
		if before != nil && !olderThan(a, before) {
			continue
		}
		result = append(result, a.Clone())
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// newer orders by (EvaluatedAt, ID) descending.
func newer(a, b *Assessment) bool {
	if !a.EvaluatedAt.Equal(b.EvaluatedAt) {
		return a.EvaluatedAt.After(b.EvaluatedAt)
	}
	return a.ID > b.ID
}

func olderThan(a *Assessment, c *pagination.Cursor) bool {
	if !a.EvaluatedAt.Equal(c.CreatedAt) {
		return a.EvaluatedAt.Before(c.CreatedAt)
	}
	return a.ID < c.ID
}

func (s *MemoryStore) SaveOverride(_ context.Context, id string, o *Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if a.Override != nil {
		return ErrAlreadyOverridden
	}
	cp := *o
	a.Override = &cp
	return nil
}
