package audit

import (
	"context"
	"sync"

	"github.com/mbd888/tiltguard/internal/pagination"
)

// MemoryStore is an in-memory audit store for tests and demo mode.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event // append order
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendBatch(_ context.Context, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		cp := *ev
		m.events = append(m.events, &cp)
	}
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int, before *pagination.Cursor) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if ev.UserID != userID {
			continue
		}
		if before != nil && !ev.CreatedAt.Before(before.CreatedAt) &&
			!(ev.CreatedAt.Equal(before.CreatedAt) && ev.ID < before.ID) {
			continue
		}
		cp := *ev
		result = append(result, &cp)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
