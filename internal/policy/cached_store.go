package policy

import (
	"context"
	"time"

	"github.com/mbd888/tiltguard/internal/cache"
)

// CachedStore wraps a Store with a read-through cache for Get. Writes
// invalidate the affected entry.
type CachedStore struct {
	Store
	cache cache.Cache
	ttl   time.Duration
}

// Compile-time check.
var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached store with the given entry TTL.
func NewCachedStore(inner Store, c cache.Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: inner, cache: c, ttl: ttl}
}

func cacheKey(id string) string { return "policy:" + id }

func (s *CachedStore) Get(ctx context.Context, id string) (*Policy, error) {
	var p Policy
	if cache.GetJSON(ctx, s.cache, cacheKey(id), &p) {
		return &p, nil
	}
	got, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cache.SetJSON(ctx, s.cache, cacheKey(id), got, s.ttl)
	return got, nil
}

func (s *CachedStore) Update(ctx context.Context, p *Policy) error {
	if err := s.Store.Update(ctx, p); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, cacheKey(p.ID))
	return nil
}

func (s *CachedStore) Delete(ctx context.Context, id string) error {
	if err := s.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, cacheKey(id))
	return nil
}
