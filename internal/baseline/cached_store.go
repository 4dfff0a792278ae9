package baseline

import (
	"context"
	"time"

	"github.com/mbd888/tiltguard/internal/cache"
)

// CachedStore wraps a Store with a read-through cache. Save invalidates the
// user's entry so the next assessment sees the new baseline.
type CachedStore struct {
	inner Store
	cache cache.Cache
	ttl   time.Duration
}

// Compile-time check.
var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached store with the given entry TTL.
func NewCachedStore(inner Store, c cache.Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{inner: inner, cache: c, ttl: ttl}
}

func cacheKey(userID string) string { return "baseline:" + userID }

func (s *CachedStore) Get(ctx context.Context, userID string) (*UserBaseline, error) {
	var b UserBaseline
	if cache.GetJSON(ctx, s.cache, cacheKey(userID), &b) {
		return &b, nil
	}
	got, err := s.inner.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	cache.SetJSON(ctx, s.cache, cacheKey(userID), got, s.ttl)
	return got, nil
}

func (s *CachedStore) Save(ctx context.Context, b *UserBaseline) error {
	if err := s.inner.Save(ctx, b); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, cacheKey(b.UserID))
	return nil
}
