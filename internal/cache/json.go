package cache

import (
	"context"
	"encoding/json"
	"time"
)

// GetJSON decodes a cached JSON value into dst. A decode failure is treated
// as a miss and the key is dropped.
func GetJSON(ctx context.Context, c Cache, key string, dst any) bool {
	b, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		c.Invalidate(ctx, key)
		return false
	}
	return true
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Set(ctx, key, b, ttl)
}
