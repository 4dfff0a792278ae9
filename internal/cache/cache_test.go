package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	val := []byte("v1")
	c.Set(ctx, "k", val, 0)
	val[0] = 'x'

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v1", string(got))

	c.Invalidate(ctx, "k")
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemory()
	c.now = func() time.Time { return now }

	c.Set(ctx, "k", []byte("v"), time.Minute)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	SetJSON(ctx, c, "p", map[string]int{"a": 1}, 0)
	var out map[string]int
	require.True(t, GetJSON(ctx, c, "p", &out))
	assert.Equal(t, 1, out["a"])

	c.Set(ctx, "bad", []byte("{not json"), 0)
	assert.False(t, GetJSON(ctx, c, "bad", &out))
	_, ok := c.Get(ctx, "bad")
	assert.False(t, ok, "undecodable entry should be dropped")
}

func TestRedis_UnreachableDegradesToMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := NewRedis(client, "test:", nil)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, ok := c.Get(ctx, "k")
		assert.False(t, ok)
	}
	assert.Equal(t, "open", c.State())

	// Open breaker short-circuits without touching the network.
	c.Set(ctx, "k", []byte("v"), time.Second)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	c.Set(context.Background(), "k", []byte("v"), 0)
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}
