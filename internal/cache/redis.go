package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const redisOpTimeout = 500 * time.Millisecond

// Redis is a Cache backed by a Redis server. Every call goes through a
// circuit breaker so an unavailable Redis degrades to cache misses instead
// of stalling requests.
type Redis struct {
	client *redis.Client
	prefix string
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// Compile-time check.
var _ Cache = (*Redis)(nil)

// NewRedis creates a Redis-backed cache. Keys are namespaced with prefix.
func NewRedis(client *redis.Client, prefix string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	st := gobreaker.Settings{
		Name:     "cache.redis",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
		// A miss is a normal answer, not a backend failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Redis{client: client, prefix: prefix, cb: gobreaker.NewCircuitBreaker(st), logger: logger}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := r.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		return r.client.Get(ctx, r.prefix+key).Bytes()
	})
	if err != nil {
		return nil, false
	}
	b, _ := v.([]byte)
	return b, true
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	_, err := r.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		return nil, r.client.Set(ctx, r.prefix+key, val, ttl).Err()
	})
	if err != nil {
		r.logger.Debug("cache set failed", "key", key, "error", err)
	}
}

func (r *Redis) Invalidate(ctx context.Context, key string) {
	_, err := r.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		return nil, r.client.Del(ctx, r.prefix+key).Err()
	})
	if err != nil {
		r.logger.Warn("cache invalidate failed", "key", key, "error", err)
	}
}

// State returns the breaker state name (closed, half-open, open).
func (r *Redis) State() string {
	return r.cb.State().String()
}

// Ping checks connectivity for health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
