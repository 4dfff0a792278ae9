// Package syncutil serializes work per user without keeping a lock for
// every user ever seen. The baseline calibrator uses it so two calibration
// sessions for one trader cannot both read the same baseline and drop an
// update.
package syncutil

import "sync"

const shardCount = 64

// ShardedMutex is a fixed pool of mutexes addressed by user ID. Users whose
// IDs hash to the same shard wait on each other. The zero value is ready.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock blocks until userID's shard is held and returns its release func.
func (s *ShardedMutex) Lock(userID string) (unlock func()) {
	mu := &s.shards[shardOf(userID)]
	mu.Lock()
	return mu.Unlock
}

// Do runs fn while holding userID's shard.
func (s *ShardedMutex) Do(userID string, fn func() error) error {
	unlock := s.Lock(userID)
	defer unlock()
	return fn()
}

// shardOf is 32-bit FNV-1a folded onto the pool.
func shardOf(userID string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(userID); i++ {
		h ^= uint32(userID[i])
		h *= 16777619
	}
	return h % shardCount
}
