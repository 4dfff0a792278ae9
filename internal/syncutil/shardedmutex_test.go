package syncutil

import (
	"errors"
	"hash/fnv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedMutex_SerializesSameUser(t *testing.T) {
	var sm ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := sm.Lock("usr_1")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestShardedMutex_DoReleasesOnError(t *testing.T) {
	var sm ShardedMutex
	boom := errors.New("boom")

	err := sm.Do("usr_1", func() error { return boom })
	require.ErrorIs(t, err, boom)

	ran := false
	require.NoError(t, sm.Do("usr_1", func() error { ran = true; return nil }))
	assert.True(t, ran, "shard was released after the failed call")
}

func TestShardOf_MatchesFNV1a(t *testing.T) {
	for _, id := range []string{"", "usr_1", "usr_trader_42", "ü"} {
		h := fnv.New32a()
		_, _ = h.Write([]byte(id))
		assert.Equal(t, h.Sum32()%shardCount, shardOf(id), id)
	}
}
