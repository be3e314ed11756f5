package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStreamIDMonotonic(t *testing.T) {
	prev, ok := ParseStreamID(NewStreamID())
	require.True(t, ok)

	for i := 0; i < 1000; i++ {
		id, ok := ParseStreamID(NewStreamID())
		require.True(t, ok)
		assert.True(t, prev.Less(id), "expected %v < %v", prev, id)
		prev = id
	}
}

func TestNewStreamIDUniqueUnderConcurrency(t *testing.T) {
	const perGoroutine = 500
	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]string, 0, perGoroutine)
			for j := 0; j < perGoroutine; j++ {
				ids = append(ids, NewStreamID())
			}
			mu.Lock()
			for _, id := range ids {
				assert.False(t, seen[id], "duplicate stream id %s", id)
				seen[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func TestParseStreamID(t *testing.T) {
	id, ok := ParseStreamID("1700000000000-42")
	require.True(t, ok)
	assert.Equal(t, uint64(1700000000000), id.Millis)
	assert.Equal(t, uint64(42), id.Seq)

	for _, bad := range []string{
		"",
		"1700000000000",
		"-42",
		"1700000000000-",
		"abc-42",
		"1700000000000-xyz",
		"550e8400-e29b-41d4-a716-446655440000",
	} {
		_, ok := ParseStreamID(bad)
		assert.False(t, ok, "expected %q to be rejected", bad)
	}
}

func TestStreamIDLess(t *testing.T) {
	assert.True(t, StreamID{Millis: 1, Seq: 9}.Less(StreamID{Millis: 2, Seq: 0}))
	assert.True(t, StreamID{Millis: 1, Seq: 1}.Less(StreamID{Millis: 1, Seq: 2}))
	assert.False(t, StreamID{Millis: 1, Seq: 2}.Less(StreamID{Millis: 1, Seq: 2}))
	assert.False(t, StreamID{Millis: 2, Seq: 0}.Less(StreamID{Millis: 1, Seq: 9}))
}
