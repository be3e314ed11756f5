package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin-sse-gateway/internal/sse"
)

func newConnectedRedisStore(t *testing.T, maxPerChannel int) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := NewRedisStore(maxPerChannel, time.Hour, zerolog.Nop())
	require.NoError(t, s.Connect(ctx, "redis://"+mr.Addr()))
	return s
}

func TestRedisStoreUnavailableBeforeConnect(t *testing.T) {
	s := NewRedisStore(100, 0, zerolog.Nop())
	assert.False(t, s.IsAvailable())
	assert.Equal(t, "redis-streams", s.Name())

	// Writes and reads against a disconnected store are silent no-ops.
	s.Store(context.Background(), "ch-1", s.GenerateID(), sse.RawEvent("message", "x"))
	assert.Empty(t, s.GetAfter(context.Background(), "ch-1", "0-0"))
}

func TestRedisStoreConnectTwiceFails(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := NewRedisStore(100, 0, zerolog.Nop())
	require.NoError(t, s.Connect(ctx, "redis://"+mr.Addr()))
	assert.True(t, s.IsAvailable())
	assert.Error(t, s.Connect(ctx, "redis://"+mr.Addr()))
}

func TestRedisStoreConnectBadURL(t *testing.T) {
	s := NewRedisStore(100, 0, zerolog.Nop())
	assert.Error(t, s.Connect(context.Background(), "not-a-url"))
}

func TestRedisStoreWriteAndReplay(t *testing.T) {
	s := newConnectedRedisStore(t, 100)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id := s.GenerateID()
		ids = append(ids, id)
		s.Store(context.Background(), "ch-1", id, sse.RawEvent("message", fmt.Sprintf("event-%d", i)))
	}

	// Writes are batched; give the flusher a moment.
	require.Eventually(t, func() bool {
		return len(s.GetAfter(context.Background(), "ch-1", ids[0])) == 4
	}, 2*time.Second, 10*time.Millisecond)

	got := s.GetAfter(context.Background(), "ch-1", ids[1])
	require.Len(t, got, 3)
	assert.Equal(t, "event-2", got[0].Data.String())
	assert.Equal(t, ids[2], got[0].StreamID)
	assert.Equal(t, "message", got[0].Type)

	// Cursor at the newest entry: nothing left.
	assert.Empty(t, s.GetAfter(context.Background(), "ch-1", ids[4]))
}

func TestRedisStoreBadCursor(t *testing.T) {
	s := newConnectedRedisStore(t, 100)
	assert.Empty(t, s.GetAfter(context.Background(), "ch-1", ""))
	assert.Empty(t, s.GetAfter(context.Background(), "ch-1", "garbage"))
}

func TestRedisStoreChannelsAreIsolated(t *testing.T) {
	s := newConnectedRedisStore(t, 100)

	cursor := s.GenerateID()
	idA := s.GenerateID()
	idB := s.GenerateID()
	s.Store(context.Background(), "ch-a", idA, sse.RawEvent("message", "for-a"))
	s.Store(context.Background(), "ch-b", idB, sse.RawEvent("message", "for-b"))

	require.Eventually(t, func() bool {
		return len(s.GetAfter(context.Background(), "ch-a", cursor)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := s.GetAfter(context.Background(), "ch-a", cursor)
	require.Len(t, got, 1)
	assert.Equal(t, "for-a", got[0].Data.String())
}

func TestRedisStoreCountsDroppedWrites(t *testing.T) {
	s := newConnectedRedisStore(t, 100)
	assert.Zero(t, s.DroppedWrites())
	assert.Zero(t, s.DroppedBatches())
}
