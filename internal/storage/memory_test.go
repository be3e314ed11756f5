package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odin-sse-gateway/internal/sse"
)

func storeN(t *testing.T, m *MemoryStore, channelID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := m.GenerateID()
		m.Store(context.Background(), channelID, id, sse.RawEvent("message", fmt.Sprintf("event-%d", i)))
		ids = append(ids, id)
	}
	return ids
}

func TestMemoryStoreGetAfterReturnsNewerOnly(t *testing.T) {
	m := NewMemoryStore(100, zerolog.Nop())
	ids := storeN(t, m, "ch-1", 5)

	got := m.GetAfter(context.Background(), "ch-1", ids[1])
	require.Len(t, got, 3)
	assert.Equal(t, "event-2", got[0].Data.String())
	assert.Equal(t, "event-4", got[2].Data.String())

	// Events carry their stream id so clients can resume from any of them.
	assert.Equal(t, ids[2], got[0].StreamID)

	// Cursor at the newest entry: nothing to replay.
	assert.Empty(t, m.GetAfter(context.Background(), "ch-1", ids[4]))
}

func TestMemoryStoreGetAfterAscendingOrder(t *testing.T) {
	m := NewMemoryStore(100, zerolog.Nop())
	ids := storeN(t, m, "ch-1", 20)

	got := m.GetAfter(context.Background(), "ch-1", ids[0])
	require.Len(t, got, 19)
	prev, ok := ParseStreamID(got[0].StreamID)
	require.True(t, ok)
	for _, e := range got[1:] {
		id, ok := ParseStreamID(e.StreamID)
		require.True(t, ok)
		assert.True(t, prev.Less(id))
		prev = id
	}
}

func TestMemoryStoreTrimsToWindow(t *testing.T) {
	m := NewMemoryStore(10, zerolog.Nop())
	ids := storeN(t, m, "ch-1", 25)

	// Cursor older than the retained window: replay starts at the oldest
	// retained entry instead of failing.
	got := m.GetAfter(context.Background(), "ch-1", ids[0])
	require.Len(t, got, 10)
	assert.Equal(t, "event-15", got[0].Data.String())
	assert.Equal(t, "event-24", got[9].Data.String())
}

func TestMemoryStoreChannelsAreIsolated(t *testing.T) {
	m := NewMemoryStore(100, zerolog.Nop())
	idsA := storeN(t, m, "ch-a", 3)
	storeN(t, m, "ch-b", 3)

	got := m.GetAfter(context.Background(), "ch-a", idsA[0])
	require.Len(t, got, 2)
	for _, e := range got {
		assert.Contains(t, e.Data.String(), "event-")
	}
	assert.Empty(t, m.GetAfter(context.Background(), "ch-c", idsA[0]))
}

func TestMemoryStoreBadCursor(t *testing.T) {
	m := NewMemoryStore(100, zerolog.Nop())
	storeN(t, m, "ch-1", 3)

	assert.Empty(t, m.GetAfter(context.Background(), "ch-1", ""))
	assert.Empty(t, m.GetAfter(context.Background(), "ch-1", "not-a-stream-id"))
	assert.Empty(t, m.GetAfter(context.Background(), "ch-1", "550e8400-e29b-41d4-a716-446655440000"))
}

func TestMemoryStoreRejectsMalformedStreamID(t *testing.T) {
	m := NewMemoryStore(100, zerolog.Nop())
	m.Store(context.Background(), "ch-1", "garbage", sse.RawEvent("message", "x"))

	ids := storeN(t, m, "ch-1", 1)
	// Only the well-formed entry exists; a cursor before it sees just it.
	got := m.GetAfter(context.Background(), "ch-1", "0-0")
	require.Len(t, got, 1)
	assert.Equal(t, ids[0], got[0].StreamID)
}

func TestMemoryStoreAvailability(t *testing.T) {
	m := NewMemoryStore(0, zerolog.Nop())
	assert.True(t, m.IsAvailable())
	assert.Equal(t, "memory", m.Name())
}
