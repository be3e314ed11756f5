package storage

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"odin-sse-gateway/internal/sse"
)

// MemoryStore is the in-process replay store. Suitable for single-instance
// deployments and tests; state is lost on restart, which is acceptable for
// a log whose only job is bridging reconnects.
type MemoryStore struct {
	mu            sync.RWMutex
	channels      map[string][]memoryEntry
	maxPerChannel int
	logger        zerolog.Logger
}

type memoryEntry struct {
	id    StreamID
	event sse.Event
}

// NewMemoryStore creates a memory store keeping at most maxPerChannel
// entries per channel (DefaultMaxPerChannel if <= 0).
func NewMemoryStore(maxPerChannel int, logger zerolog.Logger) *MemoryStore {
	if maxPerChannel <= 0 {
		maxPerChannel = DefaultMaxPerChannel
	}
	return &MemoryStore{
		channels:      make(map[string][]memoryEntry),
		maxPerChannel: maxPerChannel,
		logger:        logger.With().Str("component", "memory_store").Logger(),
	}
}

// GenerateID implements Store.
func (m *MemoryStore) GenerateID() string {
	return NewStreamID()
}

// Store appends under the given stream ID and trims the channel to the
// newest maxPerChannel entries. Insertion order equals stream ID order
// because IDs are generated by the single process-wide counter.
func (m *MemoryStore) Store(_ context.Context, channelID, streamID string, event sse.Event) {
	id, ok := ParseStreamID(streamID)
	if !ok {
		m.logger.Warn().
			Str("channel_id", channelID).
			Str("stream_id", streamID).
			Msg("Rejecting store with malformed stream ID")
		return
	}

	stored := event.WithStreamID(streamID)

	m.mu.Lock()
	entries := append(m.channels[channelID], memoryEntry{id: id, event: stored})
	if n := len(entries) - m.maxPerChannel; n > 0 {
		entries = entries[n:]
	}
	m.channels[channelID] = entries
	m.mu.Unlock()
}

// GetAfter returns entries strictly greater than afterID in ascending
// order. The comparison form (rather than scanning for an exact match)
// keeps replay correct when the cursor itself was already trimmed out of
// the window.
func (m *MemoryStore) GetAfter(_ context.Context, channelID, afterID string) []sse.Event {
	if afterID == "" {
		return nil
	}
	after, ok := ParseStreamID(afterID)
	if !ok {
		m.logger.Warn().
			Str("channel_id", channelID).
			Str("after_id", afterID).
			Msg("Malformed replay cursor, skipping replay")
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.channels[channelID]
	out := make([]sse.Event, 0)
	for _, e := range entries {
		if after.Less(e.id) {
			out = append(out, e.event)
		}
	}
	if len(out) > m.maxPerChannel {
		out = out[len(out)-m.maxPerChannel:]
	}
	return out
}

// IsAvailable implements Store; memory is always available.
func (m *MemoryStore) IsAvailable() bool { return true }

// Name implements Store.
func (m *MemoryStore) Name() string { return "memory" }
