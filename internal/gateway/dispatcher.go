package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"odin-sse-gateway/internal/monitoring"
	"odin-sse-gateway/internal/source"
	"odin-sse-gateway/internal/sse"
	"odin-sse-gateway/internal/storage"
)

// Dispatcher is the fan-out core: it takes messages from any producer
// (upstream sources or the HTTP send endpoints), stamps them with a replay
// cursor, delivers them to live connections, and persists them off-path.
//
// Ordering guarantee: realtime delivery happens before the persistence
// write is even enqueued, so a subscriber never sees an event later than
// the replay store does.
type Dispatcher struct {
	registry *sse.Registry
	store    storage.Store
	pool     *WorkerPool
	logger   zerolog.Logger
}

// NewDispatcher wires the fan-out core together.
func NewDispatcher(registry *sse.Registry, store storage.Store, pool *WorkerPool, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		store:    store,
		pool:     pool,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Handle implements source.Dispatcher. Messages without a channel are
// broadcast to every connection and skip persistence, since broadcasts
// have no replay cursor to resume from.
func (d *Dispatcher) Handle(msg source.IncomingMessage) {
	eventType := msg.EventType
	if eventType == "" {
		eventType = "message"
	}
	event := sse.RawEvent(eventType, msg.Data)
	if msg.ID != "" {
		event = event.WithID(msg.ID)
	}

	if msg.ChannelID == "" {
		d.Broadcast(event)
		return
	}
	d.Dispatch(msg.ChannelID, event)
}

// Dispatch stamps the event with a fresh stream ID, fans it out to the
// channel's connections, and schedules the replay write. Returns the
// number of connections the event was enqueued to.
func (d *Dispatcher) Dispatch(channelID string, event sse.Event) int {
	streamID := d.store.GenerateID()
	stamped := event.WithStreamID(streamID)

	sent := d.registry.SendToChannel(channelID, stamped)
	monitoring.RecordDispatch("channel", sent)

	d.pool.Submit(func() {
		d.store.Store(context.Background(), channelID, streamID, stamped)
	})

	d.logger.Debug().
		Str("channel_id", channelID).
		Str("stream_id", streamID).
		Int("sent", sent).
		Msg("Event dispatched")
	return sent
}

// Broadcast fans the event out to every connection on this instance.
// Broadcasts are ephemeral: no stream ID, no replay.
func (d *Dispatcher) Broadcast(event sse.Event) int {
	sent := d.registry.Broadcast(event)
	monitoring.RecordDispatch("broadcast", sent)

	d.logger.Debug().Int("sent", sent).Msg("Event broadcast")
	return sent
}

// StoreOnly persists an event under a fresh stream ID without delivering
// it to anyone. Serves the admin endpoint that pre-seeds replay history.
// The write is synchronous so the caller can report the assigned ID.
func (d *Dispatcher) StoreOnly(ctx context.Context, channelID string, event sse.Event) string {
	streamID := d.store.GenerateID()
	d.store.Store(ctx, channelID, streamID, event.WithStreamID(streamID))
	return streamID
}
