package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"odin-sse-gateway/internal/monitoring"
	"odin-sse-gateway/internal/source"
	"odin-sse-gateway/internal/sse"
	"odin-sse-gateway/internal/storage"
)

// keepAliveInterval paces the transport-level comment frames. Ten seconds
// sits safely under common proxy idle timeouts (30-60s) while keeping the
// per-connection write load negligible.
const keepAliveInterval = 10 * time.Second

// stream drives one SSE response: replay backlog first, then the live
// merge of realtime events, heartbeat ticks, and keep-alive frames, until
// the client goes away or the server drains.
type stream struct {
	conn     *sse.Connection
	receiver <-chan sse.Event
	registry *sse.Registry
	store    storage.Store
	observer source.ConnectionObserver

	w       http.ResponseWriter
	flusher http.Flusher
	logger  zerolog.Logger

	cleaned bool
}

// run services the subscription until it terminates. Must be called on the
// HTTP handler goroutine; it returns only when the stream is over.
func (s *stream) run(ctx context.Context, lastEventID string) {
	defer s.cleanup("handler_exit")

	if !s.replay(ctx, lastEventID) {
		s.cleanup("write_failed")
		return
	}

	hbTicks, hbCancel := s.registry.SubscribeHeartbeat()
	defer hbCancel()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cleanup("client_disconnected")
			return

		case event, ok := <-s.receiver:
			if !ok {
				s.cleanup("queue_closed")
				return
			}
			if !s.write(event) {
				s.cleanup("write_failed")
				return
			}

		case ts := <-hbTicks:
			hb := sse.RawEvent("heartbeat", fmt.Sprintf(`{"ts":%d}`, ts))
			if !s.write(hb) {
				s.cleanup("write_failed")
				return
			}

		case <-keepAlive.C:
			if _, err := fmt.Fprint(s.w, sse.KeepAliveComment); err != nil {
				s.cleanup("write_failed")
				return
			}
			s.flusher.Flush()
		}
	}
}

// replay writes the stored backlog newer than the client's cursor. Returns
// false only on a write error; a missing or unusable cursor just means no
// backlog.
func (s *stream) replay(ctx context.Context, lastEventID string) bool {
	if lastEventID == "" {
		return true
	}
	if _, ok := storage.ParseStreamID(lastEventID); !ok {
		monitoring.RecordBadReplayCursor()
		s.logger.Debug().
			Str("last_event_id", lastEventID).
			Msg("Unusable replay cursor, starting live")
		return true
	}

	events := s.store.GetAfter(ctx, s.conn.ChannelID, lastEventID)
	for _, event := range events {
		if !s.write(event) {
			return false
		}
	}
	if len(events) > 0 {
		monitoring.RecordReplay(len(events))
		s.logger.Debug().
			Str("connection_id", s.conn.ID).
			Int("replayed", len(events)).
			Msg("Backlog replayed")
	}
	return true
}

// write emits one framed event and flushes it out. Returns false on write
// error, which means the peer is gone.
func (s *stream) write(event sse.Event) bool {
	if _, err := event.WriteTo(s.w); err != nil {
		return false
	}
	s.flusher.Flush()
	return true
}

// cleanup tears the subscription down exactly once: registry removal,
// observer notification, metrics. Later calls with a different reason are
// no-ops, so the first terminating cause wins.
func (s *stream) cleanup(reason string) {
	if s.cleaned {
		return
	}
	s.cleaned = true

	s.registry.Unregister(s.conn.ID)
	if s.observer != nil {
		s.observer.OnDisconnect(source.ConnectionInfo{
			ChannelID:    s.conn.ChannelID,
			ConnectionID: s.conn.ID,
			InstanceID:   s.conn.Metadata.InstanceID,
		})
	}
	monitoring.RecordDisconnect(reason)
	monitoring.SetActiveConnections(s.registry.Count())

	s.logger.Debug().
		Str("connection_id", s.conn.ID).
		Str("channel_id", s.conn.ChannelID).
		Str("reason", reason).
		Msg("Stream ended")
}
