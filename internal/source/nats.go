package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"odin-sse-gateway/internal/sse"
)

const (
	// natsChannelPrefix routes subject "sse.channel.<id>" to SSE channel
	// <id>. The channel id is everything after the prefix, so dotted
	// channel names survive the mapping.
	natsChannelPrefix = "sse.channel."

	// natsBroadcastSubject fans out to every connection.
	natsBroadcastSubject = "sse.broadcast"
)

// NATSSource ingests from NATS core pub/sub. Channel-targeted traffic is
// published on "sse.channel.<id>"; "sse.broadcast" reaches everyone.
// Payloads pass through verbatim as "message" events.
type NATSSource struct {
	url    string
	logger zerolog.Logger
}

// NewNATSSource creates a NATS source for the given server URL.
func NewNATSSource(url string, logger zerolog.Logger) *NATSSource {
	return &NATSSource{
		url:    url,
		logger: logger.With().Str("component", "nats_source").Logger(),
	}
}

// Start implements Source. The subscription callback runs on NATS's own
// goroutine; Handle only enqueues work, so no extra buffering is needed
// here.
func (s *NATSSource) Start(ctx context.Context, dispatch Dispatcher, _ *sse.Registry) error {
	nc, err := nats.Connect(s.url,
		nats.Name("sse-gateway"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Drain()

	channelSub, err := nc.Subscribe(natsChannelPrefix+">", func(m *nats.Msg) {
		channelID := strings.TrimPrefix(m.Subject, natsChannelPrefix)
		if channelID == "" {
			return
		}
		dispatch.Handle(IncomingMessage{
			ChannelID: channelID,
			EventType: "message",
			Data:      string(m.Data),
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s>: %w", natsChannelPrefix, err)
	}
	defer channelSub.Unsubscribe()

	broadcastSub, err := nc.Subscribe(natsBroadcastSubject, func(m *nats.Msg) {
		dispatch.Handle(IncomingMessage{
			EventType: "message",
			Data:      string(m.Data),
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", natsBroadcastSubject, err)
	}
	defer broadcastSub.Unsubscribe()

	s.logger.Info().Str("url", s.url).Msg("NATS source started")
	<-ctx.Done()
	s.logger.Info().Msg("NATS source stopped")
	return nil
}

// Name implements Source.
func (s *NATSSource) Name() string { return "nats" }
