// Package source defines the upstream message adapters that feed the
// gateway. A source is an arbitrary producer; it hands messages to the
// dispatcher and never sees gateway internals.
package source

import (
	"context"

	"odin-sse-gateway/internal/sse"
)

// IncomingMessage is one message from an upstream source, before it
// becomes an Event. An empty ChannelID means broadcast to all connections
// and skip persistence, since broadcasts have no replay cursor.
type IncomingMessage struct {
	ChannelID string `json:"channel_id,omitempty"`
	EventType string `json:"event_type"`
	Data      string `json:"data"`
	ID        string `json:"id,omitempty"`
}

// Dispatcher receives messages from sources. The gateway implements it;
// sources depend only on this narrow interface so adapters can be built
// and tested without gateway wiring.
type Dispatcher interface {
	Handle(msg IncomingMessage)
}

// ConnectionInfo identifies a subscription for lifecycle hooks.
type ConnectionInfo struct {
	ChannelID    string
	ConnectionID string
	InstanceID   string
}

// Source is an upstream message adapter.
//
// Start runs until ctx is cancelled, invoking the dispatcher for each
// received message. The registry is passed as an argument rather than
// stored, so sources that want connection counts don't create a reference
// cycle with the gateway.
type Source interface {
	Start(ctx context.Context, dispatch Dispatcher, registry *sse.Registry) error
	Name() string
}

// ConnectionObserver is an optional extension for sources that track
// subscription lifecycles (e.g. to maintain a channel→instance binding in
// service discovery). The gateway calls these hooks from the subscribe
// path; implementations must return quickly and do I/O asynchronously.
type ConnectionObserver interface {
	OnConnect(info ConnectionInfo)
	OnDisconnect(info ConnectionInfo)
}

// NoopSource receives nothing. Used when the gateway is fed exclusively
// through the HTTP send endpoints.
type NoopSource struct{}

// Start implements Source; it blocks until ctx is cancelled.
func (NoopSource) Start(ctx context.Context, _ Dispatcher, _ *sse.Registry) error {
	<-ctx.Done()
	return nil
}

// Name implements Source.
func (NoopSource) Name() string { return "noop" }

// ChannelSource forwards programmatically produced messages. Useful in
// tests and for embedding the gateway in a larger process.
type ChannelSource struct {
	messages chan IncomingMessage
}

// NewChannelSource creates a channel source with a 1000-message buffer and
// returns the send side.
func NewChannelSource() (*ChannelSource, chan<- IncomingMessage) {
	ch := make(chan IncomingMessage, 1000)
	return &ChannelSource{messages: ch}, ch
}

// Start implements Source.
func (s *ChannelSource) Start(ctx context.Context, dispatch Dispatcher, _ *sse.Registry) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.messages:
			if !ok {
				return nil
			}
			dispatch.Handle(msg)
		}
	}
}

// Name implements Source.
func (s *ChannelSource) Name() string { return "channel" }
