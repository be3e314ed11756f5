package sse

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// outboundCapacity is the per-connection queue depth. At a typical
// per-channel rate of a few events per second this buffers well over a
// minute of traffic; a client that falls further behind than that is not
// coming back and gets dropped rather than letting its queue grow.
const outboundCapacity = 100

// ConnectionMetadata describes where a connection came from.
type ConnectionMetadata struct {
	// ConnectedAt is when the subscription was accepted.
	ConnectedAt time.Time
	// InstanceID is the gateway instance serving this connection.
	InstanceID string
	// ClientIP is the first X-Forwarded-For value, when present.
	ClientIP string
	// UserAgent is the client's User-Agent header, when present.
	UserAgent string
}

// Connection is one client's SSE subscription on one channel.
//
// A connection is shared by exactly two roles: the registry holds the
// producer side (Send), and the stream assembler drives the consumer side
// (Events + Close). All copies of the handle share the same queue and id.
//
// Lifecycle: created by Registry.Register, destroyed when the stream
// terminates for any reason. Close marks the consumer gone; the sweeper or
// the next failed Send gets it out of the registry.
type Connection struct {
	// ID is a fresh 128-bit identifier, unique process-wide.
	ID string
	// ChannelID is the channel this connection subscribed to.
	ChannelID string
	// Metadata is immutable after creation.
	Metadata ConnectionMetadata

	outbound  chan Event
	done      chan struct{}
	closeOnce *sync.Once
}

// NewConnection creates a connection handle for the given channel. The
// returned channel is the receiver end of the outbound queue; the stream
// assembler is its only reader.
func NewConnection(channelID, instanceID, clientIP, userAgent string) (*Connection, <-chan Event) {
	outbound := make(chan Event, outboundCapacity)
	c := &Connection{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Metadata: ConnectionMetadata{
			ConnectedAt: time.Now().UTC(),
			InstanceID:  instanceID,
			ClientIP:    clientIP,
			UserAgent:   userAgent,
		},
		outbound:  outbound,
		done:      make(chan struct{}),
		closeOnce: &sync.Once{},
	}
	return c, outbound
}

// Send attempts a non-blocking enqueue of the event.
//
// Returns false when the consumer is gone or the queue is full. Callers
// treat false as grounds to unregister: a full queue means the client
// stopped reading, and blocking here would stall fan-out to every other
// recipient of the same event.
func (c *Connection) Send(event Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbound <- event:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close marks the consumer side gone. Idempotent; called by the stream
// assembler's cleanup when the HTTP request ends.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// IsActive reports whether the consumer side is still attached.
func (c *Connection) IsActive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
