package sse

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// heartbeatBuffer is the per-subscription tick buffer. Heartbeats are
// lossy: a stream that is busy writing replay or realtime events can miss
// intermediate ticks without consequence, it only needs a recent one.
const heartbeatBuffer = 16

// Registry is the concurrent connection hub: the authoritative map of live
// connections, the per-channel membership index, and the process-wide
// heartbeat broadcaster.
//
// Invariant maintained under all interleavings: a connection appears in the
// channel index exactly while it appears in the main map. Both maps are
// mutated only while holding mu; reads snapshot id lists before doing any
// enqueue work so no lock is held across I/O.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*Connection
	byChannel map[string][]string

	hbMu   sync.Mutex
	hbSubs map[uint64]chan int64
	hbNext uint64

	instanceID string
	logger     zerolog.Logger
}

// NewRegistry creates an empty registry for the given gateway instance.
func NewRegistry(instanceID string, logger zerolog.Logger) *Registry {
	return &Registry{
		byID:       make(map[string]*Connection),
		byChannel:  make(map[string][]string),
		hbSubs:     make(map[uint64]chan int64),
		instanceID: instanceID,
		logger:     logger.With().Str("component", "registry").Logger(),
	}
}

// InstanceID returns the gateway instance id connections are tagged with.
func (r *Registry) InstanceID() string {
	return r.instanceID
}

// Register creates a connection on the channel and inserts it into both
// maps. The returned receiver is the consumer end of the outbound queue.
func (r *Registry) Register(channelID, clientIP, userAgent string) (*Connection, <-chan Event) {
	conn, receiver := NewConnection(channelID, r.instanceID, clientIP, userAgent)

	r.mu.Lock()
	r.byID[conn.ID] = conn
	r.byChannel[channelID] = append(r.byChannel[channelID], conn.ID)
	r.mu.Unlock()

	r.logger.Debug().
		Str("connection_id", conn.ID).
		Str("channel_id", channelID).
		Str("client_ip", clientIP).
		Msg("Connection registered")

	return conn, receiver
}

// Unregister removes the connection from both maps and closes its consumer
// signal. Idempotent and safe under concurrent callers; the second caller
// finds nothing to remove.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	conn, ok := r.byID[connectionID]
	if ok {
		delete(r.byID, connectionID)

		ids := r.byChannel[conn.ChannelID]
		for i, id := range ids {
			if id == connectionID {
				ids = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(r.byChannel, conn.ChannelID)
		} else {
			r.byChannel[conn.ChannelID] = ids
		}
	}
	r.mu.Unlock()

	if ok {
		conn.Close()
		r.logger.Debug().
			Str("connection_id", connectionID).
			Str("channel_id", conn.ChannelID).
			Msg("Connection unregistered")
	}
}

// snapshotChannel copies the id list for a channel so dispatch can iterate
// without holding the index lock across enqueues.
func (r *Registry) snapshotChannel(channelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byChannel[channelID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// SendToChannel fans the event out to every connection on the channel and
// returns the number of successful enqueues.
//
// A target that refuses the enqueue (consumer gone or queue full) is
// unregistered eagerly: keeping it around would make every subsequent
// dispatch pay for the same dead client.
func (r *Registry) SendToChannel(channelID string, event Event) int {
	sent := 0
	for _, id := range r.snapshotChannel(channelID) {
		r.mu.RLock()
		conn := r.byID[id]
		r.mu.RUnlock()
		if conn == nil {
			continue
		}
		if conn.Send(event) {
			sent++
		} else {
			r.logger.Debug().
				Str("connection_id", id).
				Str("channel_id", channelID).
				Msg("Enqueue failed, dropping connection")
			r.Unregister(id)
		}
	}
	return sent
}

// SendToConnection enqueues directly to one connection. On failure the
// connection is unregistered and false is returned.
func (r *Registry) SendToConnection(connectionID string, event Event) bool {
	r.mu.RLock()
	conn := r.byID[connectionID]
	r.mu.RUnlock()
	if conn == nil {
		return false
	}
	if !conn.Send(event) {
		r.Unregister(connectionID)
		return false
	}
	return true
}

// Broadcast fans the event out to every registered connection regardless of
// channel and returns the number of successful enqueues.
func (r *Registry) Broadcast(event Event) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		r.mu.RLock()
		conn := r.byID[id]
		r.mu.RUnlock()
		if conn == nil {
			continue
		}
		if conn.Send(event) {
			sent++
		} else {
			r.Unregister(id)
		}
	}
	return sent
}

// SendHeartbeat publishes the current millisecond timestamp to every
// heartbeat subscription. Best-effort: a subscriber whose buffer is full
// misses the tick.
func (r *Registry) SendHeartbeat() {
	ts := time.Now().UnixMilli()
	r.hbMu.Lock()
	for _, ch := range r.hbSubs {
		select {
		case ch <- ts:
		default:
		}
	}
	r.hbMu.Unlock()
}

// SubscribeHeartbeat creates a fresh heartbeat subscription observing
// subsequent ticks only. The returned cancel func must be called when the
// stream ends, or the subscription leaks.
func (r *Registry) SubscribeHeartbeat() (<-chan int64, func()) {
	ch := make(chan int64, heartbeatBuffer)
	r.hbMu.Lock()
	id := r.hbNext
	r.hbNext++
	r.hbSubs[id] = ch
	r.hbMu.Unlock()

	cancel := func() {
		r.hbMu.Lock()
		delete(r.hbSubs, id)
		r.hbMu.Unlock()
	}
	return ch, cancel
}

// CleanupDead unregisters every connection whose consumer side is gone.
// Called by the background sweeper; also safe to call ad hoc.
func (r *Registry) CleanupDead() int {
	r.mu.RLock()
	dead := make([]string, 0)
	for id, conn := range r.byID {
		if !conn.IsActive() {
			dead = append(dead, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range dead {
		r.Unregister(id)
	}
	return len(dead)
}

// List returns a snapshot of all registered connections.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ChannelCount returns the number of registered connections on a channel.
func (r *Registry) ChannelCount(channelID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channelID])
}
