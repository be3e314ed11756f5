// Package storage implements the replay store: an ordered, size-capped
// per-channel event log keyed by stream IDs, used to bridge brief client
// reconnects. It is not durable persistence; the window is deliberately
// short.
package storage

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"odin-sse-gateway/internal/sse"
)

// DefaultMaxPerChannel is the replay window per channel. 100 entries covers
// tens of seconds at realistic per-channel rates, which is all a reconnect
// needs; anything longer belongs in a real database.
const DefaultMaxPerChannel = 100

// Store is the replay store interface. Implementations must be safe for
// concurrent use.
//
// The stream ID is generated separately from the write so the dispatcher
// can stamp it onto the event and fan out to clients before persistence
// completes; the hot path never waits on the store.
type Store interface {
	// GenerateID returns a fresh stream ID, strictly greater than any ID
	// this store handed out before.
	GenerateID() string

	// Store appends the event to the channel's log under the given stream
	// ID. Errors are absorbed by the implementation (logged, counted);
	// realtime delivery must not depend on the write landing.
	Store(ctx context.Context, channelID, streamID string, event sse.Event)

	// GetAfter returns the stored events with stream IDs strictly greater
	// than afterID, in ascending order, capped at the channel window. An
	// empty afterID or one that doesn't parse yields no events.
	GetAfter(ctx context.Context, channelID, afterID string) []sse.Event

	// IsAvailable reports whether the store can currently serve requests.
	IsAvailable() bool

	// Name identifies the implementation in logs.
	Name() string
}

// idCounter is the process-wide sequence for stream IDs. Shared across
// store implementations so swapping stores mid-flight can't reissue an ID.
var idCounter atomic.Uint64

// NewStreamID formats a fresh "<millisTimestamp>-<sequence>" stream ID.
// The millisecond prefix makes IDs roughly sortable by wall time and
// compatible with Redis Stream entry IDs; the sequence breaks ties within
// a millisecond and keeps the whole sequence strictly monotonic.
func NewStreamID() string {
	ts := time.Now().UnixMilli()
	seq := idCounter.Add(1) - 1
	return strconv.FormatInt(ts, 10) + "-" + strconv.FormatUint(seq, 10)
}

// StreamID is a parsed "<millis>-<seq>" pair.
type StreamID struct {
	Millis uint64
	Seq    uint64
}

// ParseStreamID parses an ASCII "<digits>-<digits>" stream ID. Anything
// else fails, including the UUIDs that business IDs tend to be, and
// callers treat an unparseable replay cursor as "no backlog".
func ParseStreamID(s string) (StreamID, bool) {
	dash := strings.IndexByte(s, '-')
	if dash <= 0 || dash == len(s)-1 {
		return StreamID{}, false
	}
	millis, err := strconv.ParseUint(s[:dash], 10, 64)
	if err != nil {
		return StreamID{}, false
	}
	seq, err := strconv.ParseUint(s[dash+1:], 10, 64)
	if err != nil {
		return StreamID{}, false
	}
	return StreamID{Millis: millis, Seq: seq}, true
}

// Less orders stream IDs pairwise on (timestamp, sequence).
func (a StreamID) Less(b StreamID) bool {
	if a.Millis != b.Millis {
		return a.Millis < b.Millis
	}
	return a.Seq < b.Seq
}
