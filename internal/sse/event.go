package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// EventData is the event payload. It is either a raw string (emitted
// verbatim) or a structured JSON value (emitted as its canonical JSON text).
//
// The split matters on the wire: upstream sources usually hand us
// pre-serialized JSON strings, and re-encoding those would double-escape
// them. Structured values come from the admin /send endpoint where the
// request body is decoded JSON.
type EventData struct {
	raw        string
	structured json.RawMessage
	isRaw      bool
}

// RawData wraps a raw string payload.
func RawData(s string) EventData {
	return EventData{raw: s, isRaw: true}
}

// JSONData wraps a structured JSON payload. The value must be valid JSON;
// callers that already hold decoded values should marshal before calling.
func JSONData(v json.RawMessage) EventData {
	return EventData{structured: v}
}

// String returns the textual form emitted on the wire.
func (d EventData) String() string {
	if d.isRaw {
		return d.raw
	}
	return string(d.structured)
}

// MarshalJSON encodes the payload untagged: raw payloads as a JSON string,
// structured payloads as the value itself.
func (d EventData) MarshalJSON() ([]byte, error) {
	if d.isRaw {
		return json.Marshal(d.raw)
	}
	if len(d.structured) == 0 {
		return []byte("null"), nil
	}
	return d.structured, nil
}

// UnmarshalJSON decodes strings as raw payloads and anything else as a
// structured value, mirroring MarshalJSON.
func (d *EventData) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*d = RawData(s)
		return nil
	}
	raw := make(json.RawMessage, len(b))
	copy(raw, b)
	*d = JSONData(raw)
	return nil
}

// Event is a single dispatch unit. Events are treated as immutable once
// handed to the registry: the dispatcher sets StreamID before fan-out and
// nothing mutates the event afterwards.
type Event struct {
	// Type is the SSE event name ("message", "notification", ...).
	Type string `json:"event"`

	// Data is the payload, raw or structured.
	Data EventData `json:"data"`

	// ID is an optional business identifier (opaque, e.g. a UUID).
	ID string `json:"id,omitempty"`

	// StreamID is the replay cursor assigned by the store
	// ("<millis>-<seq>"). When present it takes priority over ID as the
	// SSE wire id: field, because reconnecting clients echo it back in
	// Last-Event-ID and the store can only range over stream IDs.
	StreamID string `json:"stream_id,omitempty"`

	// Retry is an optional reconnect delay hint in milliseconds.
	Retry int `json:"retry,omitempty"`
}

// NewEvent creates an event with a structured JSON payload and a fresh
// business ID.
func NewEvent(eventType string, data json.RawMessage) Event {
	return Event{
		Type: eventType,
		Data: JSONData(data),
		ID:   uuid.NewString(),
	}
}

// RawEvent creates an event with a raw string payload and a fresh business ID.
func RawEvent(eventType, data string) Event {
	return Event{
		Type: eventType,
		Data: RawData(data),
		ID:   uuid.NewString(),
	}
}

// Message creates a plain "message" event. Matches the shape produced by
// EventSource-compatible publishers that don't set an event name.
func Message(data string) Event {
	return RawEvent("message", data)
}

// WithStreamID returns a copy with the replay stream ID set.
func (e Event) WithStreamID(id string) Event {
	e.StreamID = id
	return e
}

// WithID returns a copy with the business ID set.
func (e Event) WithID(id string) Event {
	e.ID = id
	return e
}

// WithRetry returns a copy with the client reconnect hint set.
func (e Event) WithRetry(ms int) Event {
	e.Retry = ms
	return e
}

// wireID picks the value for the SSE id: line. StreamID wins so that
// Last-Event-ID round-trips into a usable replay cursor; the business ID is
// a fallback for events that never touched the store.
func (e Event) wireID() string {
	if e.StreamID != "" {
		return e.StreamID
	}
	return e.ID
}

// WriteTo emits the event in SSE wire framing:
//
//	event: <type>
//	id: <stream_id-or-id>     (omitted if neither present)
//	retry: <ms>               (only if set)
//	data: <payload line>      (one line per payload line)
//	<blank line>
//
// Multi-line payloads become multiple data: lines per the SSE spec;
// the browser joins them with "\n" on receipt.
func (e Event) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(e.Type)
	b.WriteByte('\n')

	if id := e.wireID(); id != "" {
		b.WriteString("id: ")
		b.WriteString(id)
		b.WriteByte('\n')
	}

	if e.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", e.Retry)
	}

	for _, line := range strings.Split(e.Data.String(), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// KeepAliveComment is the transport-level keep-alive frame. It is a comment
// line, so EventSource clients ignore it; its only job is to force a write
// on the socket so dead TCP peers surface as write errors.
const KeepAliveComment = ":keep-alive\n\n"
