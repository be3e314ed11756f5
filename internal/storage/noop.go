package storage

import (
	"context"

	"odin-sse-gateway/internal/sse"
)

// NoopStore disables replay entirely: IDs still flow (reconnecting clients
// send Last-Event-ID and must get valid cursors), but nothing is retained.
type NoopStore struct{}

// GenerateID implements Store.
func (NoopStore) GenerateID() string { return NewStreamID() }

// Store implements Store; writes are discarded.
func (NoopStore) Store(context.Context, string, string, sse.Event) {}

// GetAfter implements Store; there is never a backlog.
func (NoopStore) GetAfter(context.Context, string, string) []sse.Event { return nil }

// IsAvailable implements Store.
func (NoopStore) IsAvailable() bool { return false }

// Name implements Store.
func (NoopStore) Name() string { return "noop" }
