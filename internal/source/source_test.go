package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureDispatcher records handled messages for assertions.
type captureDispatcher struct {
	mu       sync.Mutex
	messages []IncomingMessage
}

func (c *captureDispatcher) Handle(msg IncomingMessage) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

func (c *captureDispatcher) snapshot() []IncomingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]IncomingMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func TestChannelSourceForwardsMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, send := NewChannelSource()
	dispatch := &captureDispatcher{}

	done := make(chan error, 1)
	go func() { done <- src.Start(ctx, dispatch, nil) }()

	send <- IncomingMessage{ChannelID: "ch-1", EventType: "update", Data: "a"}
	send <- IncomingMessage{Data: "b"}

	require.Eventually(t, func() bool {
		return len(dispatch.snapshot()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	got := dispatch.snapshot()
	assert.Equal(t, "ch-1", got[0].ChannelID)
	assert.Equal(t, "update", got[0].EventType)
	assert.Empty(t, got[1].ChannelID)

	cancel()
	require.NoError(t, <-done)
}

func TestChannelSourceStopsWhenSenderCloses(t *testing.T) {
	src, send := NewChannelSource()
	dispatch := &captureDispatcher{}

	done := make(chan error, 1)
	go func() { done <- src.Start(context.Background(), dispatch, nil) }()

	close(send)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop on closed channel")
	}
}

func TestNoopSourceBlocksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- (NoopSource{}).Start(ctx, &captureDispatcher{}, nil) }()

	select {
	case <-done:
		t.Fatal("noop source returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "noop", NoopSource{}.Name())
}
