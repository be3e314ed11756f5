package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"odin-sse-gateway/internal/sse"
)

const (
	// writeQueueSize bounds the in-memory backlog between the hot dispatch
	// path and the flusher. 10k requests is several seconds of headroom at
	// peak ingest; past that the store drops rather than stalling dispatch.
	writeQueueSize = 10000

	// batchSize and batchFlushInterval control pipelining. A full batch
	// (100 XADDs) flushes immediately; otherwise a 10ms timer flushes
	// whatever accumulated, keeping replay lag invisible to reconnects.
	batchSize          = 100
	batchFlushInterval = 10 * time.Millisecond

	// pipelineTimeout caps one round trip. A Redis that can't answer in
	// 200ms is effectively down for our purposes; the batch is dropped
	// (at-most-once to the store) and realtime delivery is unaffected.
	pipelineTimeout = 200 * time.Millisecond

	// DefaultStreamTTL expires idle channel logs. Refreshed on every
	// write, so only channels with no traffic for an hour are reclaimed.
	DefaultStreamTTL = 3600 * time.Second
)

type storeRequest struct {
	channelID string
	streamID  string
	event     sse.Event
}

// RedisStore persists replay logs in Redis Streams, one stream per channel
// under "sse:stream:{channel}". Writes are batched through a background
// flusher so the dispatch hot path never touches the network; reads
// (GetAfter) go straight to Redis.
//
// The store starts disconnected: every write is a silent no-op and
// IsAvailable reports false. Connect transitions it to connected exactly
// once; there is no reconnect state machine, go-redis retries internally.
type RedisStore struct {
	mu     sync.RWMutex
	client *redis.Client

	maxPerChannel int
	streamTTL     time.Duration
	requests      chan storeRequest

	droppedWrites  atomic.Int64
	droppedBatches atomic.Int64

	logger zerolog.Logger
}

// NewRedisStore creates a disconnected Redis store.
func NewRedisStore(maxPerChannel int, streamTTL time.Duration, logger zerolog.Logger) *RedisStore {
	if maxPerChannel <= 0 {
		maxPerChannel = DefaultMaxPerChannel
	}
	if streamTTL <= 0 {
		streamTTL = DefaultStreamTTL
	}
	return &RedisStore{
		maxPerChannel: maxPerChannel,
		streamTTL:     streamTTL,
		requests:      make(chan storeRequest, writeQueueSize),
		logger:        logger.With().Str("component", "redis_store").Logger(),
	}
}

// Connect dials Redis, verifies the connection, and starts the background
// flusher bound to ctx. One-shot: calling it twice returns an error.
func (s *RedisStore) Connect(ctx context.Context, redisURL string) error {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("ping redis: %w", err)
	}

	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		client.Close()
		return fmt.Errorf("redis store already connected")
	}
	s.client = client
	s.mu.Unlock()

	go s.flushLoop(ctx)

	s.logger.Info().Str("redis_url", redisURL).Msg("Redis store connected")
	return nil
}

func (s *RedisStore) getClient() *redis.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func streamKey(channelID string) string {
	return "sse:stream:" + channelID
}

// GenerateID implements Store.
func (s *RedisStore) GenerateID() string {
	return NewStreamID()
}

// Store enqueues the write for the flusher. Never blocks: on backpressure
// the request is dropped and counted. Replay is best-effort, dispatch
// latency is not negotiable.
func (s *RedisStore) Store(_ context.Context, channelID, streamID string, event sse.Event) {
	if s.getClient() == nil {
		return
	}
	select {
	case s.requests <- storeRequest{channelID: channelID, streamID: streamID, event: event}:
	default:
		s.droppedWrites.Add(1)
		s.logger.Debug().
			Str("channel_id", channelID).
			Str("stream_id", streamID).
			Msg("Store queue full, dropping write")
	}
}

// flushLoop drains the request queue into pipelined batches. A batch goes
// out when it reaches batchSize or when the flush timer fires, whichever
// comes first. On shutdown the current batch gets one final best-effort
// flush; nothing waits longer than one pipeline timeout.
func (s *RedisStore) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()

	batch := make([]storeRequest, 0, batchSize)
	for {
		select {
		case req := <-s.requests:
			batch = append(batch, req)
			if len(batch) >= batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			// Drain whatever is immediately available, then one last flush.
			for {
				select {
				case req := <-s.requests:
					batch = append(batch, req)
					if len(batch) >= batchSize {
						s.flush(batch)
						batch = batch[:0]
					}
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			s.logger.Debug().Msg("Redis store flusher stopped")
			return
		}
	}
}

// flush executes one pipelined transaction: an XADD per request with the
// explicit stream ID and approximate length cap, then a TTL refresh per
// unique channel touched. On timeout or error the whole batch is dropped
// and counted.
func (s *RedisStore) flush(batch []storeRequest) {
	client := s.getClient()
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pipelineTimeout)
	defer cancel()

	pipe := client.Pipeline()
	channels := make(map[string]struct{}, len(batch))
	for _, req := range batch {
		values := map[string]interface{}{
			"event_type": req.event.Type,
			"data":       req.event.Data.String(),
		}
		if req.event.ID != "" {
			values["id"] = req.event.ID
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(req.channelID),
			MaxLen: int64(s.maxPerChannel),
			Approx: true,
			ID:     req.streamID,
			Values: values,
		})
		channels[req.channelID] = struct{}{}
	}
	for ch := range channels {
		pipe.Expire(ctx, streamKey(ch), s.streamTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.droppedBatches.Add(1)
		s.logger.Warn().
			Err(err).
			Int("batch_size", len(batch)).
			Msg("Pipeline flush failed, batch dropped")
		return
	}

	s.logger.Debug().
		Int("batch_size", len(batch)).
		Int("channels", len(channels)).
		Msg("Batch flushed")
}

// GetAfter reads the channel stream strictly after afterID via XRANGE.
// The exclusive bound is expressed as an inclusive range starting at
// (millis, seq+1); stream IDs are dense only in seq, so that is exactly
// "everything greater".
func (s *RedisStore) GetAfter(ctx context.Context, channelID, afterID string) []sse.Event {
	if afterID == "" {
		return nil
	}
	after, ok := ParseStreamID(afterID)
	if !ok {
		s.logger.Warn().
			Str("channel_id", channelID).
			Str("after_id", afterID).
			Msg("Malformed replay cursor, skipping replay")
		return nil
	}

	client := s.getClient()
	if client == nil {
		return nil
	}

	start := strconv.FormatUint(after.Millis, 10) + "-" + strconv.FormatUint(after.Seq+1, 10)
	res, err := client.XRangeN(ctx, streamKey(channelID), start, "+", int64(s.maxPerChannel)).Result()
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("channel_id", channelID).
			Str("after_id", afterID).
			Msg("Failed to read replay backlog")
		return nil
	}

	events := make([]sse.Event, 0, len(res))
	for _, msg := range res {
		event, ok := parseStreamEntry(msg)
		if !ok {
			continue
		}
		events = append(events, event)
	}
	return events
}

func parseStreamEntry(msg redis.XMessage) (sse.Event, bool) {
	eventType, ok := msg.Values["event_type"].(string)
	if !ok {
		return sse.Event{}, false
	}
	data, ok := msg.Values["data"].(string)
	if !ok {
		return sse.Event{}, false
	}
	event := sse.Event{
		Type:     eventType,
		Data:     sse.RawData(data),
		StreamID: msg.ID,
	}
	if id, ok := msg.Values["id"].(string); ok {
		event.ID = id
	}
	return event, true
}

// IsAvailable implements Store.
func (s *RedisStore) IsAvailable() bool {
	return s.getClient() != nil
}

// Name implements Store.
func (s *RedisStore) Name() string { return "redis-streams" }

// DroppedWrites returns the number of writes dropped on queue overflow.
func (s *RedisStore) DroppedWrites() int64 { return s.droppedWrites.Load() }

// DroppedBatches returns the number of batches dropped on pipeline failure.
func (s *RedisStore) DroppedBatches() int64 { return s.droppedBatches.Load() }
