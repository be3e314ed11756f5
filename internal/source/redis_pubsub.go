package source

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"odin-sse-gateway/internal/sse"
)

// RedisPubSubSource ingests from Redis pub/sub. Each published message is
// dispatched to the SSE channel matching the Redis channel it arrived on,
// as a "message" event with the payload passed through verbatim.
//
// Pub/sub is fire-and-forget on the Redis side; replay still works because
// the dispatcher persists every channel-targeted event on our side.
type RedisPubSubSource struct {
	redisURL string
	patterns []string
	logger   zerolog.Logger
}

// NewRedisPubSubSource creates a source subscribing to the given patterns
// ("*" when none are given).
func NewRedisPubSubSource(redisURL string, patterns []string, logger zerolog.Logger) *RedisPubSubSource {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return &RedisPubSubSource{
		redisURL: redisURL,
		patterns: patterns,
		logger:   logger.With().Str("component", "redis_pubsub_source").Logger(),
	}
}

// Start implements Source. Runs until ctx is cancelled or the subscription
// channel closes underneath us.
func (s *RedisPubSubSource) Start(ctx context.Context, dispatch Dispatcher, _ *sse.Registry) error {
	opts, err := redis.ParseURL(s.redisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	pubsub := client.PSubscribe(ctx, s.patterns...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info().Strs("patterns", s.patterns).Msg("Redis pub/sub source started")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Redis pub/sub source stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				s.logger.Warn().Msg("Redis pub/sub stream ended")
				return nil
			}
			s.logger.Debug().Str("channel", msg.Channel).Msg("Received message")
			dispatch.Handle(IncomingMessage{
				ChannelID: msg.Channel,
				EventType: "message",
				Data:      msg.Payload,
			})
		}
	}
}

// Name implements Source.
func (s *RedisPubSubSource) Name() string { return "redis-pubsub" }
