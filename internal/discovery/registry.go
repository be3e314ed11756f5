// Package discovery keeps a Redis-backed map of live gateway instances and
// of which instance currently serves each channel, so an edge router can
// send a publish for channel X to the instance holding X's subscribers.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"odin-sse-gateway/internal/source"
)

const (
	instancesSetKey   = "gateway:instances"
	instanceKeyPrefix = "gateway:instance:"
	channelKeyPrefix  = "channel:"
	channelKeySuffix  = ":instance"

	// instanceTTL is the liveness window on the instance hash. A crashed
	// instance disappears from discovery within one TTL.
	instanceTTL = 30 * time.Second

	// heartbeatInterval refreshes the instance hash well inside the TTL.
	heartbeatInterval = 10 * time.Second

	// DefaultChannelTTL expires a channel→instance binding that stopped
	// being refreshed (instance died, or channel went quiet).
	DefaultChannelTTL = 60 * time.Second

	// opTimeout bounds every discovery Redis call. Discovery sits on the
	// subscribe path via the observer hooks; it must never stall it.
	opTimeout = 100 * time.Millisecond
)

// unbindScript deletes the channel binding only if it still points at this
// instance. Without the compare, a slow disconnect on instance A could
// delete a binding instance B just claimed.
var unbindScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ChannelStatus is what discovery knows about one channel.
type ChannelStatus struct {
	Online          bool   `json:"online"`
	InstanceID      string `json:"instance_id,omitempty"`
	InstanceAddress string `json:"instance_address,omitempty"`
}

// Registry registers this gateway instance in Redis and maintains the
// channel→instance bindings as connections come and go. It implements
// source.ConnectionObserver so the gateway can plug it into the subscribe
// path directly.
type Registry struct {
	client     *redis.Client
	instanceID string
	address    string
	channelTTL time.Duration

	// refcounts of local subscribers per channel. A binding is released
	// only when the last local subscriber leaves.
	mu       sync.Mutex
	channels map[string]int

	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Config holds the discovery registry settings.
type Config struct {
	RedisURL   string
	InstanceID string
	// Address is the host:port other components should use to reach this
	// instance, published in the instance hash.
	Address    string
	ChannelTTL time.Duration
	Logger     zerolog.Logger
}

// NewRegistry connects to Redis, registers the instance, and starts the
// heartbeat loop.
func NewRegistry(ctx context.Context, config Config) (*Registry, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if config.ChannelTTL <= 0 {
		config.ChannelTTL = DefaultChannelTTL
	}

	r := &Registry{
		client:     redis.NewClient(opts),
		instanceID: config.InstanceID,
		address:    config.Address,
		channelTTL: config.ChannelTTL,
		channels:   make(map[string]int),
		logger:     config.Logger.With().Str("component", "discovery").Logger(),
		stop:       make(chan struct{}),
	}

	if err := r.register(ctx); err != nil {
		r.client.Close()
		return nil, err
	}

	r.wg.Add(1)
	go r.heartbeatLoop()

	r.logger.Info().
		Str("instance_id", r.instanceID).
		Str("address", r.address).
		Msg("Instance registered")
	return r, nil
}

func (r *Registry) instanceKey() string {
	return instanceKeyPrefix + r.instanceID
}

func channelKey(channelID string) string {
	return channelKeyPrefix + channelID + channelKeySuffix
}

// register writes the instance membership and hash. Also the body of each
// heartbeat, so a Redis restart heals itself within one interval.
func (r *Registry) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UnixMilli()
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, instancesSetKey, r.instanceID)
	pipe.HSet(ctx, r.instanceKey(), map[string]interface{}{
		"address":       r.address,
		"last_seen":     now,
		"registered_at": now,
	})
	pipe.Expire(ctx, r.instanceKey(), instanceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	return nil
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

// heartbeat refreshes the instance hash and every binding this instance
// still holds subscribers for. Failures are logged and retried on the next
// tick; the TTLs give us three misses of slack.
func (r *Registry) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	now := time.Now().UnixMilli()
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, instancesSetKey, r.instanceID)
	pipe.HSet(ctx, r.instanceKey(), "last_seen", now)
	pipe.Expire(ctx, r.instanceKey(), instanceTTL)

	r.mu.Lock()
	for channelID := range r.channels {
		pipe.Set(ctx, channelKey(channelID), r.instanceID, r.channelTTL)
	}
	r.mu.Unlock()

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Discovery heartbeat failed")
	}
}

// OnConnect implements source.ConnectionObserver. The first local
// subscriber on a channel claims the binding; later ones only bump the
// refcount.
func (r *Registry) OnConnect(info source.ConnectionInfo) {
	r.mu.Lock()
	r.channels[info.ChannelID]++
	first := r.channels[info.ChannelID] == 1
	r.mu.Unlock()
	if !first {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := r.client.Set(ctx, channelKey(info.ChannelID), r.instanceID, r.channelTTL).Err(); err != nil {
			r.logger.Warn().Err(err).
				Str("channel_id", info.ChannelID).
				Msg("Channel binding write failed")
		}
	}()
}

// OnDisconnect implements source.ConnectionObserver. When the last local
// subscriber leaves, the binding is released with a compare-and-delete so
// a binding that has since moved to another instance is left alone.
func (r *Registry) OnDisconnect(info source.ConnectionInfo) {
	r.mu.Lock()
	r.channels[info.ChannelID]--
	last := r.channels[info.ChannelID] <= 0
	if last {
		delete(r.channels, info.ChannelID)
	}
	r.mu.Unlock()
	if !last {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := unbindScript.Run(ctx, r.client, []string{channelKey(info.ChannelID)}, r.instanceID).Err(); err != nil && err != redis.Nil {
			r.logger.Warn().Err(err).
				Str("channel_id", info.ChannelID).
				Msg("Channel binding release failed")
		}
	}()
}

// Status reports which instance, if any, currently serves the channel.
func (r *Registry) Status(ctx context.Context, channelID string) ChannelStatus {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	instanceID, err := r.client.Get(ctx, channelKey(channelID)).Result()
	if err == redis.Nil {
		return ChannelStatus{Online: false}
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("channel_id", channelID).Msg("Channel status lookup failed")
		return ChannelStatus{Online: false}
	}

	status := ChannelStatus{Online: true, InstanceID: instanceID}
	if addr, err := r.client.HGet(ctx, instanceKeyPrefix+instanceID, "address").Result(); err == nil {
		status.InstanceAddress = addr
	}
	return status
}

// Instances lists the ids of registered instances, pruning members whose
// hash already expired.
func (r *Registry) Instances(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := r.client.SMembers(ctx, instancesSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	live := ids[:0]
	for _, id := range ids {
		exists, err := r.client.Exists(ctx, instanceKeyPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("check instance %s: %w", id, err)
		}
		if exists == 1 {
			live = append(live, id)
		} else {
			r.client.SRem(ctx, instancesSetKey, id)
		}
	}
	return live, nil
}

// Close deregisters the instance, releases its bindings, and stops the
// heartbeat loop. Called once during shutdown.
func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		r.mu.Lock()
		bound := make([]string, 0, len(r.channels))
		for channelID := range r.channels {
			bound = append(bound, channelID)
		}
		r.channels = make(map[string]int)
		r.mu.Unlock()

		for _, channelID := range bound {
			if err := unbindScript.Run(ctx, r.client, []string{channelKey(channelID)}, r.instanceID).Err(); err != nil && err != redis.Nil {
				r.logger.Warn().Err(err).Str("channel_id", channelID).Msg("Channel binding release failed")
			}
		}

		pipe := r.client.Pipeline()
		pipe.SRem(ctx, instancesSetKey, r.instanceID)
		pipe.Del(ctx, r.instanceKey())
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Instance deregistration failed")
		}

		r.client.Close()
		r.logger.Info().Str("instance_id", r.instanceID).Msg("Instance deregistered")
	})
}
