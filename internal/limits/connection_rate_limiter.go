// Package limits guards the subscribe endpoint against connection floods.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter applies token-bucket rate limiting to incoming SSE
// subscriptions at two levels:
//
//   - Per-IP: one misbehaving client (or a reconnect loop in a buggy app)
//     cannot monopolize the accept path.
//   - Global: a distributed flood cannot drive registration load past what
//     the registry and replay store absorb.
//
// SSE clients reconnect automatically on every drop, so bursts well above
// the sustained rate are legitimate; the burst sizes are sized for that.
type ConnectionRateLimiter struct {
	ipMu       sync.Mutex
	ipLimiters map[string]*ipLimiterEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds the limiter knobs. Zero values pick
// the defaults: 10 burst / 1 conn/s per IP with 5 min idle cleanup, and
// 300 burst / 50 conn/s globally.
type ConnectionRateLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

// NewConnectionRateLimiter creates the limiter and starts its idle-IP
// cleanup loop.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stop:          make(chan struct{}),
	}

	go l.cleanupLoop()
	return l
}

// Allow reports whether a subscription from the given IP may proceed.
// The global bucket is checked first so a flood is rejected before it can
// populate the per-IP map.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Global connection rate exceeded")
		return false
	}

	l.ipMu.Lock()
	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	l.ipMu.Unlock()

	if !entry.limiter.Allow() {
		l.logger.Warn().Str("ip", ip).Msg("Per-IP connection rate exceeded")
		return false
	}
	return true
}

// cleanupLoop evicts per-IP buckets idle past the TTL. Without this the
// map grows by one entry per unique client IP forever.
func (l *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.ipTTL)
			l.ipMu.Lock()
			for ip, entry := range l.ipLimiters {
				if entry.lastAccess.Before(cutoff) {
					delete(l.ipLimiters, ip)
				}
			}
			l.ipMu.Unlock()
		}
	}
}

// Stop terminates the cleanup loop. Safe to call more than once.
func (l *ConnectionRateLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}
