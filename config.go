package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics. PORT, when set, overrides the port in Addr; it is the
	// variable most container platforms inject.
	Addr string `env:"SSE_ADDR" envDefault:":8080"`
	Port string `env:"PORT"`

	// InstanceID identifies this gateway in service discovery and in
	// connection metadata. Defaults to a fresh UUID per process.
	InstanceID string `env:"INSTANCE_ID"`

	// GatewayAddr is the externally reachable address published in service
	// discovery, e.g. "gateway-1:8080". Empty falls back to Addr.
	GatewayAddr string `env:"GATEWAY_ADDR"`

	// Replay store. Empty REDIS_URL selects the in-memory store.
	RedisURL       string `env:"REDIS_URL"`
	ReplayCapacity int    `env:"REPLAY_CAPACITY" envDefault:"100"`

	// Upstream source: none | redis-pubsub | nats
	SourceKind    string `env:"SOURCE" envDefault:"none"`
	NATSURL       string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	RedisPatterns string `env:"REDIS_PUBSUB_PATTERNS" envDefault:"*"`

	// Service discovery. Requires REDIS_URL; disabled when off.
	DiscoveryEnabled bool          `env:"DISCOVERY_ENABLED" envDefault:"false"`
	ChannelTTL       time.Duration `env:"CHANNEL_TTL" envDefault:"60s"`

	// Auth. Empty secret admits everyone.
	JWTSecret string `env:"JWT_SECRET"`

	// Intervals
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"30s"`
	MetricsInterval   time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Connection rate limiting
	RateLimitEnabled bool    `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	IPBurst          int     `env:"RATE_LIMIT_IP_BURST" envDefault:"10"`
	IPRate           float64 `env:"RATE_LIMIT_IP_RATE" envDefault:"1"`
	GlobalBurst      int     `env:"RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	GlobalRate       float64 `env:"RATE_LIMIT_GLOBAL_RATE" envDefault:"50"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// set directly and the file is absent.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Port != "" {
		cfg.Addr = ":" + cfg.Port
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.GatewayAddr == "" {
		cfg.GatewayAddr = cfg.Addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SSE_ADDR is required")
	}
	if c.ReplayCapacity < 1 {
		return fmt.Errorf("REPLAY_CAPACITY must be > 0, got %d", c.ReplayCapacity)
	}

	switch c.SourceKind {
	case "none", "redis-pubsub", "nats":
	default:
		return fmt.Errorf("SOURCE must be one of: none, redis-pubsub, nats (got: %s)", c.SourceKind)
	}
	if c.SourceKind == "redis-pubsub" && c.RedisURL == "" {
		return fmt.Errorf("SOURCE=redis-pubsub requires REDIS_URL")
	}
	if c.DiscoveryEnabled && c.RedisURL == "" {
		return fmt.Errorf("DISCOVERY_ENABLED requires REDIS_URL")
	}

	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be >= 1s, got %s", c.HeartbeatInterval)
	}
	if c.ChannelTTL < time.Second {
		return fmt.Errorf("CHANNEL_TTL must be >= 1s, got %s", c.ChannelTTL)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("instance_id", c.InstanceID).
		Str("gateway_addr", c.GatewayAddr).
		Str("source", c.SourceKind).
		Bool("redis", c.RedisURL != "").
		Bool("discovery", c.DiscoveryEnabled).
		Int("replay_capacity", c.ReplayCapacity).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("cleanup_interval", c.CleanupInterval).
		Dur("channel_ttl", c.ChannelTTL).
		Bool("rate_limit", c.RateLimitEnabled).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
