package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"odin-sse-gateway/internal/discovery"
	"odin-sse-gateway/internal/gateway"
	"odin-sse-gateway/internal/limits"
	"odin-sse-gateway/internal/monitoring"
	"odin-sse-gateway/internal/source"
	"odin-sse-gateway/internal/storage"
)

func splitPatterns(patterns string) []string {
	result := []string{}
	for _, p := range strings.Split(patterns, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := LoadConfig(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	// automaxprocs already capped GOMAXPROCS to the container CPU limit.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime initialized")
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Replay store: Redis when configured, else in-memory. A failed Redis
	// connection is fatal at startup; at runtime the store degrades instead.
	var store storage.Store
	if cfg.RedisURL != "" {
		rs := storage.NewRedisStore(cfg.ReplayCapacity, 0, logger)
		if err := rs.Connect(ctx, cfg.RedisURL); err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect replay store")
		}
		store = rs
	} else {
		store = storage.NewMemoryStore(cfg.ReplayCapacity, logger)
	}

	var src source.Source
	switch cfg.SourceKind {
	case "redis-pubsub":
		src = source.NewRedisPubSubSource(cfg.RedisURL, splitPatterns(cfg.RedisPatterns), logger)
	case "nats":
		src = source.NewNATSSource(cfg.NATSURL, logger)
	default:
		src = source.NoopSource{}
	}

	var locator gateway.ChannelLocator
	var observer source.ConnectionObserver
	if cfg.DiscoveryEnabled {
		disc, err := discovery.NewRegistry(ctx, discovery.Config{
			RedisURL:   cfg.RedisURL,
			InstanceID: cfg.InstanceID,
			Address:    cfg.GatewayAddr,
			ChannelTTL: cfg.ChannelTTL,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to register in service discovery")
		}
		defer disc.Close()
		locator = disc
		observer = disc
	}

	var limiter *limits.ConnectionRateLimiter
	if cfg.RateLimitEnabled {
		limiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.IPBurst,
			IPRate:      cfg.IPRate,
			GlobalBurst: cfg.GlobalBurst,
			GlobalRate:  cfg.GlobalRate,
			Logger:      logger,
		})
	}

	var auth gateway.AuthFunc
	if cfg.JWTSecret != "" {
		auth = gateway.JWTBearerAuth([]byte(cfg.JWTSecret))
	}

	monitoring.NewSystemMonitor(cfg.MetricsInterval, logger).Start(ctx)

	server := gateway.NewServer(gateway.Config{
		Addr:              cfg.Addr,
		HeartbeatInterval: cfg.HeartbeatInterval,
		CleanupInterval:   cfg.CleanupInterval,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	}, gateway.Deps{
		Store:      store,
		Source:     src,
		Discovery:  locator,
		Observer:   observer,
		Auth:       auth,
		Limiter:    limiter,
		Logger:     logger,
		InstanceID: cfg.InstanceID,
	})

	if err := server.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Gateway terminated")
	}
}
