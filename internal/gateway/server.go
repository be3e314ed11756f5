// Package gateway assembles the SSE fan-out server: HTTP surface,
// dispatch core, background maintenance, and graceful shutdown.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"odin-sse-gateway/internal/discovery"
	"odin-sse-gateway/internal/limits"
	"odin-sse-gateway/internal/monitoring"
	"odin-sse-gateway/internal/source"
	"odin-sse-gateway/internal/sse"
	"odin-sse-gateway/internal/storage"
)

// ChannelLocator answers where a channel currently lives. Satisfied by
// discovery.Registry; nil means single-instance deployment.
type ChannelLocator interface {
	Status(ctx context.Context, channelID string) discovery.ChannelStatus
}

// Config holds the server's runtime knobs.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// HeartbeatInterval paces the application-level heartbeat events
	// (default 30s). Distinct from the 10s transport keep-alive.
	HeartbeatInterval time.Duration

	// CleanupInterval paces the dead-connection sweeper (default 30s).
	CleanupInterval time.Duration

	// ShutdownTimeout bounds the graceful drain (default 10s).
	ShutdownTimeout time.Duration

	// WorkerCount sizes the persistence pool (default GOMAXPROCS × 2).
	WorkerCount int
}

// Deps are the collaborators the server is built from. Store is required;
// everything else has a working nil/zero default.
type Deps struct {
	Store     storage.Store
	Source    source.Source
	Discovery ChannelLocator
	Observer  source.ConnectionObserver
	Auth      AuthFunc
	Limiter   *limits.ConnectionRateLimiter
	Logger    zerolog.Logger

	// InstanceID tags this gateway's connections; must be stable for the
	// process lifetime.
	InstanceID string
}

// Server is the assembled gateway instance.
type Server struct {
	config     Config
	registry   *sse.Registry
	store      storage.Store
	pool       *WorkerPool
	dispatcher *Dispatcher
	limiter    *limits.ConnectionRateLimiter
	discovery  ChannelLocator
	observer   source.ConnectionObserver
	auth       AuthFunc
	src        source.Source
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer wires a gateway together. It does not start anything; call Run.
func NewServer(config Config, deps Deps) *Server {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = runtime.GOMAXPROCS(0) * 2
	}
	if deps.Source == nil {
		deps.Source = source.NoopSource{}
	}
	if deps.Auth == nil {
		deps.Auth = AllowAll
	}

	logger := deps.Logger
	registry := sse.NewRegistry(deps.InstanceID, logger)
	pool := NewWorkerPool(config.WorkerCount, config.WorkerCount*100, logger)

	s := &Server{
		config:     config,
		registry:   registry,
		store:      deps.Store,
		pool:       pool,
		dispatcher: NewDispatcher(registry, deps.Store, pool, logger),
		limiter:    deps.Limiter,
		discovery:  deps.Discovery,
		observer:   deps.Observer,
		auth:       deps.Auth,
		src:        deps.Source,
		logger:     logger.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse/connect", methodOnly(http.MethodGet, s.handleConnect))
	mux.HandleFunc("/send", methodOnly(http.MethodPost, s.handleSend))
	mux.HandleFunc("/store", methodOnly(http.MethodPost, s.handleStore))
	mux.HandleFunc("/stats", methodOnly(http.MethodGet, s.handleStats))
	mux.HandleFunc("/channel/", methodOnly(http.MethodGet, s.handleChannel))
	mux.HandleFunc("/health", methodOnly(http.MethodGet, s.handleHealth))
	mux.HandleFunc("/ready", methodOnly(http.MethodGet, s.handleReady))
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: SSE responses never complete.
	}
	return s
}

func methodOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

// Handler exposes the routed mux, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Registry exposes the connection registry for embedding callers.
func (s *Server) Registry() *sse.Registry {
	return s.registry
}

// Dispatcher exposes the fan-out core for embedding callers.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Run starts the gateway and blocks until ctx is cancelled or the listener
// fails. On cancellation it drains gracefully: stop accepting, close the
// listener, let in-flight streams observe their request contexts ending,
// then stop the background machinery.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.pool.Start(runCtx)
	go s.heartbeatLoop(runCtx)
	go s.sweepLoop(runCtx)

	go func() {
		defer monitoring.RecoverPanic(s.logger, "source", map[string]any{"source": s.src.Name()})
		if err := s.src.Start(runCtx, s.dispatcher, s.registry); err != nil {
			s.logger.Error().Err(err).Str("source", s.src.Name()).Msg("Source terminated")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("Gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Forcing remaining connections closed")
		s.httpServer.Close()
	}

	cancel()
	s.pool.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.logger.Info().Msg("Shutdown complete")
	return nil
}

// heartbeatLoop publishes application heartbeats to every stream and
// mirrors store drop counters into the metrics.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.SendHeartbeat()
			monitoring.RecordHeartbeat()
			if dropper, ok := s.store.(interface{ DroppedWrites() int64 }); ok {
				monitoring.SetStoreWritesDropped(dropper.DroppedWrites())
			}
		}
	}
}

// sweepLoop reaps connections whose consumer side is gone. The failed-send
// path catches most of them; the sweeper catches idle channels where no
// send ever fails.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.CleanupDead(); n > 0 {
				s.logger.Info().Int("reaped", n).Msg("Dead connections swept")
			}
			monitoring.SetActiveConnections(s.registry.Count())
		}
	}
}
