package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/CucumberKing/nye.countdown/go/internal/rpc"
	"github.com/CucumberKing/nye.countdown/go/internal/session"
)

// TimeKeeper is the background-synced clock the gateway runs and serves.
type TimeKeeper interface {
	TimeSource
	Run(ctx context.Context)
}

// Config holds configuration for the gateway service
type Config struct {
	Addr            string
	Environment     string
	AllowedOrigins  []string
	Connection      ConnectionConfig
	Countdown       CountdownConfig
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		Environment:     "development",
		AllowedOrigins:  []string{"*"},
		Connection:      DefaultConnectionConfig(),
		ShutdownTimeout: 10 * time.Second,
	}
}

// Service wires the WebSocket and HTTP routes around the core components
// and owns their lifecycle.
type Service struct {
	config     Config
	timeKeeper TimeKeeper
	registry   *session.Registry
	wsHandler  *WebSocketHandler
	apiHandler *APIHandler
	gatherer   prometheus.Gatherer
	server     *http.Server
}

// NewService creates a new gateway service. A nil gatherer disables /metrics.
func NewService(config Config, timeKeeper TimeKeeper, registry *session.Registry, dispatcher *rpc.Dispatcher, gatherer prometheus.Gatherer) *Service {
	s := &Service{
		config:     config,
		timeKeeper: timeKeeper,
		registry:   registry,
		wsHandler:  NewWebSocketHandler(registry, dispatcher, timeKeeper, config.Connection, config.AllowedOrigins, clockwork.NewRealClock()),
		apiHandler: NewAPIHandler(timeKeeper, registry, config.Environment, config.Countdown),
		gatherer:   gatherer,
	}
	s.server = NewHTTPServer(config.Addr, s.Handler())
	return s
}

// RegisterRoutes registers every gateway route with an HTTP mux
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.apiHandler.RegisterRoutes(mux)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the CORS-wrapped route tree.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CORSMiddleware(s.config.AllowedOrigins, mux)
}

// Start runs the time sync loop and the HTTP server until ctx is cancelled,
// then shuts both down.
func (s *Service) Start(ctx context.Context) error {
	log.Info().
		Str("addr", s.config.Addr).
		Str("environment", s.config.Environment).
		Msg("starting gateway service")

	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()
	go s.timeKeeper.Run(syncCtx)

	serverErr := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		s.registry.CloseAll()
		s.wsHandler.CloseTimeSockets()
		return fmt.Errorf("http server failed: %w", err)
	}

	log.Info().Msg("gateway service shutting down")
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

// Stop gracefully shuts down the HTTP server and closes every client session.
func (s *Service) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.registry.CloseAll()
	s.wsHandler.CloseTimeSockets()
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	log.Info().Msg("gateway service stopped")
	return nil
}
