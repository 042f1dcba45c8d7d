// Package server exposes the scheduler to UI processes: JSON-RPC 2.0 commands
// over HTTP and WebSocket, state pushes to every connected WebSocket client,
// plus health and Prometheus endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/metrics"
	"github.com/rs/zerolog"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Addr to listen on, e.g. ":8080".
	Addr string

	// AllowedOrigins are host patterns accepted for WebSocket upgrades in
	// addition to same-origin requests.
	AllowedOrigins []string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a configuration listening on addr.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:            addr,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server wires the RPC bridge, the WebSocket endpoint and the state fan-out.
type Server struct {
	config   Config
	sched    Scheduler
	rpc      *RPCServer
	notifier *StateNotifier
	logger   zerolog.Logger
}

// New creates a new server.
func New(cfg Config, sched Scheduler, logger zerolog.Logger) (*Server, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		config:   cfg,
		sched:    sched,
		rpc:      NewRPCServer(sched, logger),
		notifier: NewStateNotifier(logger),
		logger:   logger,
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("POST /rpc", s.rpc)
	mux.HandleFunc("GET /rpc/ws", s.wsHandler)
	return mux
}

// Notifier returns the WebSocket broadcast set.
func (s *Server) Notifier() *StateNotifier {
	return s.notifier
}

// Forward pushes every scheduler state change to the connected WebSocket
// clients until ctx is done or the scheduler closes its bus.
func (s *Server) Forward(ctx context.Context) {
	sub := s.sched.Subscribe(16)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			s.notifier.PushAll(ctx, ev.State)
		}
	}
}

// Run serves HTTP on the configured address and forwards state changes
// until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	defer s.rpc.Close()

	go s.Forward(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("Starting scheduler server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("Shutting down scheduler server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status          string `json:"status"`
	SchedulerStatus string `json:"schedulerStatus"`
	QueueLength     int    `json:"queueLength"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	state := s.sched.State()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(healthResponse{
		Status:          "ok",
		SchedulerStatus: string(state.Status),
		QueueLength:     state.QueueLength,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write health response")
	}
}
