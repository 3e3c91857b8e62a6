package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/driftlab/driftsync/internal/realtime"
	"github.com/driftlab/driftsync/internal/syncserver"
)

// Server is the HTTP API server for driftsync.
type Server struct {
	config  Config
	http    *http.Server
	engine  *syncserver.Engine
	hub     *realtime.Hub
	metrics *Metrics
	auth    AuthFunc
	cancel  context.CancelFunc
}

// NewServer creates a Server over the given sync engine. hub may be nil
// when realtime is disabled; auth defaults to BearerTokenAuth.
func NewServer(cfg Config, engine *syncserver.Engine, hub *realtime.Hub, auth AuthFunc) *Server {
	if auth == nil {
		auth = BearerTokenAuth
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.MaxPushBatch <= 0 {
		cfg.MaxPushBatch = 1000
	}
	s := &Server{
		config:  cfg,
		engine:  engine,
		hub:     hub,
		metrics: NewMetrics(),
		auth:    auth,
	}

	s.http = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     s.routes(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: /v1/events streams indefinitely. Non-stream
		// handlers set per-request deadlines instead.
		IdleTimeout: 120 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	if s.hub != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.hub.Start(ctx)
	}

	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.config.ListenAddr
}

// Shutdown gracefully stops the server and the realtime hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.hub != nil {
		s.hub.Destroy()
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Sync
	mux.HandleFunc("POST /v1/sync/push", s.requireAuth(s.handleSyncPush))
	mux.HandleFunc("GET /v1/sync/pull", s.requireAuth(s.handleSyncPull))
	mux.HandleFunc("POST /v1/sync/resolve", s.requireAuth(s.handleSyncResolve))

	// Realtime
	mux.HandleFunc("GET /v1/events", s.requireAuth(s.handleEvents))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, maxBytesMiddleware(s.config.MaxBodyBytes))
}

// handleHealth returns a health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	if s.hub != nil {
		snap.Connections = s.hub.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, snap)
}
