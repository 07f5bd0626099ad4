// Package server exposes the push event endpoint, the snapshot socket and
// the operational endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/blackwell-systems/agentwatch/internal/ingest"
	"github.com/blackwell-systems/agentwatch/internal/metrics"
	"github.com/blackwell-systems/agentwatch/internal/publish"
)

// Config holds the HTTP server settings.
type Config struct {
	ListenAddr      string
	MaxEventBytes   int64
	WriteTimeout    time.Duration // per websocket write
	PingInterval    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:4317"
	}
	if c.MaxEventBytes <= 0 {
		c.MaxEventBytes = 64 << 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Server serves the agentwatch HTTP API.
type Server struct {
	cfg       Config
	ingestor  *ingest.Ingestor
	publisher *publish.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	handler   http.Handler
}

// New creates a Server. metrics may be nil, in which case /metrics is not
// registered.
func New(cfg Config, ing *ingest.Ingestor, pub *publish.Publisher, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg.withDefaults(),
		ingestor:  ing,
		publisher: pub,
		metrics:   m,
		logger:    logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local dashboards are served from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/events", s.handleEvent)
	mux.HandleFunc("POST /event", s.handleEvent)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return chain(mux, withRecover(s.logger), withRequestID, withAccessLog(s.logger))
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on the configured address until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Request contexts, including websocket handlers, end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
