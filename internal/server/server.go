// Package server exposes the process's /healthz, /readyz, and /metrics
// endpoints (spec.md §4.9), grounded on indexer/pkg/server/server.go's
// timeout/shutdown shape combined with controlcenter/internal/server's
// actual chi router wiring (chi.NewRouter, middleware.Logger,
// middleware.Recoverer). controlcenter's corsMiddleware hand-rolls
// localhost-only CORS headers; here the same allow-listed-origin policy
// is expressed with the real go-chi/cors middleware instead.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the server.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Server serves health, readiness, and Prometheus metrics endpoints
// alongside the pipeline's main run loop.
type Server struct {
	log     *slog.Logger
	cfg     Config
	httpSrv *http.Server
	ready   atomic.Bool
}

// New builds a Server. The server reports unready until SetReady(true) is
// called, so an orchestrator's readiness probe fails until cmd/dmap-loader
// marks it ready after a pipeline pass has returned without error.
func New(log *slog.Logger, cfg Config) *Server {
	cfg.setDefaults()

	s := &Server{log: log, cfg: cfg}

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  isLocalhostOrigin,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}))

	router.Get("/healthz", s.healthzHandler)
	router.Get("/readyz", s.readyzHandler)
	router.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// SetReady flips the /readyz verdict.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	s.log.Info("server: listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}

// isLocalhostOrigin reports whether origin is a localhost origin, allowing
// a local UI or curl against the sidecar server without opening CORS to
// arbitrary origins.
func isLocalhostOrigin(r *http.Request, origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}
