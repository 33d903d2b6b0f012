// Package http serves the broker's admin surface: health, registered
// sessions and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/b1tg/kvass/broker/http/handlers"
	"github.com/b1tg/kvass/broker/http/middleware"
	"github.com/b1tg/kvass/broker/registry"
	"github.com/b1tg/kvass/internal/logging"
	"github.com/b1tg/kvass/internal/metrics"
)

// Server represents the admin HTTP server
type Server struct {
	server *http.Server
	logger *logging.Logger
}

// Options configures the admin HTTP server
type Options struct {
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// NewServer creates a new admin HTTP server instance
func NewServer(opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", handlers.HealthHandler)
	mux.HandleFunc("/api/sessions", handlers.NewSessionsHandler(opts.Registry))
	mux.HandleFunc("/api/sessions/", handlers.NewSessionHandler(opts.Registry))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics.Handler())
	}

	// Telemetry runs first so the logger sees the request ids
	var handler http.Handler = mux
	handler = middleware.Metrics(opts.Metrics, routeOf(mux))(handler)
	handler = middleware.Logger(opts.Logger)(handler)
	handler = middleware.Telemetry(handler)

	return &Server{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: opts.Logger,
	}
}

// routeOf labels requests by the mux pattern they match, keeping metric
// cardinality bounded
func routeOf(mux *http.ServeMux) func(*http.Request) string {
	return func(r *http.Request) string {
		_, pattern := mux.Handler(r)
		if pattern == "" {
			return "unmatched"
		}
		return pattern
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	s.logger.Info("Admin server listening", logging.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

// Handler returns the fully wrapped handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
