// Package server exposes the HTTP surface: health, metrics and the Telegram
// webhook endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"contestbot/internal/logging"
	"contestbot/internal/metrics"
)

// Options configures the HTTP server.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration

	// Health reports readiness; nil means always healthy.
	Health func(ctx context.Context) error

	// Webhook receives Telegram updates at WebhookPath when set.
	Webhook     http.Handler
	WebhookPath string
}

// Server wraps http.Server with context-driven shutdown.
type Server struct {
	srv     *http.Server
	timeout time.Duration
}

// New builds the router and server.
func New(opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		srv: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewRouter(opts),
			ReadHeaderTimeout: 10 * time.Second,
		},
		timeout: opts.ShutdownTimeout,
	}
}

// NewRouter returns the chi router serving opts.
func NewRouter(opts Options) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status, code := "ok", http.StatusOK
		if opts.Health != nil {
			if err := opts.Health(req.Context()); err != nil {
				logging.Get(logging.CategoryServer).Warn("health check failed: %v", err)
				status, code = err.Error(), http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, map[string]any{"status": status})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if opts.Webhook != nil {
		path := "/" + strings.Trim(opts.WebhookPath, "/")
		r.Method(http.MethodPost, path, opts.Webhook)
		logging.Get(logging.CategoryServer).Info("webhook mounted at %s", path)
	}
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := logging.Get(logging.CategoryServer)
	errc := make(chan error, 1)
	go func() {
		errc <- s.srv.Serve(ln)
	}()
	log.Info("http server listening on %s", ln.Addr())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown: %v", err)
		return err
	}
	<-errc
	log.Info("http server stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
