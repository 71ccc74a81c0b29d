package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultMaxBodyBytes   = 256 << 10
	DefaultRequestTimeout = 60 * time.Second
	readHeaderTimeout     = 10 * time.Second
)

// Options configures the HTTP server.
type Options struct {
	ServiceName    string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Logger         *slog.Logger
}

type Server struct {
	Router *chi.Mux
	logger *slog.Logger
	http   *http.Server
}

// New builds a router with the shared middleware stack. Routes are mounted
// by the caller.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "listing-gateway"
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, opts.ServiceName)
	})
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(BodyLimitMiddleware(opts.MaxBodyBytes))
	r.Use(RateLimitHeadersMiddleware)

	return &Server{
		Router: r,
		logger: opts.Logger,
		http:   &http.Server{Handler: r, ReadHeaderTimeout: readHeaderTimeout},
	}
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
