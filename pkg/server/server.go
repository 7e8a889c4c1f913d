package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/takehaya/nfqbridge/pkg/config"
)

// Server exposes health and metrics over HTTP/1.1 and h2c
type Server struct {
	cfg      config.ServerConfig
	status   StatusSource
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	mux      *http.ServeMux
	server   *http.Server
}

// NewServer creates a new Server instance
func NewServer(cfg config.ServerConfig, status StatusSource, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		status:   status,
		gatherer: gatherer,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
}

// Setup registers all handlers
func (s *Server) Setup() {
	path, handler := NewHealthHandler(s.status)
	s.mux.Handle(path, handler)
	s.logger.Info("Registered grpc health service", zap.String("path", path))

	if s.gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Health check endpoint
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ok, detail := Overall(s.status)
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write([]byte(detail))
	})
}

// Handler returns the root handler with h2c support.
func (s *Server) Handler() http.Handler {
	// Use h2c to support HTTP/2 without TLS (required for gRPC)
	return h2c.NewHandler(s.mux, &http2.Server{})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.logger.Info("Starting health server", zap.String("address", ln.Addr().String()))
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down health server")
	return s.server.Shutdown(ctx)
}

// Mux returns the underlying http.ServeMux for custom handler registration
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}
