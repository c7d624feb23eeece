//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Portions copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package server provides the HTTP server for the retrieval API.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quarrydata/quarry-retrieval-server/internal/config"
	"github.com/quarrydata/quarry-retrieval-server/internal/engine"
	"github.com/quarrydata/quarry-retrieval-server/internal/metrics"
)

// RetrievalService defines the retrieval operations the API exposes.
type RetrievalService interface {
	Retrieve(ctx context.Context, req engine.RetrievalRequest) (*engine.Response, error)
	AgenticRetrieve(ctx context.Context, req engine.AgenticRequest) (*engine.Response, error)
	InvalidateKnowledgeBase(ctx context.Context, kbID string) error
	KnowledgeBases(tenantID string) []string
}

// Server is the HTTP server for the retrieval API.
type Server struct {
	config  *config.Config
	service RetrievalService
	logger  *slog.Logger
	server  *http.Server
	mux     *http.ServeMux

	metrics        *metrics.Collector
	metricsHandler http.Handler
}

// Option configures optional server behavior.
type Option func(*Server)

// WithMetrics instruments requests through the collector and serves the
// Prometheus exposition for the gatherer at GET /metrics.
func WithMetrics(collector *metrics.Collector, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = collector
		s.metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
}

// New creates a new HTTP server.
func New(cfg *config.Config, svc RetrievalService, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		service: svc,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Set up routes
	s.setupRoutes()

	return s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.ListenAddress, s.config.Server.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.applyMiddleware(s.mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting server",
		"address", addr,
		"tls", s.config.Server.TLS.Enabled)

	if s.config.Server.TLS.Enabled {
		return s.serveTLS()
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	return s.server.Serve(listener)
}

// serveTLS starts the server with TLS.
func (s *Server) serveTLS() error {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	s.server.TLSConfig = tlsCfg

	return s.server.ListenAndServeTLS(
		s.config.Server.TLS.CertFile,
		s.config.Server.TLS.KeyFile,
	)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}

	return nil
}

// Addr returns the server's address. Returns empty string if not started.
func (s *Server) Addr() string {
	if s.server != nil {
		return s.server.Addr
	}
	return ""
}
