// Package api exposes the HTTP surface: run triggers for the importer and
// follow-up reconciler, the public opt-out pages, the bounce webhook, and
// read endpoints for batches.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/edemocracy/signup-verifier/internal/config"
	"github.com/edemocracy/signup-verifier/internal/pkg/logger"
)

// Server wraps the HTTP server around the route handlers.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
}

// NewServer creates a server listening per the server config.
func NewServer(cfg config.ServerConfig, handlers *Handlers) *Server {
	router := SetupRoutes(handlers)
	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 10 * time.Minute, // import runs respond synchronously
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	logger.Info("http server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
