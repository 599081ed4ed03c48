// Package api provides the HTTP surface of the relay: the subscription
// WebSocket endpoint, health, metrics, and outbox triage.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/agentmesh/relay/pkg/claims"
	"github.com/agentmesh/relay/pkg/config"
	"github.com/agentmesh/relay/pkg/database"
	"github.com/agentmesh/relay/pkg/live"
	"github.com/agentmesh/relay/pkg/metrics"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config
	dbClient   *database.Client

	manager  *live.Manager    // nil until set
	verifier *claims.Verifier // nil until set
}

// NewServer creates the API server with Echo v5.
func NewServer(cfg *config.Config, dbClient *database.Client) *Server {
	e := echo.New()

	s := &Server{
		echo:     e,
		cfg:      cfg,
		dbClient: dbClient,
	}
	s.setupRoutes()
	return s
}

// SetManager wires the subscription manager behind the WebSocket endpoint.
func (s *Server) SetManager(m *live.Manager) {
	s.manager = m
}

// SetVerifier wires the claim verifier.
func (s *Server) SetVerifier(v *claims.Verifier) {
	s.verifier = v
}

// ValidateWiring checks all required Set* calls happened, so wiring gaps are
// caught at startup instead of surfacing as 503s at request time.
func (s *Server) ValidateWiring() error {
	var errs []error
	if s.manager == nil {
		errs = append(errs, fmt.Errorf("manager not set (call SetManager)"))
	}
	if s.verifier == nil {
		errs = append(errs, fmt.Errorf("verifier not set (call SetVerifier)"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("server wiring incomplete: %w", errors.Join(errs...))
	}
	return nil
}

// setupRoutes registers all routes.
func (s *Server) setupRoutes() {
	// Frames and reducer params are small; reject oversized bodies early.
	s.echo.Use(middleware.BodyLimit(1 * 1024 * 1024))
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", func(c *echo.Context) error {
		metrics.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	v1 := s.echo.Group("/api/v1")
	v1.GET("/ws", s.wsHandler)
	v1.GET("/outbox/failed", s.failedOutboxHandler)
	v1.POST("/outbox/:entry_id/retry", s.retryOutboxHandler)
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener; used by tests to bind
// a random port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
