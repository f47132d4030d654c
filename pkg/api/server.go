// Package api exposes the HTTP surface: the session WebSocket endpoint, the
// health probe and the administrative interactive API.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/carclicker/quizd/pkg/config"
	"github.com/carclicker/quizd/pkg/session"
	"github.com/carclicker/quizd/pkg/storage"
)

// Pinger is the storage health check used by GET /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP routes to the session manager and storage.
type Server struct {
	cfg     config.Config
	repo    storage.Repository
	manager *session.Manager
	pinger  Pinger

	echo *echo.Echo
	http *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(cfg config.Config, repo storage.Repository, manager *session.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		repo:    repo,
		manager: manager,
		echo:    echo.New(),
	}
	if p, ok := repo.(Pinger); ok {
		s.pinger = p
	}

	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ws/:interactive_id", s.wsHandler)
	s.echo.DELETE("/api/v1/interactives/:id", s.deleteInteractiveHandler)

	return s
}

// Handler returns the HTTP handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves HTTP on addr and blocks until shutdown or failure.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
