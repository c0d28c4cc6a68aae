// Package api exposes the daemon's HTTP surface: chat ingress, SSE and
// WebSocket event streams, snapshot queries, cancellation, and health.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/openloom/loom/pkg/config"
	"github.com/openloom/loom/pkg/session"
	"github.com/openloom/loom/pkg/store"
)

// heartbeatInterval is how long an SSE stream stays silent before a
// heartbeat event is written.
const heartbeatInterval = 15 * time.Second

// Server hosts the HTTP API in front of the session manager and the
// snapshot store.
type Server struct {
	cfg      *config.Config
	sessions *session.Manager
	store    store.Store
	log      *slog.Logger

	e    *echo.Echo
	http *http.Server
	ln   net.Listener
}

// NewServer wires routes and middleware. The store may be nil (health
// reports it as absent; task queries return 503).
func NewServer(cfg *config.Config, sessions *session.Manager, st store.Store) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		store:    st,
		log:      slog.With("component", "api"),
		e:        echo.New(),
	}
	s.registerRoutes()
	s.http = &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.e.Use(recoverPanics(), requestLogger(), corsLocal(), securityHeaders())

	g := s.e.Group("/api/v1")
	g.POST("/chat", s.handleChat)
	g.POST("/sessions/:id/human", s.handleHumanResponse)
	g.GET("/tasks", s.handleListTasks)
	g.GET("/tasks/:id", s.handleGetTask)
	g.POST("/tasks/:id/cancel", s.handleCancelTask)
	g.GET("/tasks/:id/events", s.handleTaskEvents)
	g.GET("/tasks/:id/ws", s.handleTaskWS)
	g.GET("/health", s.handleHealth)
}

// Start binds the configured address. With port 0 the kernel picks one;
// Addr reports the result.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.ln = ln
	s.log.Info("HTTP server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Port returns the bound TCP port after Start.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Serve blocks until Shutdown or a listener error.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("server not started")
	}
	if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
