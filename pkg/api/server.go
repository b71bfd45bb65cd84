// Package api exposes the HTTP surface: health, the WebSocket endpoint, and
// the in-cluster dispatch ingress used by agent workers.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentwire/pkg/config"
	"github.com/codeready-toolchain/agentwire/pkg/database"
	"github.com/codeready-toolchain/agentwire/pkg/dispatch"
	"github.com/codeready-toolchain/agentwire/pkg/gateway"
	"github.com/codeready-toolchain/agentwire/pkg/registry"
	"github.com/codeready-toolchain/agentwire/pkg/sessions"
)

// ListenerStatus reports the cross-replica relay state.
// Implemented by *mirror.NotifyListener.
type ListenerStatus interface {
	Listening() bool
	Relayed() int64
}

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	echo       *echo.Echo
	httpServer *http.Server

	dispatcher *dispatch.Dispatcher
	gateway    *gateway.Gateway
	registry   *registry.Registry
	sessions   *sessions.Aggregator

	dbClient *database.Client // nil when the Postgres mirror is off
	listener ListenerStatus   // nil when the Postgres mirror is off
}

// NewServer creates the server and registers routes.
func NewServer(
	cfg *config.Config,
	dispatcher *dispatch.Dispatcher,
	gw *gateway.Gateway,
	reg *registry.Registry,
	agg *sessions.Aggregator,
) *Server {
	e := echo.New()
	s := &Server{
		cfg:        cfg,
		echo:       e,
		dispatcher: dispatcher,
		gateway:    gw,
		registry:   reg,
		sessions:   agg,
	}
	s.setupRoutes()
	return s
}

// SetDatabase adds the database to health reporting.
func (s *Server) SetDatabase(db *database.Client) {
	s.dbClient = db
}

// SetListener adds the cross-replica relay to health reporting.
func (s *Server) SetListener(l ListenerStatus) {
	s.listener = l
}

func (s *Server) setupRoutes() {
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ws", s.wsHandler)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/dispatch", s.dispatchHandler)
	v1.GET("/connections", s.connectionsHandler)
}

// Handler returns the root handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on an existing listener until Shutdown.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.Serve(ln)
}

// Shutdown closes WebSocket connections, then drains HTTP requests.
// Upgraded connections are hijacked and not tracked by http.Server, so
// they are closed explicitly first.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.gateway != nil {
		s.gateway.Shutdown("server shutting down")
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
