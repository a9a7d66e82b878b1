// Package api provides the read-only REST admin/status API for crappydns:
// liveness, process and relay statistics, effective configuration, and a
// trusted-network membership probe, via a Gin-based HTTP server.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/crappydns/internal/api/handlers"
	"github.com/jroosing/crappydns/internal/api/middleware"
	"github.com/jroosing/crappydns/internal/config"
)

// Server is the read-only admin/status REST API server. It exposes
// liveness, stats, and effective-configuration endpoints; it has no write
// operations since the relay's state (trusted-net table, hosts index) is
// immutable after startup. Wired in from cmd/crappydns via SetRuntime once
// the session manager and its components are built.
//
// Security note: do not expose the API to untrusted networks without authentication.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	handler    *handlers.Handler
}

func New(cfg *config.Config, logger *slog.Logger) *Server {
	if cfg == nil {
		panic("api.New: cfg is nil")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(cfg, logger)
	RegisterRoutes(engine, h, cfg)

	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{cfg: cfg, logger: logger, engine: engine, httpServer: httpServer, handler: h}
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

// Handler returns the request handler, so the caller can wire the live
// relay runtime (session manager, trusted-net table, hosts index, DNS
// stats) once internal/server.Runner finishes building it.
func (s *Server) Handler() *handlers.Handler {
	return s.handler
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
