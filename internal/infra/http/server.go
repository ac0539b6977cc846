package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"github.com/openctemio/scanregistry/internal/config"
	"github.com/openctemio/scanregistry/internal/infra/http/middleware"
	"github.com/openctemio/scanregistry/pkg/logger"
)

// WebSocketPath is exempt from the per-request timeout.
const WebSocketPath = "/api/v1/ws"

// Server represents the HTTP server.
type Server struct {
	httpServer   *http.Server
	router       Router
	config       *config.Config
	logger       *logger.Logger
	cleanupFuncs []func()
}

// ServerOption is a function that configures the server.
type ServerOption func(*Server)

// WithRouter sets a custom router implementation.
func WithRouter(r Router) ServerOption {
	return func(s *Server) {
		s.router = r
	}
}

// NewServer creates a new HTTP server with the global middleware chain
// installed. Routes are registered on Router() afterwards.
func NewServer(cfg *config.Config, log *logger.Logger, opts ...ServerOption) *Server {
	s := &Server{
		config: cfg,
		logger: log,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.router == nil {
		s.router = NewChiRouter()
	}

	rateLimitMw, rateLimitStop := middleware.RateLimitWithStop(&cfg.RateLimit, log)
	s.cleanupFuncs = append(s.cleanupFuncs, rateLimitStop)

	loggerCfg := middleware.LoggerConfig{
		SlowRequestThreshold: time.Duration(cfg.Log.SlowRequestSeconds) * time.Second,
	}
	if cfg.Log.SkipHealthLogs {
		loggerCfg.SkipPaths = middleware.DefaultLoggerConfig().SkipPaths
	}

	// Order matters: recovery outermost, logging innermost.
	s.router.Use(
		middleware.Recovery(log, cfg.IsProduction()),
		middleware.RequestID(),
		middleware.SecurityHeaders(middleware.SecurityHeadersConfig{HSTSEnabled: cfg.IsProduction()}),
		middleware.CORS(&cfg.CORS),
		middleware.BodyLimit(cfg.Server.MaxBodySize),
		rateLimitMw,
		middleware.Timeout(cfg.Server.RequestTimeout, WebSocketPath),
		middleware.Metrics(),
		middleware.LoggerWithConfig(log, loggerCfg),
	)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.router.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       time.Minute,
	}

	return s
}

// Router returns the router for registering handlers.
func (s *Server) Router() Router {
	return s.router
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, capped at ServerConfig.MaxConnections
// concurrent connections when set.
func (s *Server) Serve(ln net.Listener) error {
	if limit := s.config.Server.MaxConnections; limit > 0 {
		ln = netutil.LimitListener(ln, limit)
	}

	s.logger.Info("starting HTTP server",
		"addr", ln.Addr().String(),
		"max_connections", s.config.Server.MaxConnections,
	)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	for _, cleanup := range s.cleanupFuncs {
		cleanup()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}
