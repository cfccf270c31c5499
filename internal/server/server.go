// Package server exposes the message pipeline over HTTP: the message,
// teach and conflict-resolution endpoints, a websocket feed of
// operational events, health and metrics probes, and a token-guarded
// admin surface for the emergency stop and maintenance jobs.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"banto/internal/config"
	"banto/internal/decisionlog"
	"banto/internal/observability"
	"banto/internal/orchestrator"
	"banto/internal/scheduler"
)

// MaintenanceRunner triggers one immediate maintenance pass. The
// scheduler satisfies it.
type MaintenanceRunner interface {
	RunNow(ctx context.Context) scheduler.Summary
}

// Options wires the server's collaborators. Orchestrator and Runtime
// are required; the rest degrade to disabled endpoints when absent.
type Options struct {
	Config       config.ServerConfig
	Orchestrator *orchestrator.Orchestrator
	Runtime      *config.RuntimeHolder
	Hub          *Hub
	Maintenance  MaintenanceRunner
	Decisions    decisionlog.Store
	Gatherer     prometheus.Gatherer
	Logger       *observability.Logger
	Tracer       *observability.TracerProvider
	Version      string
}

// Server is the HTTP surface over one orchestrator.
type Server struct {
	cfg         config.ServerConfig
	engine      *gin.Engine
	httpServer  *http.Server
	orch        *orchestrator.Orchestrator
	runtime     *config.RuntimeHolder
	hub         *Hub
	maintenance MaintenanceRunner
	decisions   decisionlog.Store
	limiter     *userRateLimiter
	upgrader    websocket.Upgrader
	logger      *observability.Logger
	tracer      *observability.TracerProvider
	version     string
	startTime   time.Time
	ready       atomic.Bool
}

// New builds the server and registers its routes. It does not listen.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("server: runtime holder is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	addr := opts.Config.Addr
	if addr == "" {
		addr = ":8721"
	}

	if !opts.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	s := &Server{
		cfg:         opts.Config,
		engine:      engine,
		orch:        opts.Orchestrator,
		runtime:     opts.Runtime,
		hub:         hub,
		maintenance: opts.Maintenance,
		decisions:   opts.Decisions,
		limiter:     newUserRateLimiter(opts.Config.RatePerMinute, opts.Config.RateBurst),
		logger:      logger,
		tracer:      opts.Tracer,
		version:     version,
		startTime:   time.Now(),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	engine.Use(gin.Recovery())
	engine.Use(s.traceRequest)
	engine.Use(s.requestLog)
	engine.Use(cors.New(s.corsConfig()))

	s.setupRoutes(opts.Gatherer)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  opts.Config.ReadTimeout.Std(),
		WriteTimeout: opts.Config.WriteTimeout.Std(),
		IdleTimeout:  opts.Config.IdleTimeout.Std(),
	}

	s.ready.Store(true)
	return s, nil
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if len(s.cfg.CORSOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.cfg.CORSOrigins
	}
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With", "X-Admin-Token"}
	cfg.AllowWebSockets = true
	return cfg
}

// checkOrigin mirrors the CORS origin list for websocket upgrades. An
// empty list allows every origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.CORSOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/readyz", s.handleReady)

	var metricsHandler http.Handler
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	} else {
		metricsHandler = promhttp.Handler()
	}
	s.engine.GET("/metrics", gin.WrapH(metricsHandler))

	api := s.engine.Group("/api/v1")
	{
		api.POST("/messages", s.handleMessage)
		api.POST("/learnings", s.handleTeach)
		api.POST("/conflicts/:id/resolution", s.handleResolveConflict)
		api.GET("/conversations/:id/state", s.handleState)
		api.GET("/events", s.handleEvents)
	}

	admin := api.Group("/admin", s.requireAdmin)
	{
		admin.POST("/emergency-stop", s.handleEmergencyStop)
		admin.POST("/maintenance", s.handleMaintenance)
		admin.GET("/decisions", s.handleRecentDecisions)
	}
}

// traceRequest wraps each API request in a server span so the pipeline
// spans nest under it. Probes, metrics and the long-lived event socket
// stay out of the trace feed.
func (s *Server) traceRequest(c *gin.Context) {
	route := c.FullPath()
	if s.tracer == nil || !strings.HasPrefix(route, "/api/") || route == "/api/v1/events" {
		c.Next()
		return
	}
	ctx, span := s.tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
		attribute.String("http.method", c.Request.Method),
		attribute.String("http.route", route),
	)
	c.Request = c.Request.WithContext(ctx)
	c.Next()
	span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	span.End()
}

// requestLog records method, route template and status. Raw paths and
// query strings stay out of the logs; they can carry user identifiers.
func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	s.logger.Debug("http request",
		"method", c.Request.Method,
		"route", route,
		"status", c.Writer.Status(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Handler exposes the route tree for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the event hub so callers can wire it into the
// orchestrator's event sink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting work, closes the event feed and drains
// in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.hub.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
