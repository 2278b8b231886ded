// Package api provides the HTTP API server implementation for the Kimi proxy.
// It wires the Gin engine, middleware, the OpenAI-compatible routes and the
// configuration hot-reload hook.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/KimiProxyAPI/internal/api/middleware"
	"github.com/router-for-me/KimiProxyAPI/internal/buildinfo"
	"github.com/router-for-me/KimiProxyAPI/internal/config"
	"github.com/router-for-me/KimiProxyAPI/internal/logging"
	"github.com/router-for-me/KimiProxyAPI/sdk/api/handlers"
	"github.com/router-for-me/KimiProxyAPI/sdk/api/handlers/openai"
	log "github.com/sirupsen/logrus"
)

const (
	defaultAllowMethods = "GET, POST, OPTIONS"
	defaultAllowHeaders = "Content-Type, Authorization"
)

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	engineConfigurator func(*gin.Engine)
	routerConfigurator func(*gin.Engine, *handlers.BaseAPIHandler, *config.Config)
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithEngineConfigurator allows callers to mutate the Gin engine prior to middleware setup.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.engineConfigurator = fn
	}
}

// WithRouterConfigurator appends a callback after default routes are registered.
func WithRouterConfigurator(fn func(*gin.Engine, *handlers.BaseAPIHandler, *config.Config)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.routerConfigurator = fn
	}
}

// Server represents the main API server.
// It encapsulates the Gin engine, HTTP server, handlers, and configuration.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// handlers contains the API handlers for processing requests.
	handlers *handlers.BaseAPIHandler

	// cfg provides race-safe config snapshots for middleware reads.
	cfg atomic.Pointer[config.Config]

	// tracker counts in-flight requests for the root status payload.
	tracker *middleware.ConnectionTracker

	// configFilePath anchors relative log directories on reload.
	configFilePath string
}

// NewServer creates and initializes a new API server instance.
// It sets up the Gin engine, middleware, routes, and handlers.
func NewServer(cfg *config.Config, configFilePath string, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if cfg == nil {
		cfg = &config.Config{Port: config.DefaultPort}
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if optionState.engineConfigurator != nil {
		optionState.engineConfigurator(engine)
	}

	middleware.SetMetricsEnabled(cfg.IsMetricsEnabled())

	s := &Server{
		engine:         engine,
		handlers:       handlers.NewBaseAPIHandlers(cfg, middleware.UpstreamRecorder{}),
		tracker:        &middleware.ConnectionTracker{},
		configFilePath: configFilePath,
	}
	s.cfg.Store(cfg)

	engine.Use(corsMiddleware(s.getConfig))
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.ConnectionTrackerMiddleware(s.tracker))
	engine.Use(middleware.PrometheusMiddleware())
	engine.Use(middleware.RequestDecompressionMiddleware())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}

	s.setupRoutes()
	if optionState.routerConfigurator != nil {
		optionState.routerConfigurator(engine, s.handlers, cfg)
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes configures the API routes for the server.
func (s *Server) setupRoutes() {
	openaiHandlers := openai.NewOpenAIAPIHandler(s.handlers)

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/models", openaiHandlers.OpenAIModels)
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
		for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead} {
			v1.Handle(method, "/chat/completions", methodNotAllowed)
		}
	}

	s.engine.GET("/metrics", func(c *gin.Context) {
		if !middleware.IsMetricsEnabled() {
			notFound(c)
			c.Abort()
			return
		}
		logging.SkipGinRequestLogging(c)
	}, middleware.MetricsHandler())

	s.engine.GET("/", s.rootHandler)

	s.engine.NoRoute(notFound)
}

func (s *Server) rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Kimi API Proxy is running",
		"endpoints": []string{
			"/v1/models",
			"/v1/chat/completions",
		},
		"version":            buildinfo.Version,
		"active_connections": s.tracker.Count(),
	})
}

func methodNotAllowed(c *gin.Context) {
	handlers.WriteError(c, http.StatusMethodNotAllowed, "Method not allowed")
}

func notFound(c *gin.Context) {
	handlers.WriteError(c, http.StatusNotFound, fmt.Sprintf("Path %s not found", c.Request.URL.Path))
}

// Handler exposes the configured engine, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins listening for and serving HTTP requests.
// It's a blocking call and will only return on an unrecoverable error.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}

	log.Infof("Kimi API proxy listening on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %v", errServe)
	}
	return nil
}

// Stop gracefully shuts down the API server without interrupting any
// active connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}
	log.Debug("API server stopped")
	return nil
}

// UpdateClients applies a reloaded configuration. Listen address changes need a
// restart; everything else applies to subsequent requests.
func (s *Server) UpdateClients(cfg *config.Config) {
	if cfg == nil {
		return
	}
	oldCfg := s.getConfig()

	if oldCfg.Debug != cfg.Debug {
		logging.ApplyDebug(cfg)
		log.Debugf("debug mode updated from %t to %t", oldCfg.Debug, cfg.Debug)
	}
	if oldCfg.LoggingToFile != cfg.LoggingToFile || oldCfg.LogDir != cfg.LogDir || oldCfg.LogsMaxSizeMB != cfg.LogsMaxSizeMB {
		if err := logging.ConfigureLogOutput(cfg, configDir(s.configFilePath)); err != nil {
			log.Errorf("failed to reconfigure log output: %v", err)
		}
	}
	if oldCfg.IsMetricsEnabled() != cfg.IsMetricsEnabled() {
		middleware.SetMetricsEnabled(cfg.IsMetricsEnabled())
		log.Debugf("metrics updated from %t to %t", oldCfg.IsMetricsEnabled(), cfg.IsMetricsEnabled())
	}
	if oldCfg.Host != cfg.Host || oldCfg.Port != cfg.Port {
		log.Warnf("listen address change to %s:%d requires a restart", cfg.Host, cfg.Port)
	}

	s.cfg.Store(cfg)
	s.handlers.UpdateClients(cfg)
	log.Info("configuration reloaded")
}

func (s *Server) getConfig() *config.Config {
	if cfg := s.cfg.Load(); cfg != nil {
		return cfg
	}
	return &config.Config{}
}

func configDir(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	return filepath.Dir(path)
}

// corsMiddleware returns a Gin middleware handler that adds CORS headers
// to every response and answers preflight requests with 204.
func corsMiddleware(getCfg func() *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowOrigin := "*"
		allowMethods := defaultAllowMethods
		allowHeaders := defaultAllowHeaders
		if cfg := getCfg(); cfg != nil {
			if len(cfg.CORS.AllowOrigins) > 0 {
				allowOrigin = ""
				if origin := strings.TrimSpace(c.GetHeader("Origin")); originAllowed(cfg.CORS.AllowOrigins, origin) {
					allowOrigin = origin
				}
			}
			if len(cfg.CORS.AllowMethods) > 0 {
				allowMethods = strings.Join(cfg.CORS.AllowMethods, ", ")
			}
			if len(cfg.CORS.AllowHeaders) > 0 {
				allowHeaders = strings.Join(cfg.CORS.AllowHeaders, ", ")
			}
		}

		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			if allowOrigin != "*" {
				c.Header("Vary", "Origin")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func originAllowed(allowOrigins []string, origin string) bool {
	if origin == "" || len(allowOrigins) == 0 {
		return false
	}
	for _, allowed := range allowOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
