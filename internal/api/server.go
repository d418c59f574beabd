// Package api provides the HTTP server for the gateway. It wires the Gin
// engine, middleware for CORS, security headers, request ids, and API key
// authentication, and the OpenAI-compatible routes backed by the Claude CLI
// and passthrough executors.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/fred-drake/claude-cli-api/internal/api/handlers"
	"github.com/fred-drake/claude-cli-api/internal/api/handlers/openai"
	"github.com/fred-drake/claude-cli-api/internal/api/middleware"
	"github.com/fred-drake/claude-cli-api/internal/apierr"
	"github.com/fred-drake/claude-cli-api/internal/config"
	"github.com/fred-drake/claude-cli-api/internal/logging"
	"github.com/fred-drake/claude-cli-api/internal/misc"
)

// Server represents the main API server. It encapsulates the Gin engine,
// the HTTP server, the shared handler state, and the configuration.
type Server struct {
	engine   *gin.Engine
	server   *http.Server
	handlers *handlers.BaseAPIHandler
}

// NewServer creates and initializes a new API server instance. It sets up
// the Gin engine, middleware, and routes on top of the shared handler state.
func NewServer(cfg *config.Config, base *handlers.BaseAPIHandler) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if cfg.RequestLog {
		engine.Use(logging.GinLogrusLogger())
	}
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.SecurityHeaders())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:   engine,
		handlers: base,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes configures the API routes for the server.
func (s *Server) setupRoutes() {
	openaiHandlers := openai.NewOpenAIAPIHandler(s.handlers)

	v1 := s.engine.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.GET("/models", openaiHandlers.OpenAIModels)
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
	}

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Claude CLI API Gateway",
			"version": "1.0.0",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"GET /v1/models",
				"GET /health",
			},
		})
	})
}

// authMiddleware enforces the configured API keys. With no keys configured
// every request passes unauthenticated. Comparison is constant-time and
// length-tolerant; a rejected key is logged only in masked form.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := s.handlers.Config().APIKeys
		if len(keys) == 0 {
			c.Next()
			return
		}

		token, ok := misc.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithAuthError(c, apierr.MissingAPIKey())
			return
		}

		for _, key := range keys {
			if misc.SecureCompareKeys(token, key) {
				c.Set(handlers.ContextAPIKey, key)
				c.Next()
				return
			}
		}

		log.Warnf("rejected API key %s from %s", misc.MaskAPIKey(token), c.ClientIP())
		abortWithAuthError(c, apierr.InvalidAPIKey())
	}
}

func abortWithAuthError(c *gin.Context, err *apierr.Error) {
	c.Header("WWW-Authenticate", "Bearer")
	c.Data(err.Status, "application/json", []byte(err.Envelope()))
	c.Abort()
}

// corsMiddleware returns a Gin middleware handler that adds CORS headers to
// every response, allowing cross-origin requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Claude-Code, X-Claude-Session-ID, X-OpenAI-API-Key, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Engine exposes the Gin engine, for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// UpdateConfig applies a reloaded configuration to the running server.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.handlers.UpdateConfig(cfg)
	logging.SetLevel(cfg.Debug)
}

// Start begins listening for and serving HTTP requests. It blocks until the
// server stops.
func (s *Server) Start() error {
	log.Infof("starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server without interrupting active
// connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}
