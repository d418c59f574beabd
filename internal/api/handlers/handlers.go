// Package handlers provides the shared plumbing for the gateway's API
// handlers: the base handler holding configuration, limiters, and backends,
// the backend mode router, and request-context construction.
package handlers

import (
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/context"

	"github.com/fred-drake/claude-cli-api/internal/apierr"
	"github.com/fred-drake/claude-cli-api/internal/config"
	"github.com/fred-drake/claude-cli-api/internal/constant"
	"github.com/fred-drake/claude-cli-api/internal/misc"
	"github.com/fred-drake/claude-cli-api/internal/ratelimit"
	"github.com/fred-drake/claude-cli-api/internal/runtime/executor"
)

// ContextAPIKey is the gin context key under which the auth middleware
// stores the authenticated client's API key.
const ContextAPIKey = "authenticatedAPIKey"

// BaseAPIHandler aggregates the long-lived state every route handler needs.
type BaseAPIHandler struct {
	mu  sync.RWMutex
	cfg *config.Config

	// IPLimiter admits requests per client IP.
	IPLimiter *ratelimit.SlidingWindow
	// SessionLimiter admits requests per session id.
	SessionLimiter *ratelimit.SlidingWindow
	// Concurrency caps in-flight requests per API key or IP.
	Concurrency *ratelimit.ConcurrencyLimiter

	// ClaudeBackend runs requests on the local Claude CLI.
	ClaudeBackend executor.Backend
	// PassthroughBackend forwards requests to the upstream API.
	PassthroughBackend executor.Backend
}

// NewBaseAPIHandlers creates the shared handler state.
func NewBaseAPIHandlers(cfg *config.Config, ip, session *ratelimit.SlidingWindow, concurrency *ratelimit.ConcurrencyLimiter, claude, passthrough executor.Backend) *BaseAPIHandler {
	return &BaseAPIHandler{
		cfg:                cfg,
		IPLimiter:          ip,
		SessionLimiter:     session,
		Concurrency:        concurrency,
		ClaudeBackend:      claude,
		PassthroughBackend: passthrough,
	}
}

// Config returns the current configuration snapshot.
func (h *BaseAPIHandler) Config() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// UpdateConfig swaps in a reloaded configuration. Only mutable fields (API
// keys, debug, request logging) take effect; structural settings keep their
// boot-time values.
func (h *BaseAPIHandler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}

// RequestContext derives the backend context for one request. It is bound
// to the inbound socket: when the client disconnects the context fires and
// the backends relay the cancellation to their subordinates.
func (h *BaseAPIHandler) RequestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(c.Request.Context())
}

// Backend mode names resolved by ResolveMode.
const (
	ModeClaude      = constant.ModeClaudeCode
	ModePassthrough = constant.ModeOpenAIPassthrough
)

var (
	truthyModeValues = map[string]bool{"true": true, "1": true, "yes": true}
	falsyModeValues  = map[string]bool{"false": true, "0": true, "no": true}
)

// ResolveMode picks the backend for a request from its headers. The
// X-Claude-Code toggle wins when present; a session header implies the
// Claude backend; everything else defaults to passthrough. Multi-valued
// headers collapse to their first value.
func (h *BaseAPIHandler) ResolveMode(c *gin.Context) (string, *apierr.Error) {
	if value, ok := misc.FirstHeaderValue(c.Request.Header, constant.HeaderClaudeCode); ok {
		lowered := strings.ToLower(strings.TrimSpace(value))
		switch {
		case falsyModeValues[lowered]:
			return ModePassthrough, nil
		case truthyModeValues[lowered]:
			return ModeClaude, nil
		default:
			return "", apierr.InvalidHeaderValue(constant.HeaderClaudeCode, value)
		}
	}
	if _, ok := misc.FirstHeaderValue(c.Request.Header, constant.HeaderSessionID); ok {
		return ModeClaude, nil
	}
	return ModePassthrough, nil
}

// BackendFor returns the backend implementing a resolved mode.
func (h *BaseAPIHandler) BackendFor(mode string) executor.Backend {
	if mode == ModeClaude {
		return h.ClaudeBackend
	}
	return h.PassthroughBackend
}
