// Package middleware provides the gateway's cross-cutting Gin middleware:
// security response headers and request-id issuance.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fred-drake/claude-cli-api/internal/constant"
	"github.com/fred-drake/claude-cli-api/internal/misc"
)

// SecurityHeaders sets the hardening headers on every response. Streaming
// handlers overwrite Cache-Control with no-cache before committing SSE.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Cache-Control", "no-store")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// requestIDKey is the gin context key carrying the request id.
const requestIDKey = "requestID"

// RequestID validates or issues the X-Request-ID header and echoes it on the
// response. Client values that are too long or contain non-printable bytes
// are replaced with a fresh UUID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := misc.FirstHeaderValue(c.Request.Header, constant.HeaderRequestID)
		if !ok || !misc.ValidRequestID(id) {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(constant.HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID returns the request id issued by the RequestID middleware.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
