// Package constant defines the backend mode and HTTP header name constants
// used throughout the gateway, ensuring consistent naming across the
// admission pipeline, the executors, and the response surface.
package constant

const (
	// ModeClaudeCode identifies the local Claude CLI backend.
	ModeClaudeCode = "claude-code"

	// ModeOpenAIPassthrough identifies the upstream OpenAI-compatible proxy backend.
	ModeOpenAIPassthrough = "openai-passthrough"
)

const (
	// HeaderClaudeCode toggles backend selection per request.
	HeaderClaudeCode = "X-Claude-Code"

	// HeaderSessionID carries the Claude CLI session to resume.
	HeaderSessionID = "X-Claude-Session-ID"

	// HeaderSessionCreated marks responses that created a fresh session.
	HeaderSessionCreated = "X-Claude-Session-Created"

	// HeaderIgnoredParams lists request parameters the CLI backend accepted but ignored.
	HeaderIgnoredParams = "X-Claude-Ignored-Params"

	// HeaderBackendMode reports which backend served the request.
	HeaderBackendMode = "X-Backend-Mode"

	// HeaderRequestID echoes or issues the per-request correlation id.
	HeaderRequestID = "X-Request-ID"

	// HeaderOpenAIKey carries a client-supplied upstream API key for passthrough.
	HeaderOpenAIKey = "X-OpenAI-API-Key"

	// HeaderRateLimitLimit, HeaderRateLimitRemaining and HeaderRateLimitReset
	// expose the sliding-window state on every response.
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)
