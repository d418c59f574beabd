// Package executor contains the two chat-completion backends: one spawning
// the local Claude CLI and translating its NDJSON output, one passing the
// request through to an upstream OpenAI-compatible API. Both implement the
// Backend interface consumed by the HTTP handlers.
package executor

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/fred-drake/claude-cli-api/internal/apierr"
	"github.com/fred-drake/claude-cli-api/internal/translator/claudecode"
)

// Request is a validated chat-completion request as the handlers hand it to
// a backend. Body is the raw JSON bag; backends probe it for the fields they
// understand and ignore the rest.
type Request struct {
	// RequestID is the X-Request-ID echoed through logs and response ids.
	RequestID string
	// Model is the client-requested model name, echoed untouched in responses.
	Model string
	// Body is the parsed request body.
	Body gjson.Result
	// SessionID is the client-supplied session header, empty for new sessions.
	SessionID string
	// ClientID identifies the caller for session ownership: the API key when
	// authenticated, otherwise the client IP.
	ClientID string
	// UpstreamKey is a client-supplied upstream API key, empty when absent.
	UpstreamKey string
}

// Response is a completed non-streaming backend result: a serialized OpenAI
// chat-completion body plus the headers the backend wants on the reply.
type Response struct {
	Body    string
	Headers map[string]string
}

// StreamItem is one element of a backend's ordered stream. Exactly one of
// the three fields is set; the terminal element of any stream is exactly one
// Done or one Err, never both.
type StreamItem struct {
	Chunk string
	Done  *claudecode.DoneMetadata
	Err   *apierr.Error
}

// Backend serves chat completions. Stream never fails synchronously: every
// failure, including validation, arrives in-band as an Err item, because the
// handler has already committed SSE headers by the time the backend runs.
type Backend interface {
	Complete(ctx context.Context, req *Request) (*Response, *apierr.Error)
	Stream(ctx context.Context, req *Request) <-chan StreamItem
}
