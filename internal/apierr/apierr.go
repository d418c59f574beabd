// Package apierr defines the gateway's typed error taxonomy and the single
// mapping from any error to an HTTP status plus the OpenAI error envelope
// {"error":{"message","type","param","code"}}.
package apierr

import (
	"fmt"
	"net/http"

	"github.com/tidwall/sjson"
)

// Error type strings of the OpenAI envelope.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeNotFound       = "not_found_error"
	TypeRateLimit      = "rate_limit_error"
	TypeServer         = "server_error"
)

// Error codes used across the gateway.
const (
	CodeInvalidRequest         = "invalid_request"
	CodeInvalidHeaderValue     = "invalid_header_value"
	CodeInvalidSessionID       = "invalid_session_id"
	CodeSessionNotFound        = "session_not_found"
	CodeSessionBusy            = "session_busy"
	CodeMissingAPIKey          = "missing_api_key"
	CodeInvalidAPIKey          = "invalid_api_key"
	CodeRateLimitExceeded      = "rate_limit_exceeded"
	CodeUnsupportedParameter   = "unsupported_parameter"
	CodeModelNotFound          = "model_not_found"
	CodeCLISpawnError          = "cli_spawn_error"
	CodeStreamError            = "stream_error"
	CodeBackendError           = "backend_error"
	CodeOutputLimitExceeded    = "output_limit_exceeded"
	CodePassthroughDisabled    = "passthrough_disabled"
	CodePassthroughNotReady    = "passthrough_not_configured"
	CodeConnectionError        = "connection_error"
	CodeTimeout                = "timeout"
	CodeUnsupportedMediaType   = "unsupported_media_type"
	CodePayloadTooLarge        = "payload_too_large"
	CodeInternalError          = "internal_error"
	CodeNoUserMessageForResume = "no_user_messages_for_resume"
	CodeEmptyMessageContent    = "empty_message_content"
)

// Error is a typed gateway error carrying its HTTP status and the fields of
// the OpenAI error envelope. It implements the error interface so it can
// travel through ordinary error returns.
type Error struct {
	Status  int
	Message string
	Type    string
	Param   string
	Code    string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
}

// New builds a typed error.
func New(status int, errType, code, message string) *Error {
	return &Error{Status: status, Message: message, Type: errType, Code: code}
}

// WithParam returns a copy of the error with the offending parameter set.
func (e *Error) WithParam(param string) *Error {
	clone := *e
	clone.Param = param
	return &clone
}

// Common constructors.

// BadRequest is a generic 400 invalid_request error.
func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, TypeInvalidRequest, CodeInvalidRequest, message)
}

// InvalidHeaderValue rejects an unparseable routing header.
func InvalidHeaderValue(header, value string) *Error {
	return New(http.StatusBadRequest, TypeInvalidRequest, CodeInvalidHeaderValue,
		fmt.Sprintf("Invalid value %q for header %s", value, header))
}

// MissingAPIKey rejects an unauthenticated request.
func MissingAPIKey() *Error {
	return New(http.StatusUnauthorized, TypeAuthentication, CodeMissingAPIKey,
		"Missing API key. Pass it in the Authorization header as 'Bearer <key>'.")
}

// InvalidAPIKey rejects a request carrying an unknown key.
func InvalidAPIKey() *Error {
	return New(http.StatusUnauthorized, TypeAuthentication, CodeInvalidAPIKey, "Invalid API key.")
}

// RateLimited rejects a request over the sliding-window or concurrency limit.
func RateLimited(message string) *Error {
	return New(http.StatusTooManyRequests, TypeRateLimit, CodeRateLimitExceeded, message)
}

// Internal is the catch-all 500.
func Internal(message string) *Error {
	return New(http.StatusInternalServerError, TypeServer, CodeInternalError, message)
}

// Envelope renders the OpenAI error envelope as a JSON string. param is
// always present, null when unset, matching the upstream wire format.
func (e *Error) Envelope() string {
	out := `{"error":{"message":"","type":"","param":null,"code":""}}`
	out, _ = sjson.Set(out, "error.message", e.Message)
	out, _ = sjson.Set(out, "error.type", e.Type)
	if e.Param != "" {
		out, _ = sjson.Set(out, "error.param", e.Param)
	}
	out, _ = sjson.Set(out, "error.code", e.Code)
	return out
}

// Map resolves any error to a status and envelope body. Typed errors pass
// through verbatim; a small set of transport errors get fixed envelopes;
// everything else becomes a 500 internal_error.
func Map(err error) (int, string) {
	if err == nil {
		return http.StatusOK, ""
	}
	if typed, ok := err.(*Error); ok {
		return typed.Status, typed.Envelope()
	}
	return http.StatusInternalServerError,
		Internal("An unexpected error occurred.").Envelope()
}

// Transport-level errors mapped by the route handler before any backend runs.
var (
	ErrUnsupportedMediaType = New(http.StatusUnsupportedMediaType, TypeInvalidRequest,
		CodeUnsupportedMediaType, "Content-Type must be application/json.")
	ErrPayloadTooLarge = New(http.StatusRequestEntityTooLarge, TypeInvalidRequest,
		CodePayloadTooLarge, "Request body too large.")
	ErrMalformedBody = New(http.StatusBadRequest, TypeInvalidRequest,
		CodeInvalidRequest, "Request body is not valid JSON.")
)
