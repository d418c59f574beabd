// Package openai implements the OpenAI-compatible endpoints: the chat
// completion pipeline with admission control, backend dispatch, and SSE
// relaying, plus the model listing.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/fred-drake/claude-cli-api/internal/apierr"
	"github.com/fred-drake/claude-cli-api/internal/api/handlers"
	"github.com/fred-drake/claude-cli-api/internal/api/middleware"
	"github.com/fred-drake/claude-cli-api/internal/constant"
	"github.com/fred-drake/claude-cli-api/internal/misc"
	"github.com/fred-drake/claude-cli-api/internal/ratelimit"
	"github.com/fred-drake/claude-cli-api/internal/registry"
	"github.com/fred-drake/claude-cli-api/internal/runtime/executor"
	"github.com/fred-drake/claude-cli-api/internal/session"
)

const (
	maxBodyBytes    = 10 << 20
	maxMessages     = 100
	maxContentChars = 500000
	maxModelChars   = 256
)

// OpenAIAPIHandler serves the OpenAI-compatible surface.
type OpenAIAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewOpenAIAPIHandler creates the handler on top of the shared base state.
func NewOpenAIAPIHandler(base *handlers.BaseAPIHandler) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{BaseAPIHandler: base}
}

// OpenAIModels lists the models the gateway accepts, in OpenAI list format.
func (h *OpenAIAPIHandler) OpenAIModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   registry.ListModels(),
	})
}

// ChatCompletions handles POST /v1/chat/completions: admission, validation,
// backend selection, and either a JSON reply or an SSE stream.
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
	requestID := middleware.GetRequestID(c)

	// Admission. The per-IP window is recorded first and its headers go on
	// the response whatever the outcome.
	clientIP := c.ClientIP()
	ipResult := h.IPLimiter.Record(clientIP)
	setRateLimitHeaders(c, ipResult)
	if !ipResult.Allowed {
		writeRateLimited(c, ipResult)
		return
	}

	clientKey := c.GetString(handlers.ContextAPIKey)
	concurrencyKey := clientKey
	if concurrencyKey == "" {
		concurrencyKey = clientIP
	}
	if !h.Concurrency.Acquire(concurrencyKey) {
		c.Header("Retry-After", "1")
		writeAPIError(c, apierr.RateLimited("Too many concurrent requests. Try again later."))
		return
	}
	defer h.Concurrency.Release(concurrencyKey)

	sessionID, _ := misc.FirstHeaderValue(c.Request.Header, constant.HeaderSessionID)
	if sessionID != "" {
		if sessionResult := h.SessionLimiter.Record(sessionID); !sessionResult.Allowed {
			writeRateLimited(c, sessionResult)
			return
		}
	}

	body, apiErr := h.readBody(c)
	if apiErr != nil {
		writeAPIError(c, apiErr)
		return
	}
	if apiErr = validateBody(body); apiErr != nil {
		writeAPIError(c, apiErr)
		return
	}

	mode, apiErr := h.ResolveMode(c)
	if apiErr != nil {
		writeAPIError(c, apiErr)
		return
	}
	backend := h.BackendFor(mode)

	clientID := clientKey
	if clientID == "" {
		clientID = session.AnonymousClient
	}
	upstreamKey, _ := misc.FirstHeaderValue(c.Request.Header, constant.HeaderOpenAIKey)

	req := &executor.Request{
		RequestID:   requestID,
		Model:       body.Get("model").String(),
		Body:        body,
		SessionID:   sessionID,
		ClientID:    clientID,
		UpstreamKey: upstreamKey,
	}

	ctx, cancel := h.RequestContext(c)
	defer cancel()

	if body.Get("stream").Bool() {
		h.streamCompletion(c, ctx, backend, mode, req)
		return
	}

	resp, apiErr := backend.Complete(ctx, req)
	if apiErr != nil {
		writeAPIError(c, apiErr)
		return
	}
	for name, value := range resp.Headers {
		c.Header(name, value)
	}
	c.Data(http.StatusOK, "application/json", []byte(resp.Body))
}

// streamCompletion commits SSE headers eagerly and relays the backend's
// stream. Once committed, failures can only travel in-band: an error item
// becomes an SSE data event followed by the [DONE] sentinel. The sentinel is
// written exactly once.
func (h *OpenAIAPIHandler) streamCompletion(c *gin.Context, ctx context.Context, backend executor.Backend, mode string, req *executor.Request) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header(constant.HeaderBackendMode, mode)
	if req.SessionID != "" {
		// Only resumed sessions get the id in headers; for new sessions the
		// id is minted after commit and travels in the result payload.
		c.Header(constant.HeaderSessionID, req.SessionID)
	}
	c.Status(http.StatusOK)
	c.Writer.Flush()

	streamEnded := false
	writeDone := func() {
		if streamEnded {
			return
		}
		streamEnded = true
		fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
	}

	for item := range backend.Stream(ctx, req) {
		switch {
		case item.Err != nil:
			if streamEnded {
				continue
			}
			log.Errorf("request %s: stream failed mid-flight: %s", req.RequestID, item.Err.Message)
			fmt.Fprintf(c.Writer, "data: %s\n\n", item.Err.Envelope())
			writeDone()
		case item.Done != nil:
			writeDone()
		case item.Chunk != "":
			if streamEnded {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", item.Chunk)
			c.Writer.Flush()
		}
	}
	// A backend that closes without a terminal item still ends the stream
	// cleanly for the client.
	writeDone()
}

// readBody enforces the transport-level limits and parses the JSON bag.
func (h *OpenAIAPIHandler) readBody(c *gin.Context) (gjson.Result, *apierr.Error) {
	if c.ContentType() != "application/json" {
		return gjson.Result{}, apierr.ErrUnsupportedMediaType
	}

	reader := http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	raw, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return gjson.Result{}, apierr.ErrPayloadTooLarge
		}
		return gjson.Result{}, apierr.ErrMalformedBody
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, apierr.ErrMalformedBody
	}
	return gjson.ParseBytes(raw), nil
}

// validateBody checks the request fields this gateway cares about; unknown
// keys pass through untouched for the backends to probe.
func validateBody(body gjson.Result) *apierr.Error {
	if !body.IsObject() {
		return apierr.ErrMalformedBody
	}

	model := body.Get("model")
	if model.Type != gjson.String || model.String() == "" {
		return apierr.BadRequest("Field 'model' must be a non-empty string.").WithParam("model")
	}
	if utf8.RuneCountInString(model.String()) > maxModelChars {
		return apierr.BadRequest("Field 'model' is too long.").WithParam("model")
	}

	messages := body.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return apierr.BadRequest("Field 'messages' must be a non-empty array.").WithParam("messages")
	}
	if len(messages.Array()) > maxMessages {
		return apierr.BadRequest(
			fmt.Sprintf("Field 'messages' must not exceed %d entries.", maxMessages)).WithParam("messages")
	}

	if stream := body.Get("stream"); stream.Exists() && stream.Type != gjson.True && stream.Type != gjson.False {
		return apierr.BadRequest("Field 'stream' must be a boolean.").WithParam("stream")
	}

	var contentErr *apierr.Error
	messages.ForEach(func(_, m gjson.Result) bool {
		content := m.Get("content")
		switch {
		case content.Type == gjson.String:
			// Limits count characters, not bytes.
			if utf8.RuneCountInString(content.String()) > maxContentChars {
				contentErr = contentTooLong()
				return false
			}
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				if text := part.Get("text"); text.Type == gjson.String && utf8.RuneCountInString(text.String()) > maxContentChars {
					contentErr = contentTooLong()
					return false
				}
				return true
			})
		}
		return contentErr == nil
	})
	return contentErr
}

func contentTooLong() *apierr.Error {
	return apierr.BadRequest(
		fmt.Sprintf("Message content must not exceed %d characters.", maxContentChars)).WithParam("messages")
}

// writeAPIError renders a typed error as the uniform envelope.
func writeAPIError(c *gin.Context, err *apierr.Error) {
	if err.Status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}
	c.Data(err.Status, "application/json", []byte(err.Envelope()))
}

func setRateLimitHeaders(c *gin.Context, result ratelimit.Result) {
	c.Header(constant.HeaderRateLimitLimit, strconv.Itoa(result.Limit))
	c.Header(constant.HeaderRateLimitRemaining, strconv.Itoa(result.Remaining))
	c.Header(constant.HeaderRateLimitReset, strconv.FormatInt(result.ResetMs, 10))
}

func writeRateLimited(c *gin.Context, result ratelimit.Result) {
	// ResetMs is an absolute Unix-millisecond timestamp.
	retryAfter := (result.ResetMs - time.Now().UnixMilli() + 999) / 1000
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
	writeAPIError(c, apierr.RateLimited("Rate limit exceeded. Try again later."))
}
