package claudecode

import (
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/fred-drake/claude-cli-api/internal/apierr"
	"github.com/fred-drake/claude-cli-api/internal/constant"
	"github.com/fred-drake/claude-cli-api/internal/sanitizer"
)

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DoneMetadata accompanies the terminal done signal of a stream.
type DoneMetadata struct {
	// Headers are response headers the backend wants surfaced; with SSE
	// already committed only a resumed session's id makes it onto the wire,
	// the rest is informational.
	Headers map[string]string
	Usage   *Usage
}

// Callbacks receive the adapter's output: serialized chat.completion.chunk
// payloads, exactly one terminal done or error, never both.
type Callbacks struct {
	OnChunk func(chunk string)
	OnDone  func(meta DoneMetadata)
	OnError func(err *apierr.Error)
}

// StreamAdapter maps Claude CLI NDJSON events to OpenAI streaming chunks.
// One adapter serves exactly one request; it is not safe for concurrent use
// and expects lines in arrival order.
type StreamAdapter struct {
	requestID string
	model     string
	created   int64

	firstContentBlockSeen bool
	done                  bool
	sessionID             string

	cb Callbacks
}

// NewStreamAdapter creates an adapter for one streaming request. The model
// string is echoed to the client untouched and created is frozen now.
func NewStreamAdapter(requestID, model string, cb Callbacks) *StreamAdapter {
	return &StreamAdapter{
		requestID: requestID,
		model:     model,
		created:   time.Now().Unix(),
		cb:        cb,
	}
}

// Done reports whether a terminal done or error has been emitted.
func (a *StreamAdapter) Done() bool { return a.done }

// SessionID returns the CLI session id captured from the event stream.
func (a *StreamAdapter) SessionID() string { return a.sessionID }

// ProcessLine consumes one NDJSON line. Malformed JSON and unknown event
// types are silently skipped; everything the CLI is known to emit is
// dispatched on its type discriminator.
func (a *StreamAdapter) ProcessLine(line string) {
	if !gjson.Valid(line) {
		log.Debugf("request %s: skipping malformed NDJSON line", a.requestID)
		return
	}
	event := gjson.Parse(line)

	switch event.Get("type").String() {
	case "system":
		if event.Get("subtype").String() == "init" {
			if sid := event.Get("session_id").String(); sid != "" {
				a.sessionID = sid
			}
		}
	case "stream_event":
		a.processStreamEvent(event.Get("event"))
	case "result":
		a.processResult(event)
	default:
		// Other top-level types (assistant echoes, tool traffic) carry
		// nothing the OpenAI surface can express.
	}
}

func (a *StreamAdapter) processStreamEvent(inner gjson.Result) {
	switch inner.Get("type").String() {
	case "content_block_start":
		if a.firstContentBlockSeen {
			return
		}
		a.firstContentBlockSeen = true
		a.emitChunk(`{"role":"assistant"}`, "")
	case "content_block_delta":
		if inner.Get("delta.type").String() != "text_delta" {
			return
		}
		text := sanitizer.Redact(inner.Get("delta.text").String())
		delta, _ := sjson.Set(`{}`, "content", text)
		a.emitChunk(delta, "")
	case "message_delta":
		a.emitChunk(`{}`, mapStopReason(inner.Get("delta.stop_reason").String()))
	case "content_block_stop", "message_stop":
	}
}

func (a *StreamAdapter) processResult(event gjson.Result) {
	if sid := event.Get("session_id").String(); sid != "" {
		a.sessionID = sid
	}
	if event.Get("is_error").Bool() {
		a.HandleError(sanitizer.Redact(event.Get("result").String()))
		return
	}
	if a.done {
		return
	}
	a.done = true

	headers := map[string]string{
		constant.HeaderBackendMode: constant.ModeClaudeCode,
	}
	if a.sessionID != "" {
		headers[constant.HeaderSessionID] = a.sessionID
	}

	input := int(event.Get("usage.input_tokens").Int())
	output := int(event.Get("usage.output_tokens").Int())
	a.cb.OnDone(DoneMetadata{
		Headers: headers,
		Usage: &Usage{
			PromptTokens:     input,
			CompletionTokens: output,
			TotalTokens:      input + output,
		},
	})
}

// HandleError is the one-shot failure path: it emits a final finish chunk so
// well-behaved clients close their choice, then reports the error. Calls
// after the stream is done are no-ops.
func (a *StreamAdapter) HandleError(reason string) {
	if a.done {
		return
	}
	a.done = true
	a.emitFinishChunk()
	a.cb.OnError(apierr.New(http.StatusInternalServerError, apierr.TypeServer,
		apierr.CodeStreamError, fmt.Sprintf("Stream interrupted: %s", reason)))
}

func (a *StreamAdapter) emitFinishChunk() {
	out := a.baseChunk()
	out, _ = sjson.SetRaw(out, "choices.0.delta", `{}`)
	out, _ = sjson.Set(out, "choices.0.finish_reason", "stop")
	a.cb.OnChunk(out)
}

// emitChunk serializes one chat.completion.chunk with the given delta JSON
// and finish reason (empty for null).
func (a *StreamAdapter) emitChunk(deltaJSON, finishReason string) {
	if a.done {
		return
	}
	out := a.baseChunk()
	out, _ = sjson.SetRaw(out, "choices.0.delta", deltaJSON)
	if finishReason != "" {
		out, _ = sjson.Set(out, "choices.0.finish_reason", finishReason)
	}
	a.cb.OnChunk(out)
}

func (a *StreamAdapter) baseChunk() string {
	out := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	out, _ = sjson.Set(out, "id", "chatcmpl-"+a.requestID)
	out, _ = sjson.Set(out, "created", a.created)
	out, _ = sjson.Set(out, "model", a.model)
	return out
}

// FinishDone synthesizes the terminal done signal for streams whose child
// exited cleanly without emitting a result event. It is a no-op once the
// adapter is done.
func (a *StreamAdapter) FinishDone() {
	if a.done {
		return
	}
	a.done = true
	headers := map[string]string{
		constant.HeaderBackendMode: constant.ModeClaudeCode,
	}
	if a.sessionID != "" {
		headers[constant.HeaderSessionID] = a.sessionID
	}
	a.cb.OnDone(DoneMetadata{Headers: headers})
}

// mapStopReason maps the CLI's stop reasons onto OpenAI finish reasons.
func mapStopReason(stopReason string) string {
	if stopReason == "max_tokens" {
		return "length"
	}
	return "stop"
}
