package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/fred-drake/claude-cli-api/internal/apierr"
	"github.com/fred-drake/claude-cli-api/internal/constant"
	"github.com/fred-drake/claude-cli-api/internal/translator/claudecode"
)

// maxUpstreamErrorBytes caps how much of an upstream error body is read.
const maxUpstreamErrorBytes = 1 << 20

// PassthroughOptions configure the upstream OpenAI-compatible proxy.
type PassthroughOptions struct {
	APIKey string
	// BaseURL is always taken from server configuration, never from the
	// client, so a client-supplied key cannot redirect the upstream call.
	BaseURL        string
	Enabled        bool
	AllowClientKey bool
}

// OpenAIExecutor forwards chat completions to an upstream OpenAI-compatible
// API using the configured credentials or, when allowed, a client-supplied
// key. The request body travels upstream byte-for-byte except for the stream
// switch, and upstream bytes come back untouched, so provider extension
// fields survive in both directions.
type OpenAIExecutor struct {
	opts       PassthroughOptions
	httpClient *http.Client
}

// NewOpenAIExecutor builds the passthrough backend.
func NewOpenAIExecutor(opts PassthroughOptions) *OpenAIExecutor {
	return &OpenAIExecutor{
		opts:       opts,
		httpClient: &http.Client{},
	}
}

func (e *OpenAIExecutor) endpoint() string {
	return strings.TrimRight(e.opts.BaseURL, "/") + "/chat/completions"
}

// keyFor selects the upstream credential for one request.
func (e *OpenAIExecutor) keyFor(req *Request) (string, *apierr.Error) {
	if !e.opts.Enabled {
		return "", apierr.New(http.StatusServiceUnavailable, apierr.TypeServer,
			apierr.CodePassthroughDisabled, "OpenAI passthrough is disabled on this server.")
	}
	if e.opts.AllowClientKey && req.UpstreamKey != "" {
		return req.UpstreamKey, nil
	}
	if e.opts.APIKey == "" {
		return "", apierr.New(http.StatusServiceUnavailable, apierr.TypeServer,
			apierr.CodePassthroughNotReady, "OpenAI passthrough has no upstream API key configured.")
	}
	return e.opts.APIKey, nil
}

func (e *OpenAIExecutor) send(ctx context.Context, key, body string) (*http.Response, *apierr.Error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint(), strings.NewReader(body))
	if err != nil {
		return nil, apierr.Internal(fmt.Sprintf("Failed to build upstream request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	return resp, nil
}

// Complete forwards the request upstream with streaming forced off and
// returns the upstream response body verbatim.
func (e *OpenAIExecutor) Complete(ctx context.Context, req *Request) (*Response, *apierr.Error) {
	key, apiErr := e.keyFor(req)
	if apiErr != nil {
		return nil, apiErr
	}

	body, _ := sjson.Set(req.Body.Raw, "stream", false)
	body, _ = sjson.Delete(body, "stream_options")

	resp, apiErr := e.send(ctx, key, body)
	if apiErr != nil {
		return nil, apiErr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamStatusError(resp.StatusCode, raw)
	}

	return &Response{
		Body:    string(raw),
		Headers: map[string]string{constant.HeaderBackendMode: constant.ModeOpenAIPassthrough},
	}, nil
}

// Stream forwards the request upstream with streaming forced on, relaying
// each upstream SSE data payload verbatim and capturing the trailing usage
// object when the upstream reports one.
func (e *OpenAIExecutor) Stream(ctx context.Context, req *Request) <-chan StreamItem {
	ch := make(chan StreamItem, 16)

	go func() {
		defer close(ch)

		key, apiErr := e.keyFor(req)
		if apiErr != nil {
			ch <- StreamItem{Err: apiErr}
			return
		}

		body, _ := sjson.Set(req.Body.Raw, "stream", true)
		body, _ = sjson.Set(body, "stream_options.include_usage", true)

		resp, apiErr := e.send(ctx, key, body)
		if apiErr != nil {
			ch <- StreamItem{Err: apiErr}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamErrorBytes))
			ch <- StreamItem{Err: upstreamStatusError(resp.StatusCode, raw)}
			return
		}

		var usage *claudecode.Usage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				break
			}
			if u := gjson.Get(payload, "usage"); u.IsObject() {
				usage = &claudecode.Usage{
					PromptTokens:     int(u.Get("prompt_tokens").Int()),
					CompletionTokens: int(u.Get("completion_tokens").Int()),
					TotalTokens:      int(u.Get("total_tokens").Int()),
				}
			}
			ch <- StreamItem{Chunk: payload}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- StreamItem{Err: mapTransportError(err)}
			return
		}

		ch <- StreamItem{Done: &claudecode.DoneMetadata{
			Headers: map[string]string{constant.HeaderBackendMode: constant.ModeOpenAIPassthrough},
			Usage:   usage,
		}}
	}()

	return ch
}

// upstreamStatusError maps a non-2xx upstream reply onto the error taxonomy,
// preserving the upstream status and envelope fields when present.
func upstreamStatusError(status int, body []byte) *apierr.Error {
	upstream := gjson.GetBytes(body, "error")
	message := upstream.Get("message").String()
	if message == "" {
		message = fmt.Sprintf("Upstream returned status %d.", status)
	}
	errType := upstream.Get("type").String()
	if errType == "" {
		errType = apierr.TypeServer
	}
	return apierr.New(status, errType, upstream.Get("code").String(), message)
}

// mapTransportError translates failures to reach the upstream into the error
// taxonomy: timeouts become 504, connection failures 502, everything else 500.
func mapTransportError(err error) *apierr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.New(http.StatusGatewayTimeout, apierr.TypeServer,
			apierr.CodeTimeout, "Upstream request timed out.")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierr.New(http.StatusGatewayTimeout, apierr.TypeServer,
			apierr.CodeTimeout, "Upstream request timed out.")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apierr.New(http.StatusBadGateway, apierr.TypeServer,
			apierr.CodeConnectionError, "Could not connect to the upstream API.")
	}
	return apierr.Internal(fmt.Sprintf("Upstream call failed: %v", err))
}
