package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fred-drake/claude-cli-api/internal/apierr"
	"github.com/fred-drake/claude-cli-api/internal/api/handlers"
	"github.com/fred-drake/claude-cli-api/internal/config"
	"github.com/fred-drake/claude-cli-api/internal/ratelimit"
	"github.com/fred-drake/claude-cli-api/internal/runtime/executor"
)

type staticBackend struct{}

func (staticBackend) Complete(context.Context, *executor.Request) (*executor.Response, *apierr.Error) {
	return &executor.Response{Body: `{"id":"chatcmpl-s","object":"chat.completion","choices":[]}`}, nil
}

func (staticBackend) Stream(context.Context, *executor.Request) <-chan executor.StreamItem {
	ch := make(chan executor.StreamItem)
	close(ch)
	return ch
}

func newTestServer(apiKeys []string) *Server {
	cfg := config.Default()
	cfg.APIKeys = apiKeys
	base := handlers.NewBaseAPIHandlers(cfg,
		ratelimit.NewSlidingWindow(100, time.Minute),
		ratelimit.NewSlidingWindow(100, time.Minute),
		ratelimit.NewConcurrencyLimiter(10),
		staticBackend{}, staticBackend{})
	return NewServer(cfg, base)
}

func do(s *Server, method, path, auth string) *httptest.ResponseRecorder {
	var body *strings.Reader
	if method == http.MethodPost {
		body = strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"Hi"}]}`)
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestAuthDisabledWhenNoKeysConfigured(t *testing.T) {
	s := newTestServer(nil)
	if w := do(s, http.MethodPost, "/v1/chat/completions", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer([]string{"sk-gw-alpha", "sk-gw-beta"})

	tests := []struct {
		name     string
		auth     string
		wantOK   bool
		wantCode string
	}{
		{"missing header", "", false, "missing_api_key"},
		{"wrong scheme", "Basic sk-gw-alpha", false, "missing_api_key"},
		{"unknown key", "Bearer sk-gw-nope", false, "invalid_api_key"},
		{"near match", "Bearer sk-gw-alphA", false, "invalid_api_key"},
		{"prefix of valid key", "Bearer sk-gw-alph", false, "invalid_api_key"},
		{"first key", "Bearer sk-gw-alpha", true, ""},
		{"second key", "Bearer sk-gw-beta", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPost, "/v1/chat/completions", tt.auth)
			if tt.wantOK {
				if w.Code != http.StatusOK {
					t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
				}
				return
			}
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", w.Code)
			}
			if got := gjson.Get(w.Body.String(), "error.code").String(); got != tt.wantCode {
				t.Fatalf("code = %q, want %q", got, tt.wantCode)
			}
			if w.Header().Get("WWW-Authenticate") != "Bearer" {
				t.Fatalf("WWW-Authenticate = %q", w.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestHealthAndRootBypassAuth(t *testing.T) {
	s := newTestServer([]string{"sk-gw-alpha"})

	w := do(s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	if gjson.Get(w.Body.String(), "status").String() != "ok" {
		t.Fatalf("health body = %s", w.Body.String())
	}

	w = do(s, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("root status = %d", w.Code)
	}
	if len(gjson.Get(w.Body.String(), "endpoints").Array()) == 0 {
		t.Fatalf("root body = %s", w.Body.String())
	}
}

func TestSecurityAndCORSHeaders(t *testing.T) {
	s := newTestServer(nil)

	w := do(s, http.MethodGet, "/health", "")
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-Claude-Code") {
		t.Fatalf("Allow-Headers = %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestUpdateConfigSwapsAPIKeys(t *testing.T) {
	s := newTestServer([]string{"sk-gw-old"})

	if w := do(s, http.MethodPost, "/v1/chat/completions", "Bearer sk-gw-old"); w.Code != http.StatusOK {
		t.Fatalf("old key rejected before reload: %d", w.Code)
	}

	next := config.Default()
	next.APIKeys = []string{"sk-gw-new"}
	s.UpdateConfig(next)

	if w := do(s, http.MethodPost, "/v1/chat/completions", "Bearer sk-gw-old"); w.Code != http.StatusUnauthorized {
		t.Fatalf("old key accepted after reload: %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/v1/chat/completions", "Bearer sk-gw-new"); w.Code != http.StatusOK {
		t.Fatalf("new key rejected after reload: %d", w.Code)
	}
}
