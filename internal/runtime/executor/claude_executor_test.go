package executor

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/fred-drake/claude-cli-api/internal/process"
)

func TestCLIExitErrorAuthPatterns(t *testing.T) {
	tests := []string{
		"Error: Invalid API key provided",
		"ANTHROPIC_API_KEY is not set",
		"authentication failure talking to api.anthropic.com",
		"401 Unauthorized",
	}
	for _, stderr := range tests {
		err := cliExitError(1, stderr)
		if err.Status != http.StatusUnauthorized || err.Code != "invalid_api_key" {
			t.Errorf("stderr %q: got %+v, want 401 invalid_api_key", stderr, err)
		}
	}
}

func TestCLIExitErrorGeneric(t *testing.T) {
	err := cliExitError(2, "panic: something broke\n\tat /usr/lib/node/cli.js:10")
	if err.Status != http.StatusInternalServerError || err.Code != "backend_error" {
		t.Fatalf("got %+v, want 500 backend_error", err)
	}
	if !strings.Contains(err.Message, "code 2") {
		t.Fatalf("message does not embed the exit code: %q", err.Message)
	}
	if strings.Contains(err.Message, "/usr/lib/node") {
		t.Fatalf("message leaks an absolute path: %q", err.Message)
	}
}

func TestCappedBufferOverflow(t *testing.T) {
	fired := 0
	b := &cappedBuffer{limit: 8, onExceed: func() { fired++ }}

	if _, err := b.Write([]byte("12345678")); err != nil {
		t.Fatalf("write within limit failed: %v", err)
	}
	if _, err := b.Write([]byte("9")); err == nil {
		t.Fatal("write past limit should fail")
	}
	if _, err := b.Write([]byte("more")); err == nil {
		t.Fatal("writes after overflow should keep failing")
	}
	if fired != 1 {
		t.Fatalf("onExceed fired %d times, want once", fired)
	}
	if !b.Exceeded() {
		t.Fatal("Exceeded should report true")
	}
	if b.String() != "12345678" {
		t.Fatalf("buffer = %q", b.String())
	}
}

func TestCappedBufferDropMode(t *testing.T) {
	b := &cappedBuffer{limit: 4, drop: true}

	if n, err := b.Write([]byte("abcdef")); err != nil || n != 6 {
		t.Fatalf("drop-mode write = (%d, %v)", n, err)
	}
	if b.String() != "abcd" {
		t.Fatalf("buffer = %q, want the first 4 bytes", b.String())
	}
	if b.Exceeded() {
		t.Fatal("drop mode never reports overflow")
	}
}

func TestPoolError(t *testing.T) {
	if err := poolError(process.ErrNoCapacity); err.Status != http.StatusTooManyRequests {
		t.Fatalf("no-capacity should map to 429, got %d", err.Status)
	}
	if err := poolError(context.Canceled); err.Status != http.StatusInternalServerError {
		t.Fatalf("cancellation should map to 500, got %d", err.Status)
	}
}
