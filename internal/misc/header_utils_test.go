package misc

import (
	"net/http"
	"testing"
)

func TestFirstHeaderValue(t *testing.T) {
	h := http.Header{}
	if _, ok := FirstHeaderValue(h, "X-Claude-Code"); ok {
		t.Fatal("absent header should not resolve")
	}

	h.Add("X-Claude-Code", "true")
	h.Add("X-Claude-Code", "false")
	v, ok := FirstHeaderValue(h, "X-Claude-Code")
	if !ok || v != "true" {
		t.Fatalf("expected first value %q, got %q (ok=%v)", "true", v, ok)
	}

	if _, ok = FirstHeaderValue(nil, "X-Claude-Code"); ok {
		t.Fatal("nil header bag should not resolve")
	}
}

func TestValidRequestID(t *testing.T) {
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		id   string
		want bool
	}{
		{"req-123", true},
		{"a", true},
		{"", false},
		{"has space", false},
		{"tab\tchar", false},
		{"unicode-é", false},
		{string(long), false},
		{string(long[:128]), true},
	}
	for _, tt := range tests {
		if got := ValidRequestID(tt.id); got != tt.want {
			t.Errorf("ValidRequestID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer sk-test-1234", "sk-test-1234", true},
		{"bearer sk-test-1234", "sk-test-1234", true},
		{"BEARER abc", "abc", true},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Bearer  double-space", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearerabc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := BearerToken(tt.header)
		if ok != tt.ok || token != tt.token {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, token, ok, tt.token, tt.ok)
		}
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"sk-ant-api03-abcdefgh1234", "sk-ant-****1234"},
		{"sk-proj-abcdefghijkl", "sk-proj-****ijkl"},
		{"short", "****"},
		{"12345678", "****"},
		{"nohyphenkeyhere", "****here"},
		{"one-hyphenkey", "****nkey"},
	}
	for _, tt := range tests {
		if got := MaskAPIKey(tt.key); got != tt.want {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestSecureCompareKeys(t *testing.T) {
	tests := []struct {
		name      string
		presented string
		expected  string
		want      bool
	}{
		{"equal", "sk-test-abcdef123456", "sk-test-abcdef123456", true},
		{"near match", "sk-test-abcdef123457", "sk-test-abcdef123456", false},
		{"prefix only", "sk-test-abc", "sk-test-abcdef123456", false},
		{"longer presented", "sk-test-abcdef1234567", "sk-test-abcdef123456", false},
		{"both empty", "", "", true},
		{"empty presented", "", "sk-test", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SecureCompareKeys(tt.presented, tt.expected); got != tt.want {
				t.Errorf("SecureCompareKeys(%q, %q) = %v, want %v", tt.presented, tt.expected, got, tt.want)
			}
		})
	}
}
