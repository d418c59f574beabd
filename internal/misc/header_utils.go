// Package misc provides small shared helpers for header handling and
// API key presentation that are used across the middleware and handlers.
package misc

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// FirstHeaderValue collapses a header that may be absent, a single value, or
// an ordered sequence of values into its first value.
//
// Parameters:
//   - h: The request header bag
//   - key: The canonical header name
//
// Returns:
//   - string: The first value, if any
//   - bool: Whether the header was present with a non-empty value
func FirstHeaderValue(h http.Header, key string) (string, bool) {
	if h == nil {
		return "", false
	}
	values := h.Values(key)
	if len(values) == 0 || values[0] == "" {
		return "", false
	}
	return values[0], true
}

// ValidRequestID reports whether a client-supplied request id is acceptable:
// non-empty, at most 128 bytes, and composed only of printable non-space
// ASCII (0x21-0x7E). Anything else is replaced by a server-generated id.
func ValidRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// BearerToken extracts the token from an Authorization header value.
// The scheme must be exactly "Bearer" (case-insensitive) followed by a
// single space; anything else yields no token.
func BearerToken(header string) (string, bool) {
	const prefixLen = len("Bearer ")
	if len(header) <= prefixLen {
		return "", false
	}
	if !strings.EqualFold(header[:prefixLen-1], "Bearer") || header[prefixLen-1] != ' ' {
		return "", false
	}
	token := header[prefixLen:]
	if token == "" || strings.HasPrefix(token, " ") {
		return "", false
	}
	return token, true
}

// SecureCompareKeys compares a presented API key against an expected one in
// constant time. Both inputs are padded to a common length before the
// comparison so the work done does not depend on where a mismatch occurs;
// a length mismatch is folded in at the end rather than short-circuited.
func SecureCompareKeys(presented, expected string) bool {
	size := len(presented)
	if len(expected) > size {
		size = len(expected)
	}
	pa := make([]byte, size)
	pb := make([]byte, size)
	copy(pa, presented)
	copy(pb, expected)

	match := subtle.ConstantTimeCompare(pa, pb)
	sameLen := subtle.ConstantTimeEq(int32(len(presented)), int32(len(expected)))
	return match&sameLen == 1
}

// MaskAPIKey renders an API key safe for logging. The prefix up to the
// second hyphen and the last four characters are preserved; the middle is
// replaced with "****". Keys of eight characters or fewer are fully masked.
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	prefix := ""
	if first := strings.Index(key, "-"); first != -1 {
		if second := strings.Index(key[first+1:], "-"); second != -1 {
			prefix = key[:first+1+second+1]
		}
	}
	suffix := key[len(key)-4:]
	if len(prefix)+len(suffix) >= len(key) {
		return "****" + suffix
	}
	return prefix + "****" + suffix
}
