// Package claudecode translates the Claude CLI's newline-delimited JSON
// event stream into the OpenAI chat-completion wire format: a chunk framer,
// a stateful stream adapter producing chat.completion.chunk payloads, and
// the non-streaming result transform.
package claudecode

import "strings"

// LineBuffer reassembles complete NDJSON lines from arbitrarily split
// stdout chunks, carrying the trailing partial line across feeds.
type LineBuffer struct {
	tail string
}

// Feed appends a chunk and returns the complete lines it finished, in
// order. Trailing carriage returns are stripped and whitespace-only lines
// are dropped.
func (b *LineBuffer) Feed(chunk string) []string {
	b.tail += chunk
	if !strings.Contains(b.tail, "\n") {
		return nil
	}

	parts := strings.Split(b.tail, "\n")
	b.tail = parts[len(parts)-1]

	lines := make([]string, 0, len(parts)-1)
	for _, line := range parts[:len(parts)-1] {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Flush returns the buffered partial line, trimmed, and resets the buffer.
// The second result is false when nothing was pending.
func (b *LineBuffer) Flush() (string, bool) {
	line := strings.TrimSpace(b.tail)
	b.tail = ""
	if line == "" {
		return "", false
	}
	return line, true
}
