package claudecode

import (
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/fred-drake/claude-cli-api/internal/sanitizer"
)

// BuildResponse transforms the CLI's single non-streaming result object into
// an OpenAI chat-completion response body. The model string is echoed
// untouched; the result text passes through the secret scanner.
func BuildResponse(requestID, model string, result gjson.Result) string {
	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "id", "chatcmpl-"+requestID)
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "choices.0.message.content", sanitizer.Redact(result.Get("result").String()))

	input := result.Get("usage.input_tokens").Int()
	output := result.Get("usage.output_tokens").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", input)
	out, _ = sjson.Set(out, "usage.completion_tokens", output)
	out, _ = sjson.Set(out, "usage.total_tokens", input+output)
	return out
}
