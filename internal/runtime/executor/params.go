package executor

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/fred-drake/claude-cli-api/internal/apierr"
)

// rejectedParams are OpenAI features the CLI backend cannot express; their
// presence fails the request. Order fixes which parameter is reported first.
var rejectedParams = []string{
	"tools",
	"tool_choice",
	"functions",
	"function_call",
	"response_format",
	"logprobs",
	"top_logprobs",
	"logit_bias",
}

// ignoredParams are accepted but have no effect on the CLI; their names are
// surfaced in the X-Claude-Ignored-Params response header.
var ignoredParams = []string{
	"temperature",
	"top_p",
	"max_tokens",
	"stop",
	"seed",
	"frequency_penalty",
	"presence_penalty",
}

// ValidateParams checks the request bag against the CLI backend's parameter
// tiers. Unsupported parameters fail with a 400; silently ignored ones are
// returned so the handler can report them. Anything outside both tiers is
// untouched.
func ValidateParams(body gjson.Result) ([]string, *apierr.Error) {
	for _, name := range rejectedParams {
		if body.Get(name).Exists() {
			return nil, unsupportedParam(name,
				fmt.Sprintf("Parameter '%s' is not supported by the Claude Code backend.", name))
		}
	}
	if n := body.Get("n"); n.Exists() && n.Int() > 1 {
		return nil, unsupportedParam("n", "Parameter 'n' greater than 1 is not supported by the Claude Code backend.")
	}

	var ignored []string
	for _, name := range ignoredParams {
		if body.Get(name).Exists() {
			ignored = append(ignored, name)
		}
	}
	if n := body.Get("n"); n.Exists() && n.Int() == 1 {
		ignored = append(ignored, "n")
	}
	return ignored, nil
}

func unsupportedParam(name, message string) *apierr.Error {
	return apierr.New(http.StatusBadRequest, apierr.TypeInvalidRequest,
		apierr.CodeUnsupportedParameter, message).WithParam(name)
}

// Prompt is the flattened conversation handed to the CLI.
type Prompt struct {
	Text string
	// System is the aggregated system prompt, empty when the request carried
	// no system messages.
	System string
}

// BuildPrompt flattens the OpenAI messages array into the CLI's prompt form.
// System messages are aggregated in order. For a resumed session only the
// last user message is sent, since the CLI already holds the history; a
// single remaining message is sent verbatim; anything else becomes the
// multi-turn flat form with User:/Assistant: prefixes.
func BuildPrompt(messages gjson.Result, isResume bool) (*Prompt, *apierr.Error) {
	var systemParts []string
	var rest []gjson.Result
	messages.ForEach(func(_, m gjson.Result) bool {
		if m.Get("role").String() == "system" {
			systemParts = append(systemParts, contentString(m.Get("content")))
			return true
		}
		rest = append(rest, m)
		return true
	})

	p := &Prompt{System: strings.Join(systemParts, "\n\n")}

	switch {
	case isResume:
		var lastUser gjson.Result
		for _, m := range rest {
			if m.Get("role").String() == "user" {
				lastUser = m
			}
		}
		if !lastUser.Exists() {
			return nil, apierr.New(http.StatusBadRequest, apierr.TypeInvalidRequest,
				apierr.CodeNoUserMessageForResume,
				"Resuming a session requires at least one user message.").WithParam("messages")
		}
		p.Text = contentString(lastUser.Get("content"))

	case len(rest) == 1:
		p.Text = contentString(rest[0].Get("content"))
		if p.Text == "" {
			return nil, apierr.New(http.StatusBadRequest, apierr.TypeInvalidRequest,
				apierr.CodeEmptyMessageContent, "Message content must not be empty.").WithParam("messages")
		}

	default:
		turns := make([]string, 0, len(rest))
		for _, m := range rest {
			prefix := "User: "
			if m.Get("role").String() == "assistant" {
				prefix = "Assistant: "
			}
			turns = append(turns, prefix+contentString(m.Get("content")))
		}
		p.Text = strings.Join(turns, "\n")
	}

	return p, nil
}

// contentString renders a message content for the prompt: strings verbatim,
// everything else as compact JSON.
func contentString(content gjson.Result) string {
	if !content.Exists() || content.Type == gjson.Null {
		return ""
	}
	if content.Type == gjson.String {
		return content.String()
	}
	return content.Get("@ugly").Raw
}
