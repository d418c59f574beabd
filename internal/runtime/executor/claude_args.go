package executor

import (
	"fmt"
	"os"
)

// StdinPromptThreshold is the prompt byte length above which the prompt is
// written to the child's stdin instead of being passed as an argument, to
// stay clear of kernel argv limits.
const StdinPromptThreshold = 128 * 1024

// CLIOptions collects everything that shapes the CLI argument vector.
type CLIOptions struct {
	Streaming bool
	// Model is the resolved CLI alias, not the client-requested name.
	Model     string
	SessionID string
	// Resume selects --resume over --session-id.
	Resume bool
	System string
	Prompt string
	// PromptViaStdin omits the -p flag; the caller writes the prompt to the
	// child's stdin instead.
	PromptViaStdin bool
}

// BuildCLIArgs constructs the claude argument vector. The order is part of
// the contract: output format, model, permission bypass, tool disable,
// session selection, system prompt, streaming flags, then the prompt.
func BuildCLIArgs(opts CLIOptions) []string {
	format := "json"
	if opts.Streaming {
		format = "stream-json"
	}
	args := []string{
		"--output-format", format,
		"--model", opts.Model,
		"--dangerously-skip-permissions",
		"--allowedTools", "",
	}

	if opts.Resume {
		args = append(args, "--resume", opts.SessionID)
	} else {
		args = append(args, "--session-id", opts.SessionID)
	}

	if opts.System != "" {
		args = append(args, "--system-prompt", opts.System)
	}

	if opts.Streaming {
		args = append(args, "--verbose", "--include-partial-messages")
	}

	if !opts.PromptViaStdin {
		args = append(args, "-p", opts.Prompt)
	}
	return args
}

// passthroughEnv is the only parent environment copied into the child, with
// the fallback applied when the parent does not define the name. Dropping
// everything else keeps dynamic-linker and interpreter overrides out of the
// child.
var passthroughEnv = []struct {
	name     string
	fallback string
}{
	{"PATH", "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"},
	{"HOME", "/tmp"},
	{"LANG", "en_US.UTF-8"},
	{"ANTHROPIC_API_KEY", ""},
}

// BuildChildEnv returns the environment for a CLI child.
func BuildChildEnv() []string {
	return buildChildEnv(os.LookupEnv)
}

func buildChildEnv(lookup func(string) (string, bool)) []string {
	env := []string{"TERM=dumb"}
	for _, e := range passthroughEnv {
		value, ok := lookup(e.name)
		if !ok || value == "" {
			value = e.fallback
		}
		if value == "" {
			continue
		}
		env = append(env, fmt.Sprintf("%s=%s", e.name, value))
	}
	return env
}
