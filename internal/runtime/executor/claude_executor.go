package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/fred-drake/claude-cli-api/internal/apierr"
	"github.com/fred-drake/claude-cli-api/internal/constant"
	"github.com/fred-drake/claude-cli-api/internal/process"
	"github.com/fred-drake/claude-cli-api/internal/registry"
	"github.com/fred-drake/claude-cli-api/internal/sanitizer"
	"github.com/fred-drake/claude-cli-api/internal/session"
	"github.com/fred-drake/claude-cli-api/internal/translator/claudecode"
)

const (
	// maxStdoutBytes caps accumulated child stdout for non-streaming calls.
	maxStdoutBytes = 10 << 20
	// maxStderrBytes caps accumulated child stderr.
	maxStderrBytes = 1 << 20
)

var errOutputLimit = errors.New("child output limit exceeded")

// authFailurePatterns in child stderr reclassify a non-zero exit as an
// authentication failure. Matched case-insensitively.
var authFailurePatterns = []string{
	"invalid api key",
	"anthropic_api_key",
	"authentication",
	"unauthorized",
}

// ClaudeExecutor runs chat completions by spawning the local Claude CLI.
type ClaudeExecutor struct {
	cliPath     string
	sessions    *session.Registry
	pool        *process.Pool
	killTimeout time.Duration
}

// NewClaudeExecutor creates the CLI backend. killTimeout bounds the
// graceful-to-forceful escalation applied to misbehaving children.
func NewClaudeExecutor(cliPath string, sessions *session.Registry, pool *process.Pool, killTimeout time.Duration) *ClaudeExecutor {
	return &ClaudeExecutor{
		cliPath:     cliPath,
		sessions:    sessions,
		pool:        pool,
		killTimeout: killTimeout,
	}
}

// invocation is the prepared front half of a CLI call: parameters validated,
// session locked, prompt flattened, argv built. The session lock is held and
// must be released by the caller on every path.
type invocation struct {
	ignored   []string
	sessionID string
	created   bool
	prompt    *Prompt
	args      []string
	viaStdin  bool
}

func (e *ClaudeExecutor) prepare(req *Request, streaming bool) (*invocation, *apierr.Error) {
	ignored, apiErr := ValidateParams(req.Body)
	if apiErr != nil {
		return nil, apiErr
	}
	alias, apiErr := registry.ResolveModel(req.Model)
	if apiErr != nil {
		return nil, apiErr
	}

	res, apiErr := e.sessions.Resolve(req.SessionID, req.ClientID, req.Model)
	if apiErr != nil {
		return nil, apiErr
	}
	resumed := res.Action == session.ActionResumed

	prompt, apiErr := BuildPrompt(req.Body.Get("messages"), resumed)
	if apiErr != nil {
		e.sessions.ReleaseLock(res.SessionID)
		return nil, apiErr
	}

	viaStdin := len(prompt.Text) > StdinPromptThreshold
	args := BuildCLIArgs(CLIOptions{
		Streaming:      streaming,
		Model:          alias,
		SessionID:      res.SessionID,
		Resume:         resumed,
		System:         prompt.System,
		Prompt:         prompt.Text,
		PromptViaStdin: viaStdin,
	})

	return &invocation{
		ignored:   ignored,
		sessionID: res.SessionID,
		created:   res.Action == session.ActionCreated,
		prompt:    prompt,
		args:      args,
		viaStdin:  viaStdin,
	}, nil
}

// Complete runs the CLI once in json output mode and transforms its result.
func (e *ClaudeExecutor) Complete(ctx context.Context, req *Request) (*Response, *apierr.Error) {
	inv, apiErr := e.prepare(req, false)
	if apiErr != nil {
		return nil, apiErr
	}
	defer e.sessions.ReleaseLock(inv.sessionID)

	if err := e.pool.Acquire(ctx); err != nil {
		return nil, poolError(err)
	}
	defer e.pool.Release()

	cmd := exec.Command(e.cliPath, inv.args...)
	cmd.Env = BuildChildEnv()
	if inv.viaStdin {
		cmd.Stdin = strings.NewReader(inv.prompt.Text)
	}

	child := &cliChild{cmd: cmd, done: make(chan struct{})}
	stdout := &cappedBuffer{limit: maxStdoutBytes, onExceed: func() {
		process.KillWithEscalation(child, e.killTimeout)
	}}
	stderr := &cappedBuffer{limit: maxStderrBytes, onExceed: func() {
		process.KillWithEscalation(child, e.killTimeout)
	}}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, apierr.New(http.StatusInternalServerError, apierr.TypeServer,
			apierr.CodeCLISpawnError, fmt.Sprintf("Failed to start Claude CLI: %v", err))
	}
	e.pool.Track(child)
	stopCancelWatch := context.AfterFunc(ctx, func() {
		log.Debugf("request %s: client gone, terminating CLI child", req.RequestID)
		_ = child.Terminate()
	})

	waitErr := cmd.Wait()
	close(child.done)
	stopCancelWatch()
	e.pool.Untrack(child)

	if stdout.Exceeded() || stderr.Exceeded() {
		return nil, apierr.New(http.StatusBadGateway, apierr.TypeServer,
			apierr.CodeOutputLimitExceeded, "Claude CLI produced more output than allowed.")
	}
	if ctx.Err() != nil {
		// The client hung up; the termination-induced exit code is not an
		// error, and nobody will read this response anyway.
		return nil, apierr.Internal("Request canceled by client.")
	}
	if exit := cmd.ProcessState.ExitCode(); waitErr != nil || exit != 0 {
		return nil, cliExitError(exit, stderr.String())
	}

	result := gjson.Parse(strings.TrimSpace(stdout.String()))
	if !result.IsObject() {
		return nil, apierr.New(http.StatusInternalServerError, apierr.TypeServer,
			apierr.CodeBackendError, "Claude CLI produced unparseable output.")
	}
	if result.Get("is_error").Bool() {
		return nil, apierr.New(http.StatusInternalServerError, apierr.TypeServer,
			apierr.CodeBackendError,
			fmt.Sprintf("Claude CLI reported an error: %s", sanitizer.Redact(result.Get("result").String())))
	}

	headers := map[string]string{
		constant.HeaderBackendMode: constant.ModeClaudeCode,
		constant.HeaderSessionID:   inv.sessionID,
	}
	if inv.created {
		headers[constant.HeaderSessionCreated] = "true"
	}
	if len(inv.ignored) > 0 {
		headers[constant.HeaderIgnoredParams] = strings.Join(inv.ignored, ",")
	}

	return &Response{
		Body:    claudecode.BuildResponse(req.RequestID, req.Model, result),
		Headers: headers,
	}, nil
}

// Stream runs the CLI in stream-json output mode, translating its NDJSON
// through a stream adapter. Every failure, including preparation failures,
// arrives in-band; the returned channel always terminates with exactly one
// done or error item.
func (e *ClaudeExecutor) Stream(ctx context.Context, req *Request) <-chan StreamItem {
	ch := make(chan StreamItem, 16)

	go func() {
		defer close(ch)

		inv, apiErr := e.prepare(req, true)
		if apiErr != nil {
			ch <- StreamItem{Err: apiErr}
			return
		}
		defer e.sessions.ReleaseLock(inv.sessionID)

		if err := e.pool.Acquire(ctx); err != nil {
			ch <- StreamItem{Err: poolError(err)}
			return
		}
		defer e.pool.Release()

		adapter := claudecode.NewStreamAdapter(req.RequestID, req.Model, claudecode.Callbacks{
			OnChunk: func(chunk string) { ch <- StreamItem{Chunk: chunk} },
			OnDone:  func(meta claudecode.DoneMetadata) { ch <- StreamItem{Done: &meta} },
			OnError: func(err *apierr.Error) { ch <- StreamItem{Err: err} },
		})

		cmd := exec.Command(e.cliPath, inv.args...)
		cmd.Env = BuildChildEnv()
		if inv.viaStdin {
			cmd.Stdin = strings.NewReader(inv.prompt.Text)
		}
		stderr := &cappedBuffer{limit: maxStderrBytes, drop: true}
		cmd.Stderr = stderr
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			ch <- StreamItem{Err: apierr.New(http.StatusInternalServerError, apierr.TypeServer,
				apierr.CodeCLISpawnError, fmt.Sprintf("Failed to open CLI stdout: %v", err))}
			return
		}
		if err := cmd.Start(); err != nil {
			ch <- StreamItem{Err: apierr.New(http.StatusInternalServerError, apierr.TypeServer,
				apierr.CodeCLISpawnError, fmt.Sprintf("Failed to start Claude CLI: %v", err))}
			return
		}

		child := &cliChild{cmd: cmd, done: make(chan struct{})}
		e.pool.Track(child)
		stopCancelWatch := context.AfterFunc(ctx, func() {
			log.Debugf("request %s: client gone, terminating streaming CLI child", req.RequestID)
			_ = child.Terminate()
		})

		var lines claudecode.LineBuffer
		buf := make([]byte, 32*1024)
		for {
			n, readErr := stdoutPipe.Read(buf)
			if n > 0 {
				for _, line := range lines.Feed(string(buf[:n])) {
					adapter.ProcessLine(line)
				}
			}
			if readErr != nil {
				break
			}
		}

		waitErr := cmd.Wait()
		close(child.done)
		stopCancelWatch()
		e.pool.Untrack(child)

		if tail, ok := lines.Flush(); ok {
			adapter.ProcessLine(tail)
		}

		exit := cmd.ProcessState.ExitCode()
		switch {
		case ctx.Err() != nil:
			// Termination after client hang-up is expected; just close out.
			if !adapter.Done() {
				adapter.FinishDone()
			}
		case waitErr != nil || exit != 0:
			adapter.HandleError(fmt.Sprintf("Claude CLI exited with code %d: %s",
				exit, sanitizer.SanitizeStderr(stderr.String())))
		case !adapter.Done():
			adapter.FinishDone()
		}
	}()

	return ch
}

// cliExitError classifies a non-zero CLI exit by its stderr.
func cliExitError(exit int, stderrText string) *apierr.Error {
	lowered := strings.ToLower(stderrText)
	for _, pattern := range authFailurePatterns {
		if strings.Contains(lowered, pattern) {
			return apierr.New(http.StatusUnauthorized, apierr.TypeAuthentication,
				apierr.CodeInvalidAPIKey, "Claude CLI authentication failed. Check ANTHROPIC_API_KEY.")
		}
	}
	return apierr.New(http.StatusInternalServerError, apierr.TypeServer,
		apierr.CodeBackendError,
		fmt.Sprintf("Claude CLI exited with code %d: %s", exit, sanitizer.SanitizeStderr(stderrText)))
}

func poolError(err error) *apierr.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Internal("Request canceled by client.")
	}
	return apierr.New(http.StatusTooManyRequests, apierr.TypeRateLimit,
		apierr.CodeRateLimitExceeded, "Server is at capacity. Try again later.")
}

// cliChild adapts an exec.Cmd to the pool's Child interface. done is closed
// by the owner after Wait returns.
type cliChild struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (c *cliChild) Terminate() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Signal(syscall.SIGTERM)
}

func (c *cliChild) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

func (c *cliChild) Done() <-chan struct{} { return c.done }

// cappedBuffer accumulates writes up to limit bytes. With drop set, excess
// is silently discarded; otherwise the first overflow fires onExceed once
// and the write fails, which stops the exec copier.
type cappedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int
	drop     bool
	exceeded bool
	onExceed func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.buf.Len()+len(p) > b.limit {
		if b.drop {
			if room := b.limit - b.buf.Len(); room > 0 {
				b.buf.Write(p[:room])
			}
			b.mu.Unlock()
			return len(p), nil
		}
		first := !b.exceeded
		b.exceeded = true
		onExceed := b.onExceed
		b.mu.Unlock()
		if first && onExceed != nil {
			onExceed()
		}
		return 0, errOutputLimit
	}
	b.buf.Write(p)
	b.mu.Unlock()
	return len(p), nil
}

func (b *cappedBuffer) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
