package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Session defaults.
const (
	DefaultSessionTimeoutMS = 300_000
	DefaultPollIntervalMS   = 5_000
	maxPollIntervalMS       = 15_000
	pollBackoffFactor       = 1.2
)

// ErrScriptExtension is returned when a session job's script names an
// executable file; such jobs should be script-type instead.
var ErrScriptExtension = errors.New("script extension not valid for session jobs")

// SpawnOptions label and bound a remote session.
type SpawnOptions struct {
	Label             string
	Thinking          string
	RunTimeoutSeconds int
}

// SpawnResult identifies a spawned session.
type SpawnResult struct {
	SessionKey string
	RunID      string
}

// SessionInfo is the token accounting returned for a completed session.
type SessionInfo struct {
	TotalTokens    int
	Model          string
	TranscriptPath string
}

// GatewayClient is the remote agent host the session variant delegates to.
// A session is complete once its latest message has role "assistant" and a
// non-null stop reason.
type GatewayClient interface {
	SpawnSession(ctx context.Context, prompt string, opts SpawnOptions) (SpawnResult, error)
	IsSessionComplete(ctx context.Context, sessionKey string) (bool, error)
	GetSessionInfo(ctx context.Context, sessionKey string) (*SessionInfo, error)
}

// SessionInput describes a session-variant execution.
type SessionInput struct {
	Script         string
	JobID          string
	TimeoutMS      int64 // 0 = DefaultSessionTimeoutMS
	PollIntervalMS int64 // 0 = DefaultPollIntervalMS
	Client         GatewayClient
}

// ResolvePrompt turns the job's script value into the session prompt:
// .md/.txt files are read from disk, script-ish extensions are rejected,
// and anything else is treated as the prompt text verbatim.
func ResolvePrompt(script string) (string, error) {
	switch strings.ToLower(filepath.Ext(script)) {
	case ".md", ".txt":
		data, err := os.ReadFile(script)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		return string(data), nil
	case ".js", ".mjs", ".cjs", ".ps1", ".cmd", ".bat":
		return "", fmt.Errorf("%w: %s (use a script-type job)", ErrScriptExtension, script)
	default:
		return script, nil
	}
}

// RunSession resolves the prompt, spawns a remote session, polls for
// completion with bounded exponential backoff, and retrieves token
// accounting. A missing session info is tolerated (tokens stay nil).
func RunSession(ctx context.Context, in SessionInput) Result {
	start := time.Now()
	timeoutMS := in.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = DefaultSessionTimeoutMS
	}
	pollMS := in.PollIntervalMS
	if pollMS <= 0 {
		pollMS = DefaultPollIntervalMS
	}

	fail := func(err error) Result {
		return Result{
			Status:     StatusError,
			DurationMS: time.Since(start).Milliseconds(),
			Error:      err.Error(),
			StderrTail: err.Error(),
		}
	}

	prompt, err := ResolvePrompt(in.Script)
	if err != nil {
		return fail(err)
	}

	spawned, err := in.Client.SpawnSession(ctx, prompt, SpawnOptions{
		Label:             in.JobID,
		Thinking:          "low",
		RunTimeoutSeconds: int(timeoutMS / 1000),
	})
	if err != nil {
		return fail(fmt.Errorf("spawn session: %w", err))
	}

	interval := float64(pollMS)
	for {
		if time.Since(start).Milliseconds() > timeoutMS {
			return Result{
				Status:     StatusTimeout,
				TimedOut:   true,
				DurationMS: time.Since(start).Milliseconds(),
				ResultMeta: spawned.SessionKey,
				Error:      fmt.Sprintf("Job timed out after %dms", timeoutMS),
			}
		}

		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-time.After(time.Duration(interval) * time.Millisecond):
		}

		done, err := in.Client.IsSessionComplete(ctx, spawned.SessionKey)
		if err != nil {
			return fail(fmt.Errorf("poll session: %w", err))
		}
		if done {
			break
		}

		interval *= pollBackoffFactor
		if interval > maxPollIntervalMS {
			interval = maxPollIntervalMS
		}
	}

	var tokens *int
	info, err := in.Client.GetSessionInfo(ctx, spawned.SessionKey)
	if err == nil && info != nil {
		tokens = &info.TotalTokens
	}

	return Result{
		Status:     StatusOK,
		DurationMS: time.Since(start).Milliseconds(),
		Tokens:     tokens,
		ResultMeta: spawned.SessionKey,
		StdoutTail: "Session completed: " + spawned.SessionKey,
	}
}
