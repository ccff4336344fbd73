package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// fakeGateway completes after a configurable number of polls.
type fakeGateway struct {
	pollsUntilDone int
	polls          int
	spawnErr       error
	pollErr        error
	info           *SessionInfo
	infoErr        error
	lastPrompt     string
	lastOpts       SpawnOptions
}

func (f *fakeGateway) SpawnSession(ctx context.Context, prompt string, opts SpawnOptions) (SpawnResult, error) {
	if f.spawnErr != nil {
		return SpawnResult{}, f.spawnErr
	}
	f.lastPrompt = prompt
	f.lastOpts = opts
	return SpawnResult{SessionKey: "sess-1", RunID: "run-1"}, nil
}

func (f *fakeGateway) IsSessionComplete(ctx context.Context, sessionKey string) (bool, error) {
	if f.pollErr != nil {
		return false, f.pollErr
	}
	f.polls++
	return f.polls >= f.pollsUntilDone, nil
}

func (f *fakeGateway) GetSessionInfo(ctx context.Context, sessionKey string) (*SessionInfo, error) {
	return f.info, f.infoErr
}

func TestResolvePrompt(t *testing.T) {
	dir := t.TempDir()
	mdPath := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(mdPath, []byte("# Do the thing"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ResolvePrompt(mdPath)
	if err != nil || got != "# Do the thing" {
		t.Errorf("md file: %q err=%v", got, err)
	}

	got, err = ResolvePrompt("summarize the inbox")
	if err != nil || got != "summarize the inbox" {
		t.Errorf("verbatim prompt: %q err=%v", got, err)
	}

	for _, bad := range []string{"run.js", "run.mjs", "run.cjs", "run.ps1", "run.cmd", "run.bat"} {
		if _, err := ResolvePrompt(bad); !errors.Is(err, ErrScriptExtension) {
			t.Errorf("%s: expected ErrScriptExtension, got %v", bad, err)
		}
	}

	if _, err := ResolvePrompt(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("missing prompt file should error")
	}
}

func TestRunSessionSuccess(t *testing.T) {
	gw := &fakeGateway{pollsUntilDone: 3, info: &SessionInfo{TotalTokens: 1234}}
	res := RunSession(context.Background(), SessionInput{
		Script:         "do the thing",
		JobID:          "j1",
		TimeoutMS:      10_000,
		PollIntervalMS: 5,
		Client:         gw,
	})

	if res.Status != StatusOK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if res.ResultMeta != "sess-1" {
		t.Errorf("expected session key in meta, got %q", res.ResultMeta)
	}
	if res.Tokens == nil || *res.Tokens != 1234 {
		t.Errorf("expected 1234 tokens, got %v", res.Tokens)
	}
	if res.StdoutTail != "Session completed: sess-1" {
		t.Errorf("unexpected tail: %q", res.StdoutTail)
	}
	if gw.polls != 3 {
		t.Errorf("expected 3 polls, got %d", gw.polls)
	}
	if gw.lastPrompt != "do the thing" || gw.lastOpts.Label != "j1" {
		t.Errorf("spawn args: prompt=%q opts=%+v", gw.lastPrompt, gw.lastOpts)
	}
	if gw.lastOpts.RunTimeoutSeconds != 10 {
		t.Errorf("expected run timeout 10s, got %d", gw.lastOpts.RunTimeoutSeconds)
	}
}

func TestRunSessionMissingInfoTolerated(t *testing.T) {
	gw := &fakeGateway{pollsUntilDone: 1, info: nil}
	res := RunSession(context.Background(), SessionInput{
		Script: "p", JobID: "j1", TimeoutMS: 5_000, PollIntervalMS: 5, Client: gw,
	})
	if res.Status != StatusOK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if res.Tokens != nil {
		t.Errorf("expected nil tokens when info is missing, got %v", res.Tokens)
	}
}

func TestRunSessionTimeout(t *testing.T) {
	gw := &fakeGateway{pollsUntilDone: 1 << 30}
	res := RunSession(context.Background(), SessionInput{
		Script: "p", JobID: "j1", TimeoutMS: 50, PollIntervalMS: 5, Client: gw,
	})
	if res.Status != StatusTimeout || !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.ResultMeta != "sess-1" {
		t.Errorf("session key should survive the timeout, got %q", res.ResultMeta)
	}
}

func TestRunSessionSpawnError(t *testing.T) {
	gw := &fakeGateway{spawnErr: errors.New("gateway unreachable")}
	res := RunSession(context.Background(), SessionInput{
		Script: "p", JobID: "j1", Client: gw,
	})
	if res.Status != StatusError {
		t.Fatalf("expected error, got %+v", res)
	}
	if res.Error == "" || res.StderrTail == "" {
		t.Errorf("expected error surfaced in both fields: %+v", res)
	}
}

func TestRunSessionPollError(t *testing.T) {
	gw := &fakeGateway{pollErr: errors.New("status 500")}
	res := RunSession(context.Background(), SessionInput{
		Script: "p", JobID: "j1", TimeoutMS: 5_000, PollIntervalMS: 5, Client: gw,
	})
	if res.Status != StatusError {
		t.Fatalf("expected error, got %+v", res)
	}
}

func TestRunSessionScriptExtensionRejected(t *testing.T) {
	gw := &fakeGateway{pollsUntilDone: 1}
	res := RunSession(context.Background(), SessionInput{
		Script: "job.js", JobID: "j1", Client: gw,
	})
	if res.Status != StatusError {
		t.Fatalf("expected error, got %+v", res)
	}
	if gw.lastPrompt != "" {
		t.Error("spawn should not be reached for rejected scripts")
	}
}

func TestRunSessionCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gw := &fakeGateway{pollsUntilDone: 1 << 30}
	res := RunSession(ctx, SessionInput{
		Script: "p", JobID: "j1", TimeoutMS: 60_000, PollIntervalMS: 5_000, Client: gw,
	})
	if res.Status != StatusError {
		t.Fatalf("expected error on canceled context, got %+v", res)
	}
}
