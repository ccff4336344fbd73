package executor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestResolveCommand(t *testing.T) {
	cases := []struct {
		script   string
		wantName string
	}{
		{"job.sh", "sh"},
		{"job.SH", "sh"},
		{"job.ps1", "pwsh"},
		{"job.js", "node"},
		{"job.mjs", "node"},
		{"job", "node"},
	}
	for _, c := range cases {
		name, args := ResolveCommand(c.script)
		if name != c.wantName {
			t.Errorf("ResolveCommand(%q) = %q, want %q", c.script, name, c.wantName)
		}
		if len(args) == 0 || args[len(args)-1] != c.script {
			t.Errorf("ResolveCommand(%q): script missing from args %v", c.script, args)
		}
	}

	name, args := ResolveCommand("job.ps1")
	if name != "pwsh" || args[0] != "-NoProfile" || args[1] != "-File" {
		t.Errorf("ps1 resolution: %q %v", name, args)
	}
}

func TestRunScriptSuccess(t *testing.T) {
	script := writeScript(t, "ok.sh", "#!/bin/sh\necho hello\necho world >&2\nexit 0\n")

	res := RunScript(ScriptInput{Script: script, JobID: "j1", RunID: 7}, nil)
	if res.Status != StatusOK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", res.ExitCode)
	}
	if res.StdoutTail != "hello" {
		t.Errorf("stdout tail: %q", res.StdoutTail)
	}
	if res.StderrTail != "world" {
		t.Errorf("stderr tail: %q", res.StderrTail)
	}
	if res.DurationMS < 0 {
		t.Errorf("negative duration: %d", res.DurationMS)
	}
}

func TestRunScriptEnv(t *testing.T) {
	script := writeScript(t, "env.sh",
		"#!/bin/sh\necho \"db=$JR_DB_PATH job=$JR_JOB_ID run=$JR_RUN_ID\"\n")

	res := RunScript(ScriptInput{Script: script, DBPath: "/tmp/x.sqlite", JobID: "envjob", RunID: 99}, nil)
	if res.Status != StatusOK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if res.StdoutTail != "db=/tmp/x.sqlite job=envjob run=99" {
		t.Errorf("env not passed through: %q", res.StdoutTail)
	}
}

func TestRunScriptFailureUsesStderr(t *testing.T) {
	script := writeScript(t, "fail.sh", "#!/bin/sh\necho broken pipe >&2\nexit 3\n")

	res := RunScript(ScriptInput{Script: script, JobID: "j1", RunID: 1}, nil)
	if res.Status != StatusError {
		t.Fatalf("expected error, got %+v", res)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", res.ExitCode)
	}
	if res.Error != "broken pipe" {
		t.Errorf("expected stderr tail as error, got %q", res.Error)
	}
}

func TestRunScriptFailureWithoutStderr(t *testing.T) {
	script := writeScript(t, "quiet.sh", "#!/bin/sh\nexit 2\n")

	res := RunScript(ScriptInput{Script: script, JobID: "j1", RunID: 1}, nil)
	if res.Status != StatusError {
		t.Fatalf("expected error, got %+v", res)
	}
	if res.Error != "Exit code 2" {
		t.Errorf("expected synthesized error, got %q", res.Error)
	}
}

func TestRunScriptMissingInterpreter(t *testing.T) {
	res := RunScript(ScriptInput{Script: "whatever.sh", JobID: "j1", RunID: 1},
		func(string) (string, []string) {
			return "definitely-not-a-binary-7f3a", nil
		})
	if res.Status != StatusError || res.Error == "" {
		t.Fatalf("expected start error, got %+v", res)
	}
}

func TestRunScriptResultMarker(t *testing.T) {
	script := writeScript(t, "marker.sh", `#!/bin/sh
echo before
echo 'JR_RESULT:{"tokens":10,"meta":"first"}'
echo 'JR_RESULT:{"tokens":25,"meta":"second"}'
echo after
`)

	res := RunScript(ScriptInput{Script: script, JobID: "j1", RunID: 1}, nil)
	if res.Status != StatusOK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if res.Tokens == nil || *res.Tokens != 25 {
		t.Errorf("expected last marker tokens 25, got %v", res.Tokens)
	}
	if res.ResultMeta != "second" {
		t.Errorf("expected last marker meta, got %q", res.ResultMeta)
	}
	// Marker lines stay in the tail verbatim.
	if !strings.Contains(res.StdoutTail, "before") || !strings.Contains(res.StdoutTail, "after") {
		t.Errorf("surrounding output lost: %q", res.StdoutTail)
	}
}

func TestRunScriptMalformedMarkerIgnored(t *testing.T) {
	script := writeScript(t, "badmarker.sh", `#!/bin/sh
echo 'JR_RESULT:{"tokens":5}'
echo 'JR_RESULT:{not json'
`)

	res := RunScript(ScriptInput{Script: script, JobID: "j1", RunID: 1}, nil)
	if res.Status != StatusOK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if res.Tokens == nil || *res.Tokens != 5 {
		t.Errorf("malformed marker should not clobber valid one, got %v", res.Tokens)
	}
}

func TestRunScriptTimeout(t *testing.T) {
	script := writeScript(t, "slow.sh", "#!/bin/sh\nexec sleep 5\n")

	start := time.Now()
	res := RunScript(ScriptInput{Script: script, JobID: "j1", RunID: 1, TimeoutMS: 200}, nil)
	elapsed := time.Since(start)

	if res.Status != StatusTimeout || !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.Error != "Job timed out after 200ms" {
		t.Errorf("unexpected timeout error: %q", res.Error)
	}
	if elapsed > 4*time.Second {
		t.Errorf("timeout did not terminate the process promptly: %v", elapsed)
	}
}
