package executor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

// killGrace is how long a timed-out process gets between the graceful
// termination signal and the forced kill.
const killGrace = 5 * time.Second

// Environment variables visible to job child processes.
const (
	EnvDBPath = "JR_DB_PATH"
	EnvJobID  = "JR_JOB_ID"
	EnvRunID  = "JR_RUN_ID"
)

// resultMarker prefixes structured result lines on stdout:
// JR_RESULT:<json object> with optional keys "tokens" and "meta".
const resultMarker = "JR_RESULT:"

// ScriptInput describes a script-variant execution.
type ScriptInput struct {
	Script    string
	DBPath    string
	JobID     string
	RunID     int64
	TimeoutMS int64 // 0 = no timeout
}

// CommandResolver maps a script path to the command that launches it.
// Overridable for tests and unusual hosts.
type CommandResolver func(script string) (name string, args []string)

// ResolveCommand picks the interpreter by file extension
// (case-insensitive): .ps1 runs under PowerShell without profile,
// .cmd/.bat under the platform shell, everything else under node.
func ResolveCommand(script string) (string, []string) {
	switch strings.ToLower(filepath.Ext(script)) {
	case ".ps1":
		return "pwsh", []string{"-NoProfile", "-File", script}
	case ".cmd", ".bat":
		if runtime.GOOS == "windows" {
			return "cmd", []string{"/C", script}
		}
		return "sh", []string{script}
	case ".sh":
		return "sh", []string{script}
	default:
		return "node", []string{script}
	}
}

// markerPayload is the recognized JR_RESULT shape.
type markerPayload struct {
	Tokens *int    `json:"tokens"`
	Meta   *string `json:"meta"`
}

// RunScript spawns the script as a child process, captures bounded stdout
// and stderr tails, parses structured result markers, and enforces the
// per-job timeout with a graceful-then-forced termination.
func RunScript(in ScriptInput, resolve CommandResolver) Result {
	if resolve == nil {
		resolve = ResolveCommand
	}
	name, args := resolve(in.Script)

	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(),
		EnvDBPath+"="+in.DBPath,
		EnvJobID+"="+in.JobID,
		fmt.Sprintf("%s=%d", EnvRunID, in.RunID),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{
			Status:     StatusError,
			DurationMS: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		}
	}

	var (
		outRing, errRing lineRing
		marker           markerPayload
		haveMarker       bool
		mu               sync.Mutex
		wg               sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			mu.Lock()
			defer mu.Unlock()
			outRing.Add(line)
			if rest, ok := strings.CutPrefix(line, resultMarker); ok && rest != "" {
				var p markerPayload
				if err := json.Unmarshal([]byte(rest), &p); err == nil {
					marker = p // last occurrence wins
					haveMarker = true
				}
			}
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			mu.Lock()
			defer mu.Unlock()
			errRing.Add(line)
		})
	}()

	var (
		timedOut  bool
		timeoutMu sync.Mutex
		timer     *time.Timer
	)
	if in.TimeoutMS > 0 {
		timer = time.AfterFunc(time.Duration(in.TimeoutMS)*time.Millisecond, func() {
			timeoutMu.Lock()
			timedOut = true
			timeoutMu.Unlock()
			slog.Warn("job timed out, terminating", "job", in.JobID, "run", in.RunID, "timeoutMs", in.TimeoutMS)
			if cmd.Process != nil {
				cmd.Process.Signal(syscall.SIGTERM)
				time.AfterFunc(killGrace, func() {
					cmd.Process.Kill()
				})
			}
		})
	}

	wg.Wait()
	waitErr := cmd.Wait()
	if timer != nil {
		timer.Stop()
	}
	duration := time.Since(start).Milliseconds()

	mu.Lock()
	stdoutTail := outRing.String()
	stderrTail := errRing.String()
	var tokens *int
	var meta string
	if haveMarker {
		tokens = marker.Tokens
		if marker.Meta != nil {
			meta = *marker.Meta
		}
	}
	mu.Unlock()

	timeoutMu.Lock()
	wasTimeout := timedOut
	timeoutMu.Unlock()

	res := Result{
		DurationMS: duration,
		Tokens:     tokens,
		ResultMeta: meta,
		StdoutTail: stdoutTail,
		StderrTail: stderrTail,
	}

	if wasTimeout {
		res.Status = StatusTimeout
		res.TimedOut = true
		res.Error = fmt.Sprintf("Job timed out after %dms", in.TimeoutMS)
		return res
	}

	if waitErr == nil {
		code := 0
		res.Status = StatusOK
		res.ExitCode = &code
		return res
	}

	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		res.Status = StatusError
		res.ExitCode = &code
		if stderrTail != "" {
			res.Error = stderrTail
		} else {
			res.Error = fmt.Sprintf("Exit code %d", code)
		}
		return res
	}

	res.Status = StatusError
	res.Error = waitErr.Error()
	return res
}

func scanLines(r io.Reader, fn func(line string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
}
