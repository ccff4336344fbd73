// Package executor runs jobs: the script variant spawns a child process
// and captures bounded output tails; the session variant delegates to a
// remote agent host through a gateway client and polls for completion.
package executor

// Run statuses produced by executors. These map one-to-one onto terminal
// run-record statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Result is the outcome of a single execution attempt. It serializes
// directly in the trigger API response.
type Result struct {
	Status     string `json:"status"`
	ExitCode   *int   `json:"exitCode,omitempty"` // nil on timeout or spawn failure
	DurationMS int64  `json:"durationMs"`
	Tokens     *int   `json:"tokens,omitempty"` // session jobs and JR_RESULT markers
	ResultMeta string `json:"resultMeta,omitempty"`
	Error      string `json:"error,omitempty"`
	StdoutTail string `json:"stdoutTail,omitempty"`
	StderrTail string `json:"stderrTail,omitempty"`
	TimedOut   bool   `json:"timedOut,omitempty"`
}
