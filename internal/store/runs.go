package store

import (
	"fmt"
)

// Run statuses.
const (
	RunPending = "pending"
	RunRunning = "running"
	RunOK      = "ok"
	RunError   = "error"
	RunTimeout = "timeout"
	RunSkipped = "skipped"
)

// Run triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerRetry    = "retry"
)

// Run is one execution attempt of a job.
type Run struct {
	ID         int64   `json:"id"`
	JobID      string  `json:"job_id"`
	Status     string  `json:"status"`
	StartedAt  int64   `json:"started_at"`
	FinishedAt *int64  `json:"finished_at,omitempty"`
	DurationMS *int64  `json:"duration_ms,omitempty"`
	ExitCode   *int    `json:"exit_code,omitempty"`
	Tokens     *int    `json:"tokens,omitempty"`
	ResultMeta *string `json:"result_meta,omitempty"`
	Error      *string `json:"error,omitempty"`
	StdoutTail *string `json:"stdout_tail,omitempty"`
	StderrTail *string `json:"stderr_tail,omitempty"`
	Trigger    string  `json:"trigger"`
}

// RunClose carries the terminal fields written exactly once per run.
type RunClose struct {
	Status     string
	DurationMS int64
	ExitCode   *int
	Tokens     *int
	ResultMeta string
	Error      string
	StdoutTail string
	StderrTail string
}

// OpenRun inserts a run row with status=running and returns its id.
func (s *Store) OpenRun(jobID, trigger string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO runs (job_id, status, started_at, "trigger") VALUES (?, ?, ?, ?)`,
		jobID, RunRunning, nowMS(), trigger)
	if err != nil {
		return 0, fmt.Errorf("open run: %w", err)
	}
	return res.LastInsertId()
}

// CloseRun writes the terminal status and captured output for a run.
func (s *Store) CloseRun(id int64, c RunClose) error {
	_, err := s.db.Exec(`UPDATE runs SET status=?, finished_at=?, duration_ms=?, exit_code=?,
			tokens=?, result_meta=?, error=?, stdout_tail=?, stderr_tail=?
		WHERE id=?`,
		c.Status, nowMS(), c.DurationMS, c.ExitCode,
		c.Tokens, nullIfEmpty(c.ResultMeta), nullIfEmpty(c.Error),
		nullIfEmpty(c.StdoutTail), nullIfEmpty(c.StderrTail), id)
	if err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	return nil
}

const runColumns = `id, job_id, status, started_at, finished_at, duration_ms, exit_code, tokens, result_meta, error, stdout_tail, stderr_tail, "trigger"`

// ListRuns returns the most recent runs for a job, newest first.
func (s *Store) ListRuns(jobID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE job_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.JobID, &r.Status, &r.StartedAt, &r.FinishedAt, &r.DurationMS,
			&r.ExitCode, &r.Tokens, &r.ResultMeta, &r.Error, &r.StdoutTail, &r.StderrTail, &r.Trigger); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CountRunsSince counts runs with the given statuses started after sinceMS.
func (s *Store) CountRunsSince(sinceMS int64, statuses ...string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM runs WHERE started_at >= ? AND status IN (?` +
		repeat(",?", len(statuses)-1) + `)`
	args := []any{sinceMS}
	for _, st := range statuses {
		args = append(args, st)
	}
	var n int
	err := s.db.QueryRow(query, args...).Scan(&n)
	return n, err
}

// PruneRuns deletes runs started before cutoffMS. Returns the delete count.
func (s *Store) PruneRuns(cutoffMS int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
