package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Job types.
const (
	JobTypeScript  = "script"
	JobTypeSession = "session"
)

// Overlap policies. "queue" is accepted but currently behaves like "skip"
// at runtime; the scheduler logs it distinctly.
const (
	OverlapSkip  = "skip"
	OverlapQueue = "queue"
	OverlapAllow = "allow"
)

// ErrInvalidJob is returned when a job declaration fails validation.
var ErrInvalidJob = errors.New("invalid job")

// Job is a persistent declaration of scheduled work.
type Job struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Schedule        string  `json:"schedule"`
	Script          string  `json:"script"`
	Type            string  `json:"type"`
	Description     *string `json:"description,omitempty"`
	Enabled         bool    `json:"enabled"`
	TimeoutMS       *int64  `json:"timeout_ms,omitempty"`
	OverlapPolicy   string  `json:"overlap_policy"`
	NotifyOnFailure *string `json:"notify_on_failure,omitempty"`
	NotifyOnSuccess *string `json:"notify_on_success,omitempty"`
	CreatedAtMS     int64   `json:"created_at"`
	UpdatedAtMS     int64   `json:"updated_at"`
}

// JobPatch holds optional fields for updating a job. Only non-nil fields
// are applied.
type JobPatch struct {
	Name            *string
	Schedule        *string
	Script          *string
	Type            *string
	Description     *string
	Enabled         *bool
	TimeoutMS       *int64
	OverlapPolicy   *string
	NotifyOnFailure *string
	NotifyOnSuccess *string
}

// JobSummary is a job row joined with its most recent run, for listings.
type JobSummary struct {
	Job
	LastStatus *string `json:"last_status,omitempty"`
	LastRunAt  *int64  `json:"last_run,omitempty"`
}

func validateJob(jobType, overlapPolicy string) error {
	switch jobType {
	case JobTypeScript, JobTypeSession:
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidJob, jobType)
	}
	switch overlapPolicy {
	case OverlapSkip, OverlapQueue, OverlapAllow:
	default:
		return fmt.Errorf("%w: unknown overlap policy %q", ErrInvalidJob, overlapPolicy)
	}
	return nil
}

// CreateJob inserts a new job. Type defaults to "script" and overlap
// policy to "skip" when empty. The schedule token must already be
// validated by the caller (the cron registry owns cron syntax).
func (s *Store) CreateJob(job Job) (Job, error) {
	if job.Type == "" {
		job.Type = JobTypeScript
	}
	if job.OverlapPolicy == "" {
		job.OverlapPolicy = OverlapSkip
	}
	if err := validateJob(job.Type, job.OverlapPolicy); err != nil {
		return Job{}, err
	}
	if job.ID == "" || job.Schedule == "" || job.Script == "" {
		return Job{}, fmt.Errorf("%w: id, schedule and script are required", ErrInvalidJob)
	}

	now := nowMS()
	job.CreatedAtMS = now
	job.UpdatedAtMS = now

	_, err := s.db.Exec(`INSERT INTO jobs
		(id, name, schedule, script, type, description, enabled, timeout_ms, overlap_policy, notify_on_failure, notify_on_success, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Schedule, job.Script, job.Type, job.Description,
		boolToInt(job.Enabled), job.TimeoutMS, job.OverlapPolicy,
		job.NotifyOnFailure, job.NotifyOnSuccess, job.CreatedAtMS, job.UpdatedAtMS)
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

const jobColumns = `id, name, schedule, script, type, description, enabled, timeout_ms, overlap_policy, notify_on_failure, notify_on_success, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var enabled int
	err := row.Scan(&j.ID, &j.Name, &j.Schedule, &j.Script, &j.Type, &j.Description,
		&enabled, &j.TimeoutMS, &j.OverlapPolicy, &j.NotifyOnFailure, &j.NotifyOnSuccess,
		&j.CreatedAtMS, &j.UpdatedAtMS)
	if err != nil {
		return Job{}, err
	}
	j.Enabled = enabled != 0
	return j, nil
}

// GetJob returns a job by id, or ErrNotFound.
func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetEnabledJob returns the job only if it exists and is enabled. The cron
// fire path uses this to defeat stale in-memory closures.
func (s *Store) GetEnabledJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND enabled = 1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s (enabled): %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get enabled job: %w", err)
	}
	return j, nil
}

// ListJobs returns all jobs. When enabledOnly is set, disabled jobs are
// filtered out.
func (s *Store) ListJobs(enabledOnly bool) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY id`
	if enabledOnly {
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE enabled = 1 ORDER BY id`
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListJobSummaries returns all jobs joined with their latest run.
func (s *Store) ListJobSummaries() ([]JobSummary, error) {
	rows, err := s.db.Query(`SELECT j.id, j.name, j.schedule, j.script, j.type, j.description,
			j.enabled, j.timeout_ms, j.overlap_policy, j.notify_on_failure, j.notify_on_success,
			j.created_at, j.updated_at, r.status, r.started_at
		FROM jobs j
		LEFT JOIN runs r ON r.id = (
			SELECT id FROM runs WHERE job_id = j.id ORDER BY started_at DESC, id DESC LIMIT 1
		)
		ORDER BY j.id`)
	if err != nil {
		return nil, fmt.Errorf("list job summaries: %w", err)
	}
	defer rows.Close()

	var out []JobSummary
	for rows.Next() {
		var js JobSummary
		var enabled int
		if err := rows.Scan(&js.ID, &js.Name, &js.Schedule, &js.Script, &js.Type, &js.Description,
			&enabled, &js.TimeoutMS, &js.OverlapPolicy, &js.NotifyOnFailure, &js.NotifyOnSuccess,
			&js.CreatedAtMS, &js.UpdatedAtMS, &js.LastStatus, &js.LastRunAt); err != nil {
			return nil, err
		}
		js.Enabled = enabled != 0
		out = append(out, js)
	}
	return out, rows.Err()
}

// UpdateJob applies a patch to an existing job and returns the updated row.
func (s *Store) UpdateJob(id string, patch JobPatch) (Job, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return Job{}, err
	}

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
	}
	if patch.Script != nil {
		job.Script = *patch.Script
	}
	if patch.Type != nil {
		job.Type = *patch.Type
	}
	if patch.Description != nil {
		job.Description = patch.Description
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
	}
	if patch.TimeoutMS != nil {
		job.TimeoutMS = patch.TimeoutMS
	}
	if patch.OverlapPolicy != nil {
		job.OverlapPolicy = *patch.OverlapPolicy
	}
	if patch.NotifyOnFailure != nil {
		job.NotifyOnFailure = patch.NotifyOnFailure
	}
	if patch.NotifyOnSuccess != nil {
		job.NotifyOnSuccess = patch.NotifyOnSuccess
	}
	if err := validateJob(job.Type, job.OverlapPolicy); err != nil {
		return Job{}, err
	}

	job.UpdatedAtMS = nowMS()
	_, err = s.db.Exec(`UPDATE jobs SET name=?, schedule=?, script=?, type=?, description=?,
			enabled=?, timeout_ms=?, overlap_policy=?, notify_on_failure=?, notify_on_success=?, updated_at=?
		WHERE id=?`,
		job.Name, job.Schedule, job.Script, job.Type, job.Description,
		boolToInt(job.Enabled), job.TimeoutMS, job.OverlapPolicy,
		job.NotifyOnFailure, job.NotifyOnSuccess, job.UpdatedAtMS, id)
	if err != nil {
		return Job{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

// SetJobEnabled toggles the enabled flag. Returns ErrNotFound for unknown ids.
func (s *Store) SetJobEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE jobs SET enabled=?, updated_at=? WHERE id=?`,
		boolToInt(enabled), nowMS(), id)
	if err != nil {
		return fmt.Errorf("set job enabled: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteJob removes a job and its runs.
func (s *Store) DeleteJob(id string) error {
	return s.Batch(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM runs WHERE job_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// CountJobs returns the total number of jobs.
func (s *Store) CountJobs() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
