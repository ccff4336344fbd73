// Package cron maintains the in-memory schedule registry. Each enabled job
// gets a goroutine handle that sleeps until its next tick (computed by
// gronx) and fires the scheduled-run callback. Reconcile aligns the
// registry with the job table so live DB edits take effect without
// restart.
//
// Expressions have five or six fields; six means the first field is
// seconds.
package cron

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/jobrunner/internal/store"
)

// ErrBadSchedule is returned for cron tokens gronx cannot parse.
var ErrBadSchedule = errors.New("invalid cron expression")

// ValidateSchedule checks a 5- or 6-field cron token.
func ValidateSchedule(expr string) error {
	gx := gronx.New()
	if !gx.IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrBadSchedule, expr)
	}
	return nil
}

// FireFunc receives the freshly re-read job row on each cron fire.
type FireFunc func(job store.Job)

// entry is one registered job: its schedule token at registration time and
// the stop channel of its tick goroutine.
type entry struct {
	expr string
	stop chan struct{}
}

// ReconcileResult summarizes a reconciliation pass.
type ReconcileResult struct {
	TotalEnabled int
	FailedIDs    []string
}

// Registry maps job ids to live schedule handles.
type Registry struct {
	store  *store.Store
	onFire FireFunc

	mu      sync.Mutex
	entries map[string]*entry
	failed  map[string]bool
}

// NewRegistry creates a registry. onFire is supplied by the scheduler at
// construction; the registry never reaches back into scheduler internals.
func NewRegistry(s *store.Store, onFire FireFunc) *Registry {
	return &Registry{
		store:   s,
		onFire:  onFire,
		entries: make(map[string]*entry),
		failed:  make(map[string]bool),
	}
}

// Reconcile loads all enabled jobs and aligns the registry: stale handles
// are stopped, new jobs registered, and jobs whose schedule token changed
// re-registered. A job with an unparseable schedule is recorded in the
// failed set and does not block the rest of the pass.
func (r *Registry) Reconcile() (ReconcileResult, error) {
	jobs, err := r.store.ListJobs(true)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("reconcile: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	live := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		live[j.ID] = true
	}

	for id, e := range r.entries {
		if !live[id] {
			close(e.stop)
			delete(r.entries, id)
			delete(r.failed, id)
			slog.Info("cron job unregistered", "id", id)
		}
	}

	var failedIDs []string
	for _, j := range jobs {
		e, registered := r.entries[j.ID]
		if registered && e.expr == j.Schedule {
			delete(r.failed, j.ID)
			continue
		}
		if registered {
			close(e.stop)
			delete(r.entries, j.ID)
		}
		if err := r.registerLocked(j); err != nil {
			slog.Error("cron registration failed", "id", j.ID, "schedule", j.Schedule, "error", err)
			r.failed[j.ID] = true
			failedIDs = append(failedIDs, j.ID)
			continue
		}
		delete(r.failed, j.ID)
	}

	sort.Strings(failedIDs)
	return ReconcileResult{TotalEnabled: len(jobs), FailedIDs: failedIDs}, nil
}

// registerLocked validates the schedule and starts the tick goroutine.
// Callers hold r.mu.
func (r *Registry) registerLocked(job store.Job) error {
	if err := ValidateSchedule(job.Schedule); err != nil {
		return err
	}

	e := &entry{expr: job.Schedule, stop: make(chan struct{})}
	r.entries[job.ID] = e
	go r.tickLoop(job.ID, job.Schedule, e.stop)

	slog.Info("cron job registered", "id", job.ID, "schedule", job.Schedule)
	return nil
}

// tickLoop sleeps until the next tick of expr and fires. The job row is
// re-read with id=? AND enabled=1 before every dispatch so stale closures
// never run deleted, disabled, or edited jobs with old data.
func (r *Registry) tickLoop(jobID, expr string, stop chan struct{}) {
	for {
		next, err := gronx.NextTickAfter(expr, time.Now(), false)
		if err != nil {
			slog.Error("cron next tick failed", "id", jobID, "expr", expr, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		job, err := r.store.GetEnabledJob(jobID)
		if err != nil {
			slog.Info("cron fire skipped: job missing or disabled", "id", jobID)
			continue
		}

		// Dispatch without blocking the tick loop.
		go r.onFire(job)
	}
}

// GetFailedRegistrations lists job ids whose last registration attempt
// failed.
func (r *Registry) GetFailedRegistrations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.failed))
	for id := range r.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegisteredCount returns the number of live handles.
func (r *Registry) RegisteredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StopAll stops every handle and clears the registry.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		close(e.stop)
		delete(r.entries, id)
	}
}
