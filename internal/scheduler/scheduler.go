// Package scheduler is the run controller: it admits runs under the
// concurrency cap, applies overlap policy on scheduled fires, opens and
// closes run records, dispatches to the right executor by job type, and
// sends success/failure notifications.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/jobrunner/internal/cron"
	"github.com/nextlevelbuilder/jobrunner/internal/executor"
	"github.com/nextlevelbuilder/jobrunner/internal/store"
)

// Notifier dispatches job outcome notifications. Implementations must
// never propagate failures into the run result.
type Notifier interface {
	NotifySuccess(ctx context.Context, jobName string, durationMS int64, channel string) error
	NotifyFailure(ctx context.Context, jobName string, durationMS int64, errMsg, channel string) error
}

// Options configure the controller.
type Options struct {
	MaxConcurrency      int
	ShutdownGraceMS     int64
	ReconcileIntervalMS int64
	DefaultOnFailure    string // channel id, "" = none
	DefaultOnSuccess    string
	CommandResolver     executor.CommandResolver // nil = executor.ResolveCommand
}

// Controller owns the running-jobs set and drives the execution pipeline.
type Controller struct {
	store    *store.Store
	registry *cron.Registry
	gateway  executor.GatewayClient
	notifier Notifier
	opts     Options

	mu      sync.Mutex
	running map[string]bool

	reconcileStop chan struct{}
}

// New creates a controller and its cron registry. The registry receives
// the scheduled-run callback at construction (dependency inversion: it
// never reaches back into controller internals).
func New(s *store.Store, gw executor.GatewayClient, n Notifier, opts Options) *Controller {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.ShutdownGraceMS <= 0 {
		opts.ShutdownGraceMS = 30_000
	}
	c := &Controller{
		store:    s,
		gateway:  gw,
		notifier: n,
		opts:     opts,
		running:  make(map[string]bool),
	}
	c.registry = cron.NewRegistry(s, c.onScheduledRun)
	return c
}

// Registry exposes the cron registry (for health and stats reporting).
func (c *Controller) Registry() *cron.Registry { return c.registry }

// Start reconciles the registry, reports failed registrations, and begins
// periodic reconciliation when configured.
func (c *Controller) Start() error {
	res, err := c.registry.Reconcile()
	if err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	slog.Info("scheduler started", "enabledJobs", res.TotalEnabled, "failedRegistrations", len(res.FailedIDs))

	if len(res.FailedIDs) > 0 && c.opts.DefaultOnFailure != "" && c.notifier != nil {
		msg := fmt.Sprintf("%d job registration(s) failed: %s", len(res.FailedIDs), strings.Join(res.FailedIDs, ", "))
		if err := c.notifier.NotifyFailure(context.Background(), "job registration", 0, msg, c.opts.DefaultOnFailure); err != nil {
			slog.Warn("startup failure notification failed", "error", err)
		}
	}

	if c.opts.ReconcileIntervalMS > 0 {
		c.reconcileStop = make(chan struct{})
		go c.reconcileLoop(c.reconcileStop)
	}
	return nil
}

func (c *Controller) reconcileLoop(stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(c.opts.ReconcileIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := c.registry.Reconcile(); err != nil {
				slog.Error("periodic reconcile failed", "error", err)
			}
		}
	}
}

// Stop halts new fires and waits up to the shutdown grace for in-flight
// runs to finish naturally. No cancellation signal is sent to executors.
func (c *Controller) Stop() {
	if c.reconcileStop != nil {
		close(c.reconcileStop)
		c.reconcileStop = nil
	}
	c.registry.StopAll()

	deadline := time.Now().Add(time.Duration(c.opts.ShutdownGraceMS) * time.Millisecond)
	for time.Now().Before(deadline) {
		if c.RunningCount() == 0 {
			slog.Info("scheduler stopped")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	c.mu.Lock()
	remaining := len(c.running)
	c.mu.Unlock()
	if remaining > 0 {
		slog.Warn("scheduler stopped with jobs still running", "count", remaining)
	}
}

// ReconcileNow re-runs reconciliation synchronously. Called when jobs are
// enabled or disabled through the API.
func (c *Controller) ReconcileNow() (cron.ReconcileResult, error) {
	return c.registry.Reconcile()
}

// RunningCount returns the number of jobs currently executing.
func (c *Controller) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// TriggerJob runs a job out of schedule. Unknown ids return
// store.ErrNotFound; a full controller returns ErrBackpressure. Overlap
// policy is not applied on the manual path.
func (c *Controller) TriggerJob(id string) (executor.Result, error) {
	job, err := c.store.GetJob(id)
	if err != nil {
		return executor.Result{}, err
	}
	return c.runJob(job, store.TriggerManual)
}

// errOverlapSkipped marks a scheduled fire suppressed by overlap policy.
// Not a failure; onScheduledRun swallows it.
var errOverlapSkipped = errors.New("overlapping fire suppressed")

// onScheduledRun is the registry fire callback. Any error is logged and
// contained: one bad job never suppresses other fires.
func (c *Controller) onScheduledRun(job store.Job) {
	if _, err := c.runJob(job, store.TriggerSchedule); err != nil && !errors.Is(err, errOverlapSkipped) {
		slog.Error("scheduled run failed", "job", job.ID, "error", err)
	}
}

// runJob is the central protocol: admission, run row open, executor
// dispatch, run row close, notification. The overlap decision happens
// under the same lock acquisition as admission, so two simultaneous
// fires of a skip-policy job can never both pass. Manual triggers bypass
// overlap policy entirely.
func (c *Controller) runJob(job store.Job, trigger string) (executor.Result, error) {
	c.mu.Lock()
	if trigger == store.TriggerSchedule && c.running[job.ID] && job.OverlapPolicy != store.OverlapAllow {
		c.mu.Unlock()
		if job.OverlapPolicy == store.OverlapQueue {
			// Accepted in the schema but not yet queued; behaves as skip.
			slog.Info("overlapping fire dropped (queue policy pending)", "job", job.ID)
		} else {
			slog.Info("overlapping fire skipped", "job", job.ID)
		}
		return executor.Result{}, fmt.Errorf("job %s: %w", job.ID, errOverlapSkipped)
	}
	if len(c.running) >= c.opts.MaxConcurrency {
		c.mu.Unlock()
		slog.Warn("run rejected", "job", job.ID, "maxConcurrency", c.opts.MaxConcurrency)
		return executor.Result{}, fmt.Errorf("job %s: %w", job.ID, ErrBackpressure)
	}
	c.running[job.ID] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.running, job.ID)
		c.mu.Unlock()
	}()

	runID, err := c.store.OpenRun(job.ID, trigger)
	if err != nil {
		return executor.Result{}, fmt.Errorf("open run for %s: %w", job.ID, err)
	}

	slog.Info("job started", "job", job.ID, "run", runID, "type", job.Type, "trigger", trigger)
	result := c.execute(job, runID)

	if err := c.store.CloseRun(runID, store.RunClose{
		Status:     result.Status,
		DurationMS: result.DurationMS,
		ExitCode:   result.ExitCode,
		Tokens:     result.Tokens,
		ResultMeta: result.ResultMeta,
		Error:      result.Error,
		StdoutTail: result.StdoutTail,
		StderrTail: result.StderrTail,
	}); err != nil {
		slog.Error("close run failed", "job", job.ID, "run", runID, "error", err)
	}

	slog.Info("job finished", "job", job.ID, "run", runID, "status", result.Status, "durationMs", result.DurationMS)
	c.notify(job, result)
	return result, nil
}

// execute dispatches by job type.
func (c *Controller) execute(job store.Job, runID int64) executor.Result {
	switch job.Type {
	case store.JobTypeSession:
		var timeoutMS int64
		if job.TimeoutMS != nil {
			timeoutMS = *job.TimeoutMS
		}
		return executor.RunSession(context.Background(), executor.SessionInput{
			Script:    job.Script,
			JobID:     job.ID,
			TimeoutMS: timeoutMS,
			Client:    c.gateway,
		})
	default:
		var timeoutMS int64
		if job.TimeoutMS != nil {
			timeoutMS = *job.TimeoutMS
		}
		return executor.RunScript(executor.ScriptInput{
			Script:    job.Script,
			DBPath:    c.store.Path(),
			JobID:     job.ID,
			RunID:     runID,
			TimeoutMS: timeoutMS,
		}, c.opts.CommandResolver)
	}
}

// notify dispatches the outcome notification. Failures are logged and
// never affect the run result.
func (c *Controller) notify(job store.Job, result executor.Result) {
	if c.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if result.Status == executor.StatusOK {
		channel := c.opts.DefaultOnSuccess
		if job.NotifyOnSuccess != nil {
			channel = *job.NotifyOnSuccess
		}
		if channel == "" {
			return
		}
		if err := c.notifier.NotifySuccess(ctx, job.Name, result.DurationMS, channel); err != nil {
			slog.Warn("success notification failed", "job", job.ID, "error", err)
		}
		return
	}

	channel := c.opts.DefaultOnFailure
	if job.NotifyOnFailure != nil {
		channel = *job.NotifyOnFailure
	}
	if channel == "" {
		return
	}
	if err := c.notifier.NotifyFailure(ctx, job.Name, result.DurationMS, result.Error, channel); err != nil {
		slog.Warn("failure notification failed", "job", job.ID, "error", err)
	}
}
