// Package maintenance runs the periodic retention sweeps: old runs,
// expired state rows, and completed queue items past their per-queue
// retention. Sweeps run immediately on start and then on every tick.
package maintenance

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/jobrunner/internal/queue"
	"github.com/nextlevelbuilder/jobrunner/internal/state"
	"github.com/nextlevelbuilder/jobrunner/internal/store"
)

// Options configure the controller.
type Options struct {
	IntervalMS       int64
	RunRetentionDays int
}

// Controller owns the sweep loop.
type Controller struct {
	store  *store.Store
	states *state.Engine
	queues *queue.Engine
	opts   Options

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// New creates a maintenance controller.
func New(s *store.Store, states *state.Engine, queues *queue.Engine, opts Options) *Controller {
	if opts.IntervalMS <= 0 {
		opts.IntervalMS = 3_600_000
	}
	if opts.RunRetentionDays <= 0 {
		opts.RunRetentionDays = 30
	}
	return &Controller{store: s, states: states, queues: queues, opts: opts}
}

// Start sweeps once and begins the periodic loop.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.stop = make(chan struct{})
	c.running = true

	go c.loop(c.stop)
	slog.Info("maintenance started", "intervalMs", c.opts.IntervalMS, "runRetentionDays", c.opts.RunRetentionDays)
}

// Stop halts the loop.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	close(c.stop)
	c.running = false
	slog.Info("maintenance stopped")
}

func (c *Controller) loop(stop chan struct{}) {
	c.RunNow()

	ticker := time.NewTicker(time.Duration(c.opts.IntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.RunNow()
		}
	}
}

// RunNow executes all three sweeps. IO faults are logged; the next tick
// tries again.
func (c *Controller) RunNow() {
	cutoff := time.Now().AddDate(0, 0, -c.opts.RunRetentionDays).UnixMilli()
	if n, err := c.store.PruneRuns(cutoff); err != nil {
		slog.Error("run retention sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("old runs pruned", "count", n)
	}

	if n, err := c.states.ExpireSweep(); err != nil {
		slog.Error("state expiry sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("expired state rows deleted", "count", n)
	}

	if n, err := c.queues.RetentionSweep(); err != nil {
		slog.Error("queue retention sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("finished queue items pruned", "count", n)
	}
}
