// Package scheduler runs incremental pipeline cycles on an interval.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fmcg/lakehouse/internal/pipeline"
	"github.com/fmcg/lakehouse/internal/tablestore"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Runner executes pipeline runs for every configured entity.
type Runner interface {
	RunAll(ctx context.Context, mode types.RunMode) ([]*pipeline.Report, error)
	VacuumAll(ctx context.Context) ([]*tablestore.VacuumResult, error)
}

// Tracker lets a shutdown wait for a cycle in progress.
type Tracker interface {
	Track() bool
	Untrack()
}

// Config holds configuration for the scheduler daemon.
type Config struct {
	// Interval is the time between cycles.
	Interval time.Duration

	// Vacuum expires table history after every cycle.
	Vacuum bool
}

// Daemon runs a cycle immediately on start and then once per interval.
type Daemon struct {
	config  Config
	runner  Runner
	tracker Tracker
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	onCycle func(Cycle)
}

// Cycle summarizes one scheduled cycle.
type Cycle struct {
	Started  time.Time
	Reports  []*pipeline.Report
	Err      error
	Vacuumed []*tablestore.VacuumResult
	// Skipped is set when shutdown was in progress.
	Skipped bool
}

// NewDaemon creates a scheduler daemon. tracker may be nil.
func NewDaemon(config Config, runner Runner, tracker Tracker, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Minute
	}
	return &Daemon{
		config:  config,
		runner:  runner,
		tracker: tracker,
		logger:  logger.With("component", "scheduler"),
	}
}

// OnCycle registers fn to receive every completed cycle. It must be called
// before Start.
func (d *Daemon) OnCycle(fn func(Cycle)) {
	d.onCycle = fn
}

// Start begins the cycle loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("scheduler: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop cancels the loop and waits for the current cycle to end.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	d.RunOnce(ctx)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce runs every entity incrementally and then vacuums if configured.
// Entity failures are logged; the next cycle retries them.
func (d *Daemon) RunOnce(ctx context.Context) Cycle {
	c := Cycle{Started: time.Now()}
	defer func() {
		if d.onCycle != nil {
			d.onCycle(c)
		}
	}()

	if ctx.Err() != nil {
		c.Skipped = true
		return c
	}
	if d.tracker != nil {
		if !d.tracker.Track() {
			c.Skipped = true
			return c
		}
		defer d.tracker.Untrack()
	}

	c.Reports, c.Err = d.runner.RunAll(ctx, types.RunIncremental)
	failed := 0
	for _, rep := range c.Reports {
		if rep == nil || rep.Checkpoint == nil {
			failed++
		}
	}
	if c.Err != nil {
		d.logger.Error("scheduled cycle had failures", "entities", len(c.Reports), "failed", failed, "error", c.Err)
	} else {
		d.logger.Info("scheduled cycle finished", "entities", len(c.Reports), "duration", time.Since(c.Started))
	}

	if !d.config.Vacuum || ctx.Err() != nil {
		return c
	}
	vacuumed, err := d.runner.VacuumAll(ctx)
	if err != nil {
		d.logger.Error("scheduled vacuum failed", "error", err)
	}
	c.Vacuumed = vacuumed
	return c
}
