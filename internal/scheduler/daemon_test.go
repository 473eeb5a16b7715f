package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmcg/lakehouse/internal/checkpoint"
	"github.com/fmcg/lakehouse/internal/pipeline"
	"github.com/fmcg/lakehouse/internal/tablestore"
	"github.com/fmcg/lakehouse/pkg/types"
)

type fakeRunner struct {
	runs    atomic.Int32
	vacuums atomic.Int32
	err     error
	modes   []types.RunMode
	mu      sync.Mutex
}

func (f *fakeRunner) RunAll(ctx context.Context, mode types.RunMode) ([]*pipeline.Report, error) {
	f.runs.Add(1)
	f.mu.Lock()
	f.modes = append(f.modes, mode)
	f.mu.Unlock()
	return []*pipeline.Report{
		{Entity: "customers", Checkpoint: &checkpoint.Checkpoint{Entity: "customers", Version: 1}},
		nil,
	}, f.err
}

func (f *fakeRunner) VacuumAll(ctx context.Context) ([]*tablestore.VacuumResult, error) {
	f.vacuums.Add(1)
	return []*tablestore.VacuumResult{{Table: "bronze.customers"}}, nil
}

type fakeTracker struct {
	closed   bool
	inFlight int
}

func (f *fakeTracker) Track() bool {
	if f.closed {
		return false
	}
	f.inFlight++
	return true
}

func (f *fakeTracker) Untrack() { f.inFlight-- }

func TestRunOnce_RunsIncrementalAndVacuums(t *testing.T) {
	runner := &fakeRunner{err: errors.New("orders failed")}
	tracker := &fakeTracker{}
	d := NewDaemon(Config{Interval: time.Hour, Vacuum: true}, runner, tracker, nil)

	c := d.RunOnce(context.Background())
	assert.False(t, c.Skipped)
	assert.Error(t, c.Err)
	assert.Len(t, c.Reports, 2)
	assert.Len(t, c.Vacuumed, 1)
	assert.Equal(t, []types.RunMode{types.RunIncremental}, runner.modes)
	assert.Equal(t, 0, tracker.inFlight)
}

func TestRunOnce_SkipsDuringShutdown(t *testing.T) {
	runner := &fakeRunner{}
	d := NewDaemon(Config{}, runner, &fakeTracker{closed: true}, nil)

	c := d.RunOnce(context.Background())
	assert.True(t, c.Skipped)
	assert.Equal(t, int32(0), runner.runs.Load())
}

func TestDaemon_StartRunsImmediatelyAndStops(t *testing.T) {
	runner := &fakeRunner{}
	d := NewDaemon(Config{Interval: 20 * time.Millisecond}, runner, nil, nil)
	cycles := make(chan Cycle, 16)
	d.OnCycle(func(c Cycle) {
		select {
		case cycles <- c:
		default:
		}
	})

	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()))

	for i := 0; i < 2; i++ {
		select {
		case c := <-cycles:
			assert.NoError(t, c.Err)
		case <-time.After(2 * time.Second):
			t.Fatal("no cycle ran")
		}
	}
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	assert.GreaterOrEqual(t, runner.runs.Load(), int32(2))
	assert.Equal(t, int32(0), runner.vacuums.Load())
}
