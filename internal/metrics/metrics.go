// Package metrics records pipeline counters and timings against a pluggable
// backend.
//
// Backends live in subpackages (prompush, datadog) so the pipeline only
// depends on the Backend interface. The zero Recorder and a nil Backend are
// both no-ops.
package metrics

import (
	"strconv"
	"time"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it.
	Flush() error
}

// Metric names.
const (
	StageTotal           = "lakehouse_stage_total"
	StageDurationSeconds = "lakehouse_stage_duration_seconds"
	RowsTotal            = "lakehouse_rows_total"
	MergeRowsTotal       = "lakehouse_merge_rows_total"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }

// Recorder translates pipeline events into backend calls.
type Recorder struct {
	backend Backend
}

// NewRecorder wraps b. A nil b records nothing.
func NewRecorder(b Backend) *Recorder {
	if b == nil {
		b = Nop{}
	}
	return &Recorder{backend: b}
}

func (r *Recorder) b() Backend {
	if r == nil || r.backend == nil {
		return Nop{}
	}
	return r.backend
}

// RecordStage counts one stage execution and observes its duration.
func (r *Recorder) RecordStage(entity, stage string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{"entity": entity, "stage": stage, "status": status}
	r.b().IncCounter(StageTotal, 1, lbls)
	r.b().ObserveHistogram(StageDurationSeconds, d.Seconds(), lbls)
}

// RecordRows counts rows of a kind (in, out, excluded, duplicates, flagged)
// handled by a stage. Non-positive deltas are ignored.
func (r *Recorder) RecordRows(entity, stage, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	r.b().IncCounter(RowsTotal, float64(delta), Labels{"entity": entity, "stage": stage, "kind": kind})
}

// RecordMerge counts the rows a merge inserted and updated.
func (r *Recorder) RecordMerge(table string, inserted, updated int64, committed bool) {
	lbls := func(kind string) Labels {
		return Labels{"table": table, "kind": kind, "committed": strconv.FormatBool(committed)}
	}
	if inserted > 0 {
		r.b().IncCounter(MergeRowsTotal, float64(inserted), lbls("inserted"))
	}
	if updated > 0 {
		r.b().IncCounter(MergeRowsTotal, float64(updated), lbls("updated"))
	}
}

// Flush delegates to the backend.
func (r *Recorder) Flush() error {
	return r.b().Flush()
}
