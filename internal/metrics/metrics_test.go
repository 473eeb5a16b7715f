package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type call struct {
	name   string
	value  float64
	labels Labels
}

type fakeBackend struct {
	counters   []call
	histograms []call
	flushed    int
}

func (f *fakeBackend) IncCounter(name string, delta float64, labels Labels) {
	f.counters = append(f.counters, call{name, delta, labels})
}

func (f *fakeBackend) ObserveHistogram(name string, value float64, labels Labels) {
	f.histograms = append(f.histograms, call{name, value, labels})
}

func (f *fakeBackend) Flush() error {
	f.flushed++
	return nil
}

func TestRecorder_RecordStage(t *testing.T) {
	fb := &fakeBackend{}
	r := NewRecorder(fb)

	r.RecordStage("orders", "clean", nil, 1500*time.Millisecond)
	r.RecordStage("orders", "merge", errors.New("boom"), time.Second)

	assert.Len(t, fb.counters, 2)
	assert.Equal(t, Labels{"entity": "orders", "stage": "clean", "status": "success"}, fb.counters[0].labels)
	assert.Equal(t, "failure", fb.counters[1].labels["status"])
	assert.Equal(t, StageDurationSeconds, fb.histograms[0].name)
	assert.Equal(t, 1.5, fb.histograms[0].value)
}

func TestRecorder_RowsAndMerges(t *testing.T) {
	fb := &fakeBackend{}
	r := NewRecorder(fb)

	r.RecordRows("customers", "clean", "excluded", 0)
	r.RecordRows("customers", "clean", "excluded", 3)
	r.RecordMerge("gold.dim_customer", 2, 0, true)

	assert.Len(t, fb.counters, 2)
	assert.Equal(t, 3.0, fb.counters[0].value)
	assert.Equal(t, Labels{"table": "gold.dim_customer", "kind": "inserted", "committed": "true"}, fb.counters[1].labels)

	assert.NoError(t, r.Flush())
	assert.Equal(t, 1, fb.flushed)
}

func TestRecorder_NilIsSafe(t *testing.T) {
	var r *Recorder
	r.RecordStage("orders", "read", nil, time.Second)
	r.RecordRows("orders", "read", "in", 1)
	assert.NoError(t, r.Flush())
	assert.NoError(t, NewRecorder(nil).Flush())
}
