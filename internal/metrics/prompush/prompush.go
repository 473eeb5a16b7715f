// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package. Collected metrics are pushed on Flush rather than
// scraped.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/fmcg/lakehouse/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string
	jobName    string
	reg        *prometheus.Registry

	stageCounter  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	rowCounter    *prometheus.CounterVec
	mergeCounter  *prometheus.CounterVec
}

// NewBackend constructs a Pushgateway backend. jobName defaults to
// "lakehouse".
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "lakehouse"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		stageCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StageTotal,
			Help: "Pipeline stage executions by entity, stage and status.",
		}, []string{"entity", "stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StageDurationSeconds,
			Help:    "Pipeline stage duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"entity", "stage", "status"}),
		rowCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Rows handled per entity, stage and kind.",
		}, []string{"entity", "stage", "kind"}),
		mergeCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.MergeRowsTotal,
			Help: "Rows inserted or updated by gold merges.",
		}, []string{"table", "kind", "committed"}),
	}
	for _, c := range []prometheus.Collector{b.stageCounter, b.stageDuration, b.rowCounter, b.mergeCounter} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register collector: %w", err)
		}
	}
	return b, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StageTotal:
		b.stageCounter.WithLabelValues(labels["entity"], labels["stage"], labels["status"]).Add(delta)
	case metrics.RowsTotal:
		b.rowCounter.WithLabelValues(labels["entity"], labels["stage"], labels["kind"]).Add(delta)
	case metrics.MergeRowsTotal:
		b.mergeCounter.WithLabelValues(labels["table"], labels["kind"], labels["committed"]).Add(delta)
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StageDurationSeconds {
		return
	}
	b.stageDuration.WithLabelValues(labels["entity"], labels["stage"], labels["status"]).Observe(value)
}

// Flush pushes the registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).Gatherer(b.reg).Push()
}
