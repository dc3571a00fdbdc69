// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// Batch runs are too short-lived to scrape, so collectors accumulate in a
// private registry and Flush pushes the whole registry to a Pushgateway
// under one job grouping. All Prometheus-specific dependencies stay inside
// this package; the engines only ever see metrics.Backend.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"writepath/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	stageCounter  *prometheus.CounterVec // writepath_stage_total
	stageDuration *prometheus.SummaryVec // writepath_stage_duration_seconds

	rowCounter     *prometheus.CounterVec // writepath_rows_total
	chunkCounter   prometheus.Counter     // writepath_chunks_total
	removedCounter *prometheus.CounterVec // writepath_removed_columns_total
}

// NewBackend constructs a Pushgateway backend. jobName defaults to
// "writepath"; gatewayURL is required.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "writepath"
	}

	reg := prometheus.NewRegistry()

	stageCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "writepath_stage_total",
			Help: "Write-path stage executions, partitioned by stage and status.",
		},
		[]string{"stage", "status"},
	)
	stageDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "writepath_stage_duration_seconds",
			Help:       "Write-path stage durations in seconds, partitioned by stage and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"stage", "status"},
	)
	rowCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "writepath_rows_total",
			Help: "Row-level counts per kind (load_inserted, backfill_skipped, etc.).",
		},
		[]string{"kind"},
	)
	chunkCounter := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "writepath_chunks_total",
			Help: "Statement chunks written by the loader.",
		},
	)
	removedCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "writepath_removed_columns_total",
			Help: "Record keys dropped by projection because the target table has no such column.",
		},
		[]string{"table"},
	)

	for _, c := range []prometheus.Collector{stageCounter, stageDuration, rowCounter, chunkCounter, removedCounter} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register collector: %w", err)
		}
	}

	return &Backend{
		gatewayURL:     gatewayURL,
		jobName:        jobName,
		reg:            reg,
		stageCounter:   stageCounter,
		stageDuration:  stageDuration,
		rowCounter:     rowCounter,
		chunkCounter:   chunkCounter,
		removedCounter: removedCounter,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case "writepath_stage_total":
		if b.stageCounter == nil {
			return
		}
		b.stageCounter.WithLabelValues(labels["stage"], labels["status"]).Add(delta)

	case "writepath_rows_total":
		if b.rowCounter == nil {
			return
		}
		b.rowCounter.WithLabelValues(labels["kind"]).Add(delta)

	case "writepath_chunks_total":
		if b.chunkCounter == nil {
			return
		}
		b.chunkCounter.Add(delta)

	case "writepath_removed_columns_total":
		if b.removedCounter == nil {
			return
		}
		b.removedCounter.WithLabelValues(labels["table"]).Add(delta)
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != "writepath_stage_duration_seconds" || b.stageDuration == nil {
		return
	}
	b.stageDuration.WithLabelValues(labels["stage"], labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}

var _ metrics.Backend = (*Backend)(nil)
var _ metrics.Flusher = (*Backend)(nil)
