package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the orchestrator.
type Metrics struct {
	JobsClaimedTotal  *prometheus.CounterVec
	JobsFinishedTotal *prometheus.CounterVec
	StagesTotal       *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	TasksDispatched   *prometheus.CounterVec
}

// NewMetrics creates and registers the orchestrator metrics.
//
// Uses sync.Once so repeated construction (one executor plus one loop
// per process, or tests) never trips duplicate-registration panics.
//
// Metrics:
//   - forged_jobs_claimed_total{from_status} - jobs claimed off the queue
//   - forged_jobs_finished_total{outcome} - pipeline outcomes (parked/completed/failed)
//   - forged_stages_total{stage,outcome} - per-stage completions and failures
//   - forged_stage_duration_seconds{stage} - stage wall time including the result wait
//   - forged_tasks_dispatched_total{agent} - task descriptors sent to workers
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			JobsClaimedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forged_jobs_claimed_total",
					Help: "Total number of jobs claimed from the queue",
				},
				[]string{"from_status"},
			),

			JobsFinishedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forged_jobs_finished_total",
					Help: "Total number of pipeline runs by outcome",
				},
				[]string{"outcome"}, // "parked", "completed", "failed", "abandoned"
			),

			StagesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forged_stages_total",
					Help: "Total number of stage executions by outcome",
				},
				[]string{"stage", "outcome"}, // outcome: "completed" or "failed"
			),

			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "forged_stage_duration_seconds",
					Help:    "Stage execution wall time in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~13m
				},
				[]string{"stage"},
			),

			TasksDispatched: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forged_tasks_dispatched_total",
					Help: "Total number of task descriptors dispatched to workers",
				},
				[]string{"agent"},
			),
		}
	})
	return globalMetrics
}
