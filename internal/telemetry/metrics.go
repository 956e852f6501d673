// Package telemetry exposes Prometheus collectors for the pipeline.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digestry_jobs_total",
			Help: "Total number of jobs reaching a terminal state, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "digestry_stage_duration_seconds",
			Help:    "Histogram of stage execution latencies, labeled by stage.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		},
		[]string{"stage"},
	)

	rotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "digestry_identity_rotations_total",
			Help: "Total identity rotations requested by the pool.",
		},
	)

	cooldownOverridesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "digestry_identity_cooldown_overrides_total",
			Help: "Acquires that proceeded after exhausting the rotation attempt budget.",
		},
	)

	leasesHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "digestry_identity_leases_held",
			Help: "Identity leases currently checked out.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "digestry_active_workers",
			Help: "Workers currently executing a job pipeline.",
		},
	)

	retryResubmissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "digestry_retry_resubmissions_total",
			Help: "Jobs resubmitted by the retry scheduler.",
		},
	)
)

// IncJob counts one terminal job by outcome ("completed", "failed_retryable",
// "failed_permanent").
func IncJob(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records one stage execution duration.
func ObserveStage(stage string, d time.Duration) {
	stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// IncRotations counts one identity rotation.
func IncRotations() {
	rotationsTotal.Inc()
}

// IncCooldownOverrides counts one acquire that exhausted its rotation budget.
func IncCooldownOverrides() {
	cooldownOverridesTotal.Inc()
}

// SetLeasesHeld records the number of currently held leases.
func SetLeasesHeld(n int) {
	leasesHeld.Set(float64(n))
}

// IncActiveWorkers marks one worker busy.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers marks one worker idle.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// AddRetryResubmissions counts jobs resubmitted by the scheduler.
func AddRetryResubmissions(n int) {
	retryResubmissionsTotal.Add(float64(n))
}
