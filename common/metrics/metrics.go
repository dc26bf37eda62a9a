// Package metrics holds the Prometheus collectors shared by the engines and the daemon.
// Collectors register on the default registry and are served by telemetry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts finished cycles by terminal status
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pevr_cycles_total",
		Help: "Total PEVR cycles by terminal status",
	}, []string{"status"})

	// PhaseDuration tracks how long each phase takes
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pevr_phase_duration_seconds",
		Help:    "Phase duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"phase"})

	// DiffsApplied counts diffs written to disk by operation and result
	DiffsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pevr_diffs_applied_total",
		Help: "Diffs applied by operation and result",
	}, []string{"operation", "result"})

	// Rollbacks counts batch rollbacks by result
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pevr_rollbacks_total",
		Help: "Batch rollbacks by result",
	}, []string{"result"})

	// GenerationRequests counts model calls by status
	GenerationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pevr_generation_requests_total",
		Help: "Generation requests by status (ok, rate_limited, error)",
	}, []string{"status"})

	// GenerationTokens counts tokens by direction
	GenerationTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pevr_generation_tokens_total",
		Help: "Generation tokens by direction (input, output)",
	}, []string{"direction"})

	// VerificationRuns counts verification reports by outcome
	VerificationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pevr_verification_runs_total",
		Help: "Verification runs by outcome (passed, failed)",
	}, []string{"outcome"})

	// BackupsPruned counts backup snapshots removed by retention
	BackupsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pevr_backups_pruned_total",
		Help: "Backup snapshots removed by retention",
	})
)

// ObservePhase records the duration of a phase that started at start
func ObservePhase(phase string, start time.Time) {
	PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// Outcome maps a bool to the passed/failed label
func Outcome(ok bool) string {
	if ok {
		return "passed"
	}
	return "failed"
}
