// Package metrics provides Prometheus metrics for solvepad: lease and
// pool health, per-question outcomes, batch latency, and progress-channel
// delivery.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Key Pool ───────────────────────────────────────────────────────────────

// PoolLeases counts leases granted per provider.
var PoolLeases = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "solvepad",
	Name:      "pool_leases_total",
	Help:      "Total leases granted per provider.",
}, []string{"provider"})

// LeaseOutcomes counts lease releases per provider and outcome.
var LeaseOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "solvepad",
	Name:      "pool_lease_outcomes_total",
	Help:      "Total lease releases by outcome.",
}, []string{"provider", "outcome"})

// PoolAvailable tracks keys currently eligible for acquisition.
var PoolAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "solvepad",
	Name:      "pool_keys_available",
	Help:      "Keys currently eligible for acquisition per provider.",
}, []string{"provider"})

// ─── Provider Calls ─────────────────────────────────────────────────────────

// ProviderLatency tracks provider call duration in seconds.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "solvepad",
	Name:      "provider_call_seconds",
	Help:      "Provider call duration in seconds.",
	Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 45, 60},
}, []string{"provider"})

// ─── Batches ────────────────────────────────────────────────────────────────

// QuestionsSolved counts questions solved across all batches.
var QuestionsSolved = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "solvepad",
	Name:      "questions_solved_total",
	Help:      "Total questions solved.",
})

// QuestionsFailed counts questions that exhausted every provider.
var QuestionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "solvepad",
	Name:      "questions_failed_total",
	Help:      "Total questions failed, by reason.",
}, []string{"reason"})

// BatchesActive tracks batches currently being dispatched.
var BatchesActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "solvepad",
	Name:      "batches_active",
	Help:      "Batches currently being dispatched.",
})

// BatchDuration tracks end-to-end batch wall time.
var BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "solvepad",
	Name:      "batch_duration_seconds",
	Help:      "Batch wall time from dispatch to terminal state.",
	Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
})

// ─── Progress Channel ───────────────────────────────────────────────────────

// ProgressEvents counts events published to the hub.
var ProgressEvents = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "solvepad",
	Name:      "progress_events_total",
	Help:      "Total progress events published.",
})

// ProgressDropped counts subscribers dropped for falling behind.
var ProgressDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "solvepad",
	Name:      "progress_subscribers_dropped_total",
	Help:      "Subscribers dropped because their buffer filled.",
})
