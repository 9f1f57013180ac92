package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts lifecycle transitions by target stage and outcome.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labcore",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Lifecycle transition attempts by target stage and outcome",
		},
		[]string{"to_stage", "outcome"},
	)

	// OverridesTotal counts transitions forced outside the successor table.
	OverridesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "labcore",
			Subsystem: "lifecycle",
			Name:      "overrides_total",
			Help:      "Transitions applied with a supervisor override",
		},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labcore",
			Subsystem: "allocation",
			Name:      "claims_total",
			Help:      "Slot claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	ClaimsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "labcore",
			Subsystem: "allocation",
			Name:      "claims_swept_total",
			Help:      "Expired claims cleared by the sweeper",
		},
	)

	SyncMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labcore",
			Subsystem: "sync",
			Name:      "mutations_total",
			Help:      "Queued mutations by outcome (enqueued, duplicate, applied, conflict)",
		},
		[]string{"outcome"},
	)

	SyncDrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "labcore",
			Subsystem: "sync",
			Name:      "drain_duration_seconds",
			Help:      "Time spent draining one client session",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labcore",
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Conflict records created by reason",
		},
		[]string{"reason"},
	)

	ConflictResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labcore",
			Subsystem: "conflict",
			Name:      "resolutions_total",
			Help:      "Operator resolutions by outcome",
		},
		[]string{"resolution"},
	)
)

// RecordTransition records the outcome of a transition attempt.
func RecordTransition(toStage, outcome string, override bool) {
	TransitionsTotal.WithLabelValues(toStage, outcome).Inc()
	if override && outcome == "ok" {
		OverridesTotal.Inc()
	}
}

// RecordClaim records the outcome of a claim attempt.
func RecordClaim(outcome string) {
	ClaimsTotal.WithLabelValues(outcome).Inc()
}

// RecordSwept adds n swept claims.
func RecordSwept(n int) {
	if n > 0 {
		ClaimsSwept.Add(float64(n))
	}
}

// RecordMutation records a ledger or drain outcome.
func RecordMutation(outcome string) {
	SyncMutationsTotal.WithLabelValues(outcome).Inc()
}

// RecordDrain observes the duration of one session drain.
func RecordDrain(d time.Duration) {
	SyncDrainDuration.Observe(d.Seconds())
}

// RecordConflict records a conflict record created for reason.
func RecordConflict(reason string) {
	ConflictsTotal.WithLabelValues(reason).Inc()
	SyncMutationsTotal.WithLabelValues("conflict").Inc()
}

// RecordResolution records an operator resolution.
func RecordResolution(resolution string) {
	ConflictResolutions.WithLabelValues(resolution).Inc()
}
