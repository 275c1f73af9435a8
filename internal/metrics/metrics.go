package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatches counts endpoint invocations by kind and outcome
	// (sent|unauthenticated|invalid_argument|not_found|internal).
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_notifier_dispatches_total",
			Help: "Total number of notification dispatch attempts",
		},
		[]string{"kind", "result"},
	)

	// SweepRuns counts retention sweeps by result (success|failure).
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_notifier_sweep_runs_total",
			Help: "Total number of stale token sweeps",
		},
		[]string{"result"},
	)

	// TokensSwept counts device registrations removed by the sweeper.
	TokensSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transit_notifier_tokens_swept_total",
			Help: "Total number of stale device tokens deleted",
		},
	)
)
