package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeAccepted labels submissions written to the store.
	OutcomeAccepted = "accepted"
	// OutcomeDuplicate labels submissions rejected by first-submission-wins.
	OutcomeDuplicate = "duplicate"
	// OutcomeRejected labels submissions failing validation or state checks.
	OutcomeRejected = "rejected"
	// OutcomeError labels submissions failing on store or dependency errors.
	OutcomeError = "error"
)

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delphi",
			Name:      "submissions_total",
			Help:      "Total number of response submissions handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	aggregationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "delphi",
			Name:      "aggregation_seconds",
			Help:      "Round aggregation latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	roundsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delphi",
			Name:      "rounds_closed_total",
			Help:      "Rounds closed, partitioned by the decision that followed.",
		},
		[]string{"decision"},
	)

	broadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "delphi",
			Name:      "broadcasts_total",
			Help:      "Realtime aggregate snapshots published to subscribers.",
		},
	)

	broadcastsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "delphi",
			Name:      "broadcasts_dropped_total",
			Help:      "Stale snapshots displaced before a subscriber read them.",
		},
	)
)

// Register attaches delphi-engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		submissionsTotal,
		aggregationSeconds,
		roundsClosedTotal,
		broadcastsTotal,
		broadcastsDroppedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveSubmission records one handled submission under its outcome label.
func ObserveSubmission(outcome string) {
	switch outcome {
	case OutcomeAccepted, OutcomeDuplicate, OutcomeRejected, OutcomeError:
	default:
		outcome = OutcomeError
	}
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAggregation records how long a round's aggregation pass took.
func ObserveAggregation(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	aggregationSeconds.Observe(duration.Seconds())
}

// ObserveRoundClosed records a closed round with the decision that followed,
// either a stop reason or "continue".
func ObserveRoundClosed(decision string) {
	if decision == "" {
		decision = "continue"
	}
	roundsClosedTotal.WithLabelValues(decision).Inc()
}

// ObserveBroadcast records one published realtime snapshot.
func ObserveBroadcast() { broadcastsTotal.Inc() }

// ObserveBroadcastDropped records a snapshot displaced before delivery.
func ObserveBroadcastDropped() { broadcastsDroppedTotal.Inc() }
