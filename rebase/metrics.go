package rebase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rebase outcomes.
const (
	OutcomeApplied    = "applied"
	OutcomeUnchanged  = "unchanged"
	OutcomeConflicted = "conflicted"
	OutcomeFailed     = "failed"
)

var (
	rebasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kaigraph_rebase_total",
		Help: "Rebases by outcome",
	}, []string{"outcome"})

	rebaseUpdates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kaigraph_rebase_updates",
		Help:    "Number of updates replayed per rebase",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	rebaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kaigraph_rebase_duration_seconds",
		Help:    "Rebase duration in seconds by outcome",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"outcome"})
)
