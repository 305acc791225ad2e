package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calsync",
			Name:      "sync_passes_total",
			Help:      "Bidirectional sync passes by outcome.",
		},
		[]string{"provider", "outcome"},
	)

	conflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calsync",
			Name:      "sync_conflicts_total",
			Help:      "Conflicts detected by committed sync passes.",
		},
		[]string{"provider"},
	)
)
