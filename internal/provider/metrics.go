package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calsync",
			Name:      "provider_calls_total",
			Help:      "Provider operations by final outcome.",
		},
		[]string{"provider", "op", "outcome"},
	)

	retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calsync",
			Name:      "provider_retries_total",
			Help:      "Provider call retries by reason.",
		},
		[]string{"provider", "reason"},
	)
)
