package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_backend_calls_total",
			Help: "Total number of checkout backend calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	backendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "checkout_backend_call_duration_seconds",
			Help:    "Checkout backend call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
