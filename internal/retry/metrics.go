package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retry_queue_enqueued_total",
			Help: "Total number of carts saved for a later resend.",
		},
	)

	flushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_queue_flushes_total",
			Help: "Total number of flush passes by result.",
		},
		[]string{"result"},
	)

	resendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_queue_resends_total",
			Help: "Total number of saved cart resends by outcome.",
		},
		[]string{"outcome"},
	)

	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retry_queue_size",
			Help: "Number of saved carts waiting for a resend.",
		},
		[]string{"project"},
	)
)
