package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_shopping_contexts_active",
		Help: "Number of shopping contexts currently held in memory.",
	})

	evictedContextsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_shopping_contexts_evicted_total",
		Help: "Total number of idle shopping contexts evicted.",
	})
)
