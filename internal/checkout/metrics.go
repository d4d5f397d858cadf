package checkout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_state_transitions_total",
			Help: "Total number of checkout state transitions.",
		},
		[]string{"from", "to"},
	)

	rejectedTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_rejected_transitions_total",
			Help: "Total number of transitions refused by the transition table.",
		},
		[]string{"from", "to"},
	)

	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_polls_total",
			Help: "Total number of payment process polls by result.",
		},
		[]string{"result"},
	)

	staleResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkout_stale_results_total",
			Help: "Total number of backend results dropped because their session was cancelled.",
		},
	)
)
