package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docscan_gate_operations_total",
			Help: "Total number of gated scanner operations",
		},
		[]string{"gate", "op", "outcome"}, // outcome: success, error, precondition
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docscan_gate_operation_duration_seconds",
			Help:    "Duration of gated scanner operations in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"gate", "op"},
	)

	busyGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docscan_gate_busy",
			Help: "Whether the gate is currently engaged (1) or idle (0)",
		},
		[]string{"gate"},
	)

	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docscan_gate_rejected_total",
			Help: "Triggers rejected because another operation was running",
		},
		[]string{"gate", "op"},
	)
)
