// Package metrics registers the Prometheus collectors for lease signing,
// payments, activation and the periodic sweep.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignaturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentflow_signatures_total",
			Help: "Signature attempts by signer role and outcome",
		},
		[]string{"role", "outcome"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentflow_transfers_total",
			Help: "Payment transfer submissions by outcome",
		},
		[]string{"outcome"},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentflow_settlements_total",
			Help: "Settlement polls by resulting state",
		},
		[]string{"state"},
	)

	ActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentflow_activations_total",
			Help: "Activation attempts by outcome",
		},
		[]string{"outcome"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentflow_sweep_duration_seconds",
			Help:    "Duration of each sweep step",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"step"},
	)
)

// Handler Prometheus抓取端点
func Handler() http.Handler {
	return promhttp.Handler()
}
