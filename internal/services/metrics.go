package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the market counters exported at /metrics.
type Metrics struct {
	Operations *prometheus.CounterVec
	Proofs     *prometheus.CounterVec
	Payouts    *prometheus.CounterVec
	Placed     prometheus.Counter
	Forfeited  prometheus.Counter
}

// NewMetrics registers the market metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "operations_total",
			Help:      "Order and registry operations by kind and result.",
		}, []string{"op", "result"}),
		Proofs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "proofs_total",
			Help:      "Submitted storage proofs by outcome.",
		}, []string{"outcome"}),
		Payouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "payout_amount_total",
			Help:      "Amount paid out of orders by payout kind.",
		}, []string{"kind"}),
		Placed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "orders_placed_total",
			Help:      "Storage orders placed.",
		}),
		Forfeited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "market",
			Name:      "forfeited_amount_total",
			Help:      "Reward forfeited to the undistributed pool by late proofs and unregistrations.",
		}),
	}
}

// Proof outcomes.
const (
	ProofOnTime  = "on_time"
	ProofLate    = "late"
	ProofInvalid = "invalid"
)

func (m *Metrics) op(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(kind, result).Inc()
}
