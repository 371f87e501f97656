package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the trading counters exposed on /metrics.
type Metrics struct {
	OrdersPlaced    *prometheus.CounterVec // labels: market, kind (limit/market)
	OrdersCancelled *prometheus.CounterVec // labels: market
	FillVolume      *prometheus.CounterVec // labels: market
	Liquidations    *prometheus.CounterVec // labels: market, kind (partial/full)
	ClaimPayouts    *prometheus.CounterVec // labels: market
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpcore",
			Name:      "orders_placed_total",
			Help:      "Orders accepted by the matching engine.",
		}, []string{"market", "kind"}),
		OrdersCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpcore",
			Name:      "orders_cancelled_total",
			Help:      "Limit orders cancelled.",
		}, []string{"market"}),
		FillVolume: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpcore",
			Name:      "fill_volume_total",
			Help:      "Matched size across all fills.",
		}, []string{"market"}),
		Liquidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpcore",
			Name:      "liquidations_total",
			Help:      "Positions liquidated.",
		}, []string{"market", "kind"}),
		ClaimPayouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpcore",
			Name:      "claim_payouts_total",
			Help:      "Claimable fund payouts settled.",
		}, []string{"market"}),
	}
}
