package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omen_orders_submitted_total",
		Help: "Accepted orders by side and kind.",
	}, []string{"side", "kind"})

	tradesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omen_trades_executed_total",
		Help: "Trades produced by the crossing loop.",
	})
)
