package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CandlesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uts_candles_processed_total",
			Help: "Closed candles accepted by the indicator engine.",
		},
		[]string{"symbol", "timeframe"},
	)

	CandlesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uts_candles_rejected_total",
			Help: "Candles rejected as duplicate, out-of-order or unconfirmed.",
		},
		[]string{"symbol", "reason"},
	)

	Votes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uts_votes_total",
			Help: "Fused signal votes by direction.",
		},
		[]string{"symbol", "direction"},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uts_orders_submitted_total",
			Help: "Order intents submitted to the execution venue.",
		},
		[]string{"symbol", "kind"},
	)

	OrderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uts_order_failures_total",
			Help: "Order intents rejected or timed out by the venue.",
		},
		[]string{"symbol", "kind"},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "uts_positions_open",
			Help: "Number of currently open positions.",
		},
	)

	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uts_position_transitions_total",
			Help: "Position state machine transitions.",
		},
		[]string{"symbol", "to"},
	)

	ConsecutiveLosses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uts_consecutive_losses",
			Help: "Current consecutive-loss streak per sizing scope.",
		},
		[]string{"scope"},
	)

	RealizedPnL = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uts_realized_pnl_total",
			Help: "Cumulative realized PnL by outcome sign.",
		},
		[]string{"symbol", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		CandlesProcessed, CandlesRejected, Votes,
		OrdersSubmitted, OrderFailures,
		PositionsOpen, Transitions,
		ConsecutiveLosses, RealizedPnL,
	)
}

// Handler exposes the default registry for the metrics HTTP server.
func Handler() http.Handler { return promhttp.Handler() }
