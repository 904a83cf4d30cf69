// Package metrics holds the Prometheus instruments the trading engine updates
// during operation:
//   - bot_orders_total{side,kind}  - orders placed through the gateway
//   - bot_fills_total{side}        - terminal fills applied to the ledger
//   - bot_open_positions           - current open position count (gauge)
//   - bot_realized_pnl             - cumulative realized profit in quote terms
//   - bot_current_price            - last observed market price
//
// Instruments are registered on an injected registerer rather than the
// package default, so tests can use isolated registries.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the bot's Prometheus instruments.
type Metrics struct {
	Orders        *prometheus.CounterVec
	Fills         *prometheus.CounterVec
	OpenPositions prometheus.Gauge
	RealizedPnL   prometheus.Gauge
	CurrentPrice  prometheus.Gauge
}

// New creates and registers the instrument set. Pass
// prometheus.DefaultRegisterer in main, or a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_orders_total",
				Help: "Orders placed through the gateway",
			},
			[]string{"side", "kind"},
		),
		Fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_fills_total",
				Help: "Terminal fills applied to the position ledger",
			},
			[]string{"side"},
		),
		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_open_positions",
				Help: "Number of currently open positions",
			},
		),
		RealizedPnL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_realized_pnl",
				Help: "Cumulative realized profit in quote currency",
			},
		),
		CurrentPrice: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_current_price",
				Help: "Last observed market price",
			},
		),
	}
	reg.MustRegister(m.Orders, m.Fills, m.OpenPositions, m.RealizedPnL, m.CurrentPrice)
	return m
}

// OrderPlaced records one placed order.
func (m *Metrics) OrderPlaced(side, kind string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(side, kind).Inc()
}

// FillApplied records one terminal fill applied to the ledger.
func (m *Metrics) FillApplied(side string) {
	if m == nil {
		return
	}
	m.Fills.WithLabelValues(side).Inc()
}

// Observe updates the gauges from the engine's tick snapshot.
func (m *Metrics) Observe(openPositions int, realizedPnL, price float64) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(openPositions))
	m.RealizedPnL.Set(realizedPnL)
	m.CurrentPrice.Set(price)
}
