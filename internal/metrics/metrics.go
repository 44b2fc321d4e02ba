// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts completed controller ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bige_ticks_total",
		Help: "Completed controller ticks.",
	})

	// TickDuration observes wall time of one full tick across all symbols.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bige_tick_duration_seconds",
		Help:    "Duration of one controller tick.",
		Buckets: prometheus.DefBuckets,
	})

	// OrdersTotal counts filled orders by symbol and action.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bige_orders_total",
		Help: "Filled orders by symbol and action.",
	}, []string{"symbol", "action"})

	// SymbolErrorsTotal counts failed per-symbol passes.
	SymbolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bige_symbol_errors_total",
		Help: "Failed per-symbol tick passes.",
	}, []string{"symbol"})

	// APIErrorsTotal counts venue errors by taxonomy kind.
	APIErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bige_api_errors_total",
		Help: "Venue API errors by classified kind.",
	}, []string{"kind"})

	// Equity tracks the last observed total wallet balance.
	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bige_equity_usdt",
		Help: "Last observed total equity in USDT.",
	})

	// AvailableEquity tracks the last observed available balance.
	AvailableEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bige_available_equity_usdt",
		Help: "Last observed available equity in USDT.",
	})

	// OpenPositions tracks the number of symbols holding a position.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bige_open_positions",
		Help: "Symbols currently holding a position.",
	})

	// ConsecutiveErrors tracks the tick-loop error escalation counter.
	ConsecutiveErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bige_consecutive_errors",
		Help: "Consecutive failed ticks since the last success.",
	})
)
