package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// SessionsTotal counts market sessions started by the main loop.
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymarket_app_sessions_total",
		Help: "Total number of market sessions started",
	})

	// SessionSecondsRemaining tracks the time left in the current session.
	SessionSecondsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymarket_app_session_seconds_remaining",
		Help: "Seconds until the current market closes",
	})

	// MarketLookupsTotal counts market lookups by result.
	MarketLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_app_market_lookups_total",
		Help: "Market lookups by result (found, not-found, error)",
	}, []string{"result"})

	// IntentsTotal counts intents by source and result.
	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_app_intents_total",
		Help: "Order intents by source (operator, hedged) and result (filled, in-flight, rejected, invalid)",
	}, []string{"source", "result"})

	// OpenOrders tracks in-flight orders awaiting a final state.
	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymarket_app_open_orders",
		Help: "In-flight orders awaiting a final state",
	})

	// TrackResultsTotal counts fill tracker results by status.
	TrackResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_app_track_results_total",
		Help: "Fill tracker results by status (matched, failed)",
	}, []string{"status"})

	// StoreErrorsTotal counts failed writes to storage.
	StoreErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymarket_app_store_errors_total",
		Help: "Total number of failed fill writes",
	})

	// TickDuration tracks how long one loop tick takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polymarket_app_tick_duration_seconds",
		Help:    "Time taken by one trading loop tick (seconds)",
		Buckets: prometheus.DefBuckets,
	})
)
