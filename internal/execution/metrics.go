package execution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// OrdersTotal counts placement outcomes by time in force.
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polymarket_execution_orders_total",
			Help: "Orders placed by time in force and outcome",
		},
		[]string{"time_in_force", "outcome"},
	)

	// RequestDurationSeconds tracks CLOB request latency.
	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polymarket_execution_request_duration_seconds",
			Help:    "Duration of CLOB requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// RequestErrorsTotal counts failed CLOB requests, retried or not.
	RequestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polymarket_execution_request_errors_total",
			Help: "Failed CLOB requests by HTTP method",
		},
		[]string{"method"},
	)

	// TrackedOrders is the number of in-flight orders being polled.
	TrackedOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymarket_execution_tracked_orders",
		Help: "In-flight orders being polled for fills",
	})

	// TrackResultsTotal counts how tracked orders ended.
	TrackResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polymarket_execution_track_results_total",
			Help: "Tracked orders by final status",
		},
		[]string{"status"},
	)
)
