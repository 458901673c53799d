package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// ActiveConnections tracks whether each stream is connected.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polymarket_ws_active_connections",
		Help: "Whether the websocket stream is connected (0 or 1)",
	}, []string{"stream"})

	// ReconnectAttemptsTotal tracks reconnection attempts.
	ReconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_ws_reconnect_attempts_total",
		Help: "Total number of websocket reconnection attempts",
	}, []string{"stream"})

	// ReconnectFailuresTotal tracks reconnection failures.
	ReconnectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_ws_reconnect_failures_total",
		Help: "Total number of websocket reconnection failures",
	}, []string{"stream"})

	// MessagesReceivedTotal tracks frames received per stream.
	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_ws_messages_received_total",
		Help: "Total number of websocket frames received",
	}, []string{"stream"})

	// MessagesDroppedTotal tracks frames dropped due to a full channel.
	MessagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_ws_messages_dropped_total",
		Help: "Total number of websocket frames dropped",
	}, []string{"stream", "reason"})

	// ConnectionDuration tracks connection lifetime.
	ConnectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polymarket_ws_connection_duration_seconds",
		Help:    "Duration of websocket connections before disconnect",
		Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800, 43200, 86400},
	}, []string{"stream"})
)
