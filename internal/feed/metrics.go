package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// StalenessSeconds is the age of each stream at the last snapshot.
	StalenessSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polymarket_feed_staleness_seconds",
		Help: "Age of the latest stream data at the last snapshot",
	}, []string{"stream"})

	// StaleReadsTotal counts snapshots refused as stale.
	StaleReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_feed_stale_reads_total",
		Help: "Total number of snapshots refused because a stream was stale",
	}, []string{"stream"})

	// UpdatesTotal counts applied stream events.
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_feed_updates_total",
		Help: "Total number of stream events applied",
	}, []string{"stream", "event"})

	// DecodeErrorsTotal counts frames that could not be decoded.
	DecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_feed_decode_errors_total",
		Help: "Total number of stream frames skipped on decode errors",
	}, []string{"stream"})
)
