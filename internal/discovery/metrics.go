package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// LookupsTotal counts market lookups by result (cache-hit, found, not-found, error).
	LookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_discovery_lookups_total",
		Help: "Total number of slot market lookups by result",
	}, []string{"result"})

	// LookupDurationSeconds tracks lookup latency including cache hits.
	LookupDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polymarket_discovery_lookup_duration_seconds",
		Help:    "Duration of slot market lookups",
		Buckets: prometheus.DefBuckets,
	})
)
