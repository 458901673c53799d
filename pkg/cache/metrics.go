package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	LookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_cache_lookups_total",
		Help: "Market cache lookups by result (hit, miss)",
	}, []string{"result"})

	SetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_cache_sets_total",
		Help: "Market cache writes by result (admitted, rejected)",
	}, []string{"result"})
)
