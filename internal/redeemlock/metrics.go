package redeemlock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	AcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_redeemlock_acquisitions_total",
		Help: "Total lock acquisition attempts by result",
	}, []string{"result"})

	WaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polymarket_redeemlock_wait_seconds",
		Help:    "Time spent waiting to acquire the redemption lock",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})

	Held = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymarket_redeemlock_held",
		Help: "1 while this process holds the redemption lock",
	})
)
