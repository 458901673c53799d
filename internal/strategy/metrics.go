package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// DecisionsTotal counts policy outcomes. Holds are counted when the reason changes.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_strategy_decisions_total",
		Help: "Total number of policy decisions by policy and reason",
	}, []string{"policy", "reason"})
)
