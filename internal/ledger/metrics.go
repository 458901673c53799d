package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// FillsTotal tracks fills recorded per side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_ledger_fills_total",
		Help: "Total number of fills recorded in the position ledger",
	}, []string{"side"})

	// RevertsTotal tracks fills reverted after the gateway reported them failed.
	RevertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymarket_ledger_reverts_total",
		Help: "Total number of order reverts applied to the position ledger",
	})

	// InvariantViolationsTotal tracks aborted mutations.
	InvariantViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymarket_ledger_invariant_violations_total",
		Help: "Total number of ledger mutations aborted by an invariant check",
	})
)
