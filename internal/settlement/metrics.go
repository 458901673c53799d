package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// RecordsByState tracks how many settlement records sit in each state.
	RecordsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polymarket_settlement_state",
		Help: "Number of settlement records currently in each state",
	}, []string{"state"})

	// OraclePollsTotal tracks oracle polls by result.
	OraclePollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_settlement_oracle_polls_total",
		Help: "Total number of oracle resolution polls (pending, resolved, error)",
	}, []string{"result"})

	// AttemptsTotal tracks redemption attempts by result.
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_settlement_attempts_total",
		Help: "Total number of redemption attempts",
	}, []string{"result"})

	// OutcomesTotal tracks terminal outcomes.
	OutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_settlement_outcomes_total",
		Help: "Total number of settlements finished per outcome",
	}, []string{"outcome"})

	// LockContendedTotal tracks settlements skipped because another process held the lock.
	LockContendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymarket_settlement_lock_contended_total",
		Help: "Total number of settlements skipped on redeem lock contention",
	})

	// SweepMarketsTotal tracks markets handled by redeem-all sweeps.
	SweepMarketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_settlement_sweep_markets_total",
		Help: "Markets handled by redeem-all sweeps (settled, not-resolved, contended, error)",
	}, []string{"result"})
)
