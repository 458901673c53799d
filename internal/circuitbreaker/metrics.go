package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// Enabled indicates whether buys are allowed.
	Enabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymarket_circuit_breaker_enabled",
		Help: "Whether the circuit breaker allows new buys (1=enabled, 0=disabled)",
	})

	// Balance tracks the last checked USDC balance.
	Balance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymarket_circuit_breaker_balance_usdc",
		Help: "Last checked USDC balance in the wallet",
	})

	// EstimatedBalance tracks the last balance minus spends recorded since.
	EstimatedBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymarket_circuit_breaker_estimated_balance_usdc",
		Help: "Last checked USDC balance minus fills recorded since the check",
	})

	// MinBalance is the configured floor.
	MinBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymarket_circuit_breaker_min_balance_usdc",
		Help: "USDC balance under which new buys are suspended",
	})

	// EnableBalance is the floor times the hysteresis ratio.
	EnableBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymarket_circuit_breaker_enable_balance_usdc",
		Help: "USDC balance at which a tripped breaker re-enables buys",
	})

	// StateChangesTotal counts transitions by the new state.
	StateChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_circuit_breaker_state_changes_total",
		Help: "Total number of circuit breaker state changes",
	}, []string{"state"})

	// CheckErrorsTotal counts failed balance reads.
	CheckErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymarket_circuit_breaker_check_errors_total",
		Help: "Total number of failed balance checks",
	})

	// CheckDuration tracks the time taken to check balance.
	CheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polymarket_circuit_breaker_check_duration_seconds",
		Help:    "Time taken to check wallet balance",
		Buckets: prometheus.DefBuckets,
	})
)
