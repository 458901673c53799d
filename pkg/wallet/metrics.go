package wallet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// Balance is the holder's balance per asset (pol, usdc, usdc_allowance),
	// in whole units.
	Balance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polymarket_wallet_balance",
		Help: "Holder balance by asset in whole units (pol, usdc, usdc_allowance)",
	}, []string{"asset"})

	// MarketsByCategory counts held markets by settlement category.
	MarketsByCategory = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polymarket_wallet_markets",
		Help: "Markets with positions by category (active, pending, redeemable)",
	}, []string{"category"})

	// PositionsUSD is the Data API valuation of all positions.
	PositionsUSD = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polymarket_wallet_positions_usd",
		Help: "Position valuation from the Data API (value, unrealized_pnl)",
	}, []string{"kind"})

	PollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polymarket_wallet_poll_errors_total",
		Help: "Failed wallet polls",
	})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polymarket_wallet_poll_duration_seconds",
		Help:    "Wallet poll latency",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	LastPollTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polymarket_wallet_last_poll_timestamp_seconds",
		Help: "Unix time of the last successful wallet poll",
	})
)
