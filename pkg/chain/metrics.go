package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	// OracleReadsTotal tracks oracle resolution reads by result.
	OracleReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_chain_oracle_reads_total",
		Help: "Total number of oracle resolution reads (pending, resolved, error)",
	}, []string{"result"})

	// RedeemTxTotal tracks redemption transactions by variant and result.
	RedeemTxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polymarket_chain_redeem_tx_total",
		Help: "Total number of redemption transactions broadcast",
	}, []string{"variant", "result"})

	// ConfirmSeconds tracks time from first receipt poll to receipt.
	ConfirmSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polymarket_chain_confirm_seconds",
		Help:    "Time to obtain a redemption receipt",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 180},
	})
)
