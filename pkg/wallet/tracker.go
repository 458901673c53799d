package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Source is what the tracker polls. *Client implements it.
type Source interface {
	GetBalances(ctx context.Context, address common.Address) (*Balances, error)
	GetPositions(ctx context.Context, address string) ([]Position, error)
}

// Summary is one poll of the wallet.
type Summary struct {
	Balances   *Balances
	Categories Categories
	PolledAt   time.Time
}

// Tracker periodically polls the wallet, keeps the latest summary and updates
// Prometheus gauges.
type Tracker struct {
	source       Source
	address      common.Address
	pollInterval time.Duration
	now          func() time.Time
	logger       *zap.Logger

	mu     sync.RWMutex
	latest *Summary
}

// Config holds tracker configuration.
type Config struct {
	Source       Source
	Address      common.Address
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

// New creates a wallet tracker.
func New(cfg *Config) (t *Tracker, err error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Source == nil {
		return nil, errors.New("source cannot be nil")
	}

	if cfg.PollInterval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Tracker{
		source:       cfg.Source,
		address:      cfg.Address,
		pollInterval: cfg.PollInterval,
		now:          now,
		logger:       cfg.Logger,
	}, nil
}

// Run polls until the context ends (blocking).
func (t *Tracker) Run(ctx context.Context) (err error) {
	t.logger.Info("wallet-tracker-starting",
		zap.Duration("poll-interval", t.pollInterval),
		zap.String("address", t.address.Hex()))

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	_, pollErr := t.Poll(ctx)
	if pollErr != nil {
		t.logger.Error("initial-poll-failed", zap.Error(pollErr))
	}

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("wallet-tracker-stopping")
			return ctx.Err()
		case <-ticker.C:
			_, pollErr = t.Poll(ctx)
			if pollErr != nil {
				t.logger.Error("poll-failed", zap.Error(pollErr))
			}
		}
	}
}

// Poll fetches balances and positions once and stores the result.
func (t *Tracker) Poll(ctx context.Context) (summary *Summary, err error) {
	start := time.Now()
	defer func() {
		PollDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			PollErrorsTotal.Inc()
		}
	}()

	balCtx, balCancel := context.WithTimeout(ctx, 15*time.Second)
	defer balCancel()

	balances, err := t.source.GetBalances(balCtx, t.address)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}

	posCtx, posCancel := context.WithTimeout(ctx, 15*time.Second)
	defer posCancel()

	positions, err := t.source.GetPositions(posCtx, t.address.Hex())
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	summary = &Summary{
		Balances:   balances,
		Categories: Categorize(positions, t.now()),
		PolledAt:   t.now(),
	}

	t.mu.Lock()
	t.latest = summary
	t.mu.Unlock()

	updateMetrics(summary, positions)
	LastPollTimestamp.Set(float64(summary.PolledAt.Unix()))

	t.logger.Debug("poll-complete",
		zap.Int("active", len(summary.Categories.Active)),
		zap.Int("pending", len(summary.Categories.Pending)),
		zap.Int("redeemable", len(summary.Categories.Redeemable)),
		zap.Duration("duration", time.Since(start)))

	return summary, nil
}

// Latest returns the most recent summary, or nil before the first poll.
func (t *Tracker) Latest() *Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

func updateMetrics(summary *Summary, positions []Position) {
	Balance.WithLabelValues("pol").Set(scaled(summary.Balances.POL, 1e18))
	Balance.WithLabelValues("usdc").Set(summary.Balances.USDCDollars())
	Balance.WithLabelValues("usdc_allowance").Set(scaled(summary.Balances.USDCAllowance, 1e6))

	MarketsByCategory.WithLabelValues(CategoryActive.String()).Set(float64(len(summary.Categories.Active)))
	MarketsByCategory.WithLabelValues(CategoryPending.String()).Set(float64(len(summary.Categories.Pending)))
	MarketsByCategory.WithLabelValues(CategoryRedeemable.String()).Set(float64(len(summary.Categories.Redeemable)))

	totalValue := 0.0
	totalPnL := 0.0
	for _, pos := range positions {
		totalValue += pos.CurrentValue
		totalPnL += pos.CashPnL
	}

	PositionsUSD.WithLabelValues("value").Set(totalValue)
	PositionsUSD.WithLabelValues("unrealized_pnl").Set(totalPnL)
}
