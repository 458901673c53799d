// Package circuitbreaker suspends new buys while the wallet's USDC is below a
// configured floor.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/pkg/wallet"
	"go.uber.org/zap"
)

// BalanceFetcher is the wallet read the breaker needs. *wallet.Client
// implements it.
type BalanceFetcher interface {
	GetBalances(ctx context.Context, address common.Address) (*wallet.Balances, error)
}

// BalanceCircuitBreaker gates buys on the USDC balance. It trips when the
// balance (or the balance estimated from spends since the last check) drops
// under the floor and closes again only once a check sees floor*hysteresis.
type BalanceCircuitBreaker struct {
	enabled atomic.Bool

	checkInterval   time.Duration
	walletClient    BalanceFetcher
	address         common.Address
	minBalance      ledger.Amount
	enableBalance   ledger.Amount
	hysteresisRatio float64
	now             func() time.Time
	logger          *zap.Logger

	mu          sync.RWMutex
	lastBalance ledger.Amount
	estimated   ledger.Amount
	spent       ledger.Amount
	lastCheck   time.Time
	checked     bool
}

// Config holds circuit breaker configuration.
type Config struct {
	WalletClient    BalanceFetcher
	Address         common.Address
	MinBalance      ledger.Amount
	HysteresisRatio float64
	CheckInterval   time.Duration
	Now             func() time.Time
	Logger          *zap.Logger
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	Enabled          bool          `json:"enabled"`
	LastBalance      ledger.Amount `json:"last_balance"`
	EstimatedBalance ledger.Amount `json:"estimated_balance"`
	SpentSinceCheck  ledger.Amount `json:"spent_since_check"`
	MinBalance       ledger.Amount `json:"min_balance"`
	EnableBalance    ledger.Amount `json:"enable_balance"`
	LastCheck        time.Time     `json:"last_check"`
}

// New creates a circuit breaker. It starts enabled; the first CheckBalance
// decides the real state.
func New(cfg *Config) (breaker *BalanceCircuitBreaker, err error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.WalletClient == nil {
		return nil, errors.New("wallet client cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.CheckInterval <= 0 {
		return nil, errors.New("check interval must be positive")
	}
	if cfg.MinBalance < 0 {
		return nil, errors.New("min balance cannot be negative")
	}
	if cfg.HysteresisRatio < 1.0 {
		return nil, errors.New("hysteresis ratio must be >= 1.0")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	breaker = &BalanceCircuitBreaker{
		checkInterval:   cfg.CheckInterval,
		walletClient:    cfg.WalletClient,
		address:         cfg.Address,
		minBalance:      cfg.MinBalance,
		enableBalance:   ledger.AmountFromFloat(cfg.MinBalance.Float64() * cfg.HysteresisRatio),
		hysteresisRatio: cfg.HysteresisRatio,
		now:             now,
		logger:          cfg.Logger,
	}

	breaker.enabled.Store(true)

	Enabled.Set(1)
	MinBalance.Set(breaker.minBalance.Float64())
	EnableBalance.Set(breaker.enableBalance.Float64())

	return breaker, nil
}

// IsEnabled reports whether buys may be placed. Lock-free.
func (b *BalanceCircuitBreaker) IsEnabled() (enabled bool) {
	return b.enabled.Load()
}

// RecordSpend lowers the estimated balance by the cost of a filled buy and
// trips the breaker if the estimate falls under the floor. Before the first
// check there is nothing to estimate from.
func (b *BalanceCircuitBreaker) RecordSpend(cost ledger.Amount) {
	if cost <= 0 {
		b.logger.Warn("invalid-spend", zap.Stringer("cost", cost))
		return
	}

	b.mu.Lock()
	b.spent += cost
	if !b.checked {
		b.mu.Unlock()
		return
	}
	b.estimated -= cost
	estimated := b.estimated
	b.mu.Unlock()

	EstimatedBalance.Set(estimated.Float64())

	if estimated < b.minBalance && b.enabled.CompareAndSwap(true, false) {
		Enabled.Set(0)
		StateChangesTotal.WithLabelValues("disabled").Inc()

		b.logger.Warn("circuit-breaker-disabled",
			zap.String("reason", "estimated-balance"),
			zap.Stringer("estimated", estimated),
			zap.Stringer("min-balance", b.minBalance))
	}
}

// CheckBalance reads the wallet and applies the hysteresis transition.
func (b *BalanceCircuitBreaker) CheckBalance(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		CheckDuration.Observe(time.Since(start).Seconds())
	}()

	balances, err := b.walletClient.GetBalances(ctx, b.address)
	if err != nil {
		CheckErrorsTotal.Inc()
		return fmt.Errorf("get balances: %w", err)
	}

	balance := ledger.FromMicro(balances.USDC)

	b.mu.Lock()
	b.lastBalance = balance
	b.estimated = balance
	b.spent = 0
	b.lastCheck = b.now()
	b.checked = true
	b.mu.Unlock()

	Balance.Set(balance.Float64())
	EstimatedBalance.Set(balance.Float64())

	enabled := b.enabled.Load()

	switch {
	case enabled && balance < b.minBalance:
		b.enabled.Store(false)
		Enabled.Set(0)
		StateChangesTotal.WithLabelValues("disabled").Inc()

		b.logger.Warn("circuit-breaker-disabled",
			zap.String("reason", "balance"),
			zap.Stringer("balance", balance),
			zap.Stringer("min-balance", b.minBalance))
	case !enabled && balance >= b.enableBalance:
		b.enabled.Store(true)
		Enabled.Set(1)
		StateChangesTotal.WithLabelValues("enabled").Inc()

		b.logger.Info("circuit-breaker-enabled",
			zap.Stringer("balance", balance),
			zap.Stringer("enable-balance", b.enableBalance))
	default:
		b.logger.Debug("balance-checked",
			zap.Stringer("balance", balance),
			zap.Bool("enabled", enabled))
	}

	return nil
}

// Start checks once and then keeps checking in the background until ctx ends.
func (b *BalanceCircuitBreaker) Start(ctx context.Context) {
	b.logger.Info("circuit-breaker-started",
		zap.Duration("check-interval", b.checkInterval),
		zap.Stringer("min-balance", b.minBalance),
		zap.Float64("hysteresis-ratio", b.hysteresisRatio))

	err := b.CheckBalance(ctx)
	if err != nil {
		b.logger.Error("initial-balance-check-failed", zap.Error(err))
	}

	go b.monitorLoop(ctx)
}

func (b *BalanceCircuitBreaker) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(b.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("circuit-breaker-stopped")
			return
		case <-ticker.C:
			err := b.CheckBalance(ctx)
			if err != nil {
				b.logger.Error("balance-check-failed", zap.Error(err))
			}
		}
	}
}

// GetStatus returns the current breaker state.
func (b *BalanceCircuitBreaker) GetStatus() (status Status) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Status{
		Enabled:          b.enabled.Load(),
		LastBalance:      b.lastBalance,
		EstimatedBalance: b.estimated,
		SpentSinceCheck:  b.spent,
		MinBalance:       b.minBalance,
		EnableBalance:    b.enableBalance,
		LastCheck:        b.lastCheck,
	}
}
