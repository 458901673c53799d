// Package settlement drives one market cycle from close to on-chain redemption:
// it waits for close, polls the oracle, takes the cross-process redeem lock,
// submits the redemption with a bounded retry budget and closes the ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/internal/notify"
	"github.com/p16-hash/polyterminal-automation/internal/redeemlock"
	"github.com/p16-hash/polyterminal-automation/internal/storage"
	"github.com/p16-hash/polyterminal-automation/pkg/chain"
	"github.com/p16-hash/polyterminal-automation/pkg/retry"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrLockContended means another process held the redeem lock for the whole
	// timeout. The attempt is skipped and left for the next sweep.
	ErrLockContended = errors.New("redeem lock contended")

	// ErrNotResolved is returned by Settle while the oracle has not resolved.
	ErrNotResolved = errors.New("oracle has not resolved the market")

	// ErrFailed is returned when the retry budget is exhausted.
	ErrFailed = errors.New("settlement failed")

	// ErrInProgress means another goroutine of this process is already
	// settling the condition.
	ErrInProgress = errors.New("settlement already in progress")

	errFinal = errors.New("settlement already completed")

	errReverted      = errors.New("redeem transaction reverted")
	errStatusUnknown = errors.New("redeem transaction status unknown")
	errNothingToSend = errors.New("no tokens to redeem")
)

// Oracle reads the resolution of a condition.
type Oracle interface {
	ResolutionOf(ctx context.Context, conditionID string) (chain.Resolution, error)
}

// Writer reads balances and submits redemptions.
type Writer interface {
	Balances(ctx context.Context, market *types.Market) ([2]*big.Int, error)
	SubmitRedeem(ctx context.Context, conditionID string, variant types.SettlementVariant, quantities [2]*big.Int) (chain.TxHandle, error)
	AwaitConfirmation(ctx context.Context, tx chain.TxHandle, timeout time.Duration) (chain.ConfirmStatus, error)
}

// Locker acquires the cross-process redeem lock.
type Locker interface {
	Acquire(ctx context.Context, timeout time.Duration) (*redeemlock.Handle, error)
}

// Store persists settlement records.
type Store interface {
	StoreSettlement(ctx context.Context, s *storage.Settlement) error
}

// Session is one market cycle handed to the engine.
type Session struct {
	Market    *types.Market
	StartedAt time.Time
}

// Config holds Engine configuration.
type Config struct {
	Oracle   Oracle
	Writer   Writer
	Locker   Locker
	Notifier notify.Sink
	Store    Store
	Clock    retry.Clock

	OracleGrace    time.Duration
	PollInterval   time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	ConfirmTimeout time.Duration
	LockTimeout    time.Duration

	Logger *zap.Logger
}

// Engine runs settlements. One engine serves every session of a process.
type Engine struct {
	oracle   Oracle
	writer   Writer
	locker   Locker
	notifier notify.Sink
	store    Store
	clock    retry.Clock

	oracleGrace    time.Duration
	pollInterval   time.Duration
	maxAttempts    int
	retryDelay     time.Duration
	confirmTimeout time.Duration
	lockTimeout    time.Duration

	logger *zap.Logger

	mu      sync.Mutex
	records map[string]*Record
	order   []string
}

// New creates a settlement engine.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Oracle == nil || cfg.Writer == nil || cfg.Locker == nil {
		return nil, errors.New("oracle, writer and locker are required")
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}

	if cfg.PollInterval <= 0 || cfg.ConfirmTimeout <= 0 || cfg.LockTimeout <= 0 {
		return nil, errors.New("poll interval, confirm timeout and lock timeout must be positive")
	}

	e := &Engine{
		oracle:         cfg.Oracle,
		writer:         cfg.Writer,
		locker:         cfg.Locker,
		notifier:       cfg.Notifier,
		store:          cfg.Store,
		clock:          cfg.Clock,
		oracleGrace:    cfg.OracleGrace,
		pollInterval:   cfg.PollInterval,
		maxAttempts:    cfg.MaxAttempts,
		retryDelay:     cfg.RetryDelay,
		confirmTimeout: cfg.ConfirmTimeout,
		lockTimeout:    cfg.LockTimeout,
		logger:         cfg.Logger,
		records:        make(map[string]*Record),
	}

	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.clock == nil {
		e.clock = retry.RealClock{}
	}

	return e, nil
}

// Records returns a view of every record known to this process, oldest first.
func (e *Engine) Records() []View {
	e.mu.Lock()
	records := make([]*Record, 0, len(e.order))
	for _, id := range e.order {
		records = append(records, e.records[id])
	}
	e.mu.Unlock()

	views := make([]View, 0, len(records))
	for _, r := range records {
		views = append(views, r.View())
	}
	return views
}

// Record returns the record of a condition.
func (e *Engine) Record(conditionID string) (*Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.records[conditionID]
	return r, ok
}

func (e *Engine) record(market *types.Market) *Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.records[market.ConditionID]
	if !ok {
		r = newRecord(market, e.clock.Now())
		e.records[market.ConditionID] = r
		e.order = append(e.order, market.ConditionID)
		RecordsByState.WithLabelValues(StateActive.String()).Inc()
	}
	return r
}

// Run drives a session from ACTIVE to a terminal state, or until ctx ends. It
// is meant to run on a detached goroutine; the returned record is also
// reachable through Records.
func (e *Engine) Run(ctx context.Context, session Session, l *ledger.Ledger) *Record {
	market := session.Market
	rec := e.record(market)
	logger := e.logger.With(
		zap.String("market-slug", market.Slug),
		zap.String("condition-id", market.ConditionID))

	err := rec.claim()
	if err != nil {
		logger.Warn("settlement-run-skipped", zap.Error(err))
		return rec
	}
	defer rec.unclaim()

	wait := market.CloseTime.Sub(e.clock.Now())
	if wait > 0 {
		logger.Debug("settlement-waiting-for-close", zap.Duration("wait", wait))
		if !e.sleep(ctx, rec, wait) {
			return rec
		}
	}

	e.transition(rec, StateAwaitingClose)

	// Taken exactly once, at close.
	had := l != nil && l.HasPositions()
	rec.update(e.clock.Now(), func(r *Record) { r.hadPositions = had })

	if !had {
		logger.Info("settlement-nothing-held")
		e.finish(ctx, rec, StateDone, OutcomeNone, nil)
		return rec
	}

	e.transition(rec, StateAwaitingOracle)

	if e.oracleGrace > 0 {
		if !e.sleep(ctx, rec, e.oracleGrace) {
			return rec
		}
	}

	res, err := e.awaitResolution(ctx, rec, market, logger)
	if err != nil {
		return rec
	}

	e.notifier.Notify(fmt.Sprintf("%s resolved: %s", market.Slug, winnerText(res)), notify.Info)

	_ = e.settle(ctx, rec, market, l, res, e.lockTimeout, logger)
	return rec
}

// Request is a one-shot settlement of a market that has already closed.
type Request struct {
	Market *types.Market
	// Ledger is closed on success when set.
	Ledger *ledger.Ledger
	// LockTimeout overrides the engine default when positive.
	LockTimeout time.Duration
}

// Settle reads the oracle once and, when resolved, runs the lock, submit and
// confirm path. It is used by the manual redeem and the batch sweep. Settling a
// condition whose tokens are already redeemed ends with OutcomeNothingToRedeem
// and no transaction. A completed record is returned as is, without reading the
// chain, while a FAILED one is retried. ErrInProgress is returned while Run or
// another Settle drives the same condition.
func (e *Engine) Settle(ctx context.Context, req Request) (*Record, error) {
	if req.Market == nil {
		return nil, errors.New("market cannot be nil")
	}

	market := req.Market
	rec := e.record(market)
	logger := e.logger.With(
		zap.String("market-slug", market.Slug),
		zap.String("condition-id", market.ConditionID))

	err := rec.claim()
	switch {
	case errors.Is(err, errFinal):
		logger.Info("settlement-already-final", zap.Stringer("outcome", rec.View().Outcome))
		return rec, nil
	case err != nil:
		return rec, err
	}
	defer rec.unclaim()

	if rec.State() != StateAwaitingOracle {
		e.transition(rec, StateAwaitingOracle)
	}

	res, err := e.poll(ctx, rec, market)
	if err != nil {
		return rec, fmt.Errorf("read resolution: %w", err)
	}

	if !res.Resolved {
		return rec, ErrNotResolved
	}

	timeout := req.LockTimeout
	if timeout <= 0 {
		timeout = e.lockTimeout
	}

	err = e.settle(ctx, rec, market, req.Ledger, res, timeout, logger)
	return rec, err
}

// awaitResolution polls until the oracle reports a resolution or ctx ends.
func (e *Engine) awaitResolution(ctx context.Context, rec *Record, market *types.Market, logger *zap.Logger) (res chain.Resolution, err error) {
	for {
		res, err = e.poll(ctx, rec, market)
		if err == nil && res.Resolved {
			return res, nil
		}

		if err != nil {
			logger.Warn("oracle-poll-failed", zap.Error(err))
		} else {
			logger.Debug("oracle-not-resolved", zap.Int("polls", rec.View().Polls))
		}

		if !e.sleep(ctx, rec, e.pollInterval) {
			return res, ctx.Err()
		}
	}
}

func (e *Engine) poll(ctx context.Context, rec *Record, market *types.Market) (res chain.Resolution, err error) {
	res, err = e.oracle.ResolutionOf(ctx, market.ConditionID)

	now := e.clock.Now()
	switch {
	case err != nil:
		OraclePollsTotal.WithLabelValues("error").Inc()
		rec.update(now, func(r *Record) {
			r.polls++
			r.lastErr = err
		})
	case !res.Resolved:
		OraclePollsTotal.WithLabelValues("pending").Inc()
		rec.update(now, func(r *Record) {
			r.polls++
			r.resolution = ResolutionPending
		})
	default:
		OraclePollsTotal.WithLabelValues("resolved").Inc()
		rec.update(now, func(r *Record) {
			r.polls++
			r.resolution = ResolutionResolved
			r.winner = res.Winner
			r.lastErr = nil
		})
	}

	return res, err
}

// settle runs LOCK_WAIT through DONE or FAILED.
func (e *Engine) settle(
	ctx context.Context,
	rec *Record,
	market *types.Market,
	l *ledger.Ledger,
	res chain.Resolution,
	lockTimeout time.Duration,
	logger *zap.Logger,
) error {
	e.transition(rec, StateLockWait)

	waitStart := e.clock.Now()
	handle, err := e.locker.Acquire(ctx, lockTimeout)
	if err != nil {
		if errors.Is(err, redeemlock.ErrTimeout) {
			LockContendedTotal.Inc()
			rec.update(e.clock.Now(), func(r *Record) { r.lastErr = ErrLockContended })
			logger.Warn("settlement-lock-contended", zap.Duration("timeout", lockTimeout))
			e.notifier.Notify(fmt.Sprintf("%s: another redeem in progress, skipping", market.Slug), notify.Warn)
			e.persist(ctx, rec)
			return ErrLockContended
		}

		rec.update(e.clock.Now(), func(r *Record) { r.lastErr = err })
		e.persist(ctx, rec)
		return fmt.Errorf("acquire redeem lock: %w", err)
	}
	defer handle.Release()

	logger.Debug("settlement-lock-acquired", zap.Duration("waited", e.clock.Now().Sub(waitStart)))

	var (
		nothingHeld  bool
		lastReverted bool
	)

	policy := retry.Policy{
		MaxAttempts: e.maxAttempts,
		Backoff:     retry.Fixed(e.retryDelay),
		Clock:       e.clock,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Warn("settlement-attempt-failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry-in", delay),
				zap.Error(err))
		},
	}

	rec.update(e.clock.Now(), func(r *Record) { r.attempts = 0 })

	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		rec.update(e.clock.Now(), func(r *Record) { r.attempts = attempt })
		e.transition(rec, StateSubmitting)

		quantities, err := e.writer.Balances(ctx, market)
		if err != nil {
			AttemptsTotal.WithLabelValues("balance-error").Inc()
			return fmt.Errorf("read balances: %w", err)
		}

		if isZero(quantities) {
			if attempt == 1 {
				nothingHeld = true
				return retry.Permanent(errNothingToSend)
			}
			// An earlier attempt landed after its confirmation timed out.
			logger.Info("settlement-earlier-attempt-landed", zap.Int("attempt", attempt))
			return nil
		}

		tx, err := e.writer.SubmitRedeem(ctx, market.ConditionID, market.Variant, quantities)
		if err != nil {
			AttemptsTotal.WithLabelValues("submit-error").Inc()
			lastReverted = false
			return fmt.Errorf("submit redeem: %w", err)
		}

		rec.update(e.clock.Now(), func(r *Record) { r.txHash = tx.Hash.Hex() })
		e.transition(rec, StateConfirming)

		status, err := e.writer.AwaitConfirmation(ctx, tx, e.confirmTimeout)
		if err != nil {
			AttemptsTotal.WithLabelValues("confirm-error").Inc()
			lastReverted = false
			return fmt.Errorf("await confirmation: %w", err)
		}

		switch status {
		case chain.Confirmed:
			AttemptsTotal.WithLabelValues("confirmed").Inc()
			return nil
		case chain.Reverted:
			AttemptsTotal.WithLabelValues("reverted").Inc()
			lastReverted = true
			return fmt.Errorf("%w: %s", errReverted, tx.Hash.Hex())
		default:
			AttemptsTotal.WithLabelValues("unknown").Inc()
			lastReverted = false
			e.notifier.Notify(fmt.Sprintf("%s: tx %s not confirmed within %s, check it explicitly",
				market.Slug, tx.Hash.Hex(), e.confirmTimeout), notify.Warn)
			return fmt.Errorf("%w: %s", errStatusUnknown, tx.Hash.Hex())
		}
	})

	switch {
	case errors.Is(err, errNothingToSend) && nothingHeld:
		profit := e.closeLedger(rec, l, res, logger)
		logger.Info("settlement-nothing-to-redeem", zap.Stringer("realized-pnl", profit))
		e.finish(ctx, rec, StateDone, OutcomeNothingToRedeem, nil)
		return nil

	case err == nil:
		profit := e.closeLedger(rec, l, res, logger)
		logger.Info("settlement-confirmed",
			zap.Int("attempts", attempts),
			zap.Stringer("realized-pnl", profit))
		e.finish(ctx, rec, StateDone, OutcomeConfirmed, nil)
		e.notifier.Notify(fmt.Sprintf("%s redeemed (%s), P/L $%s",
			market.Slug, winnerText(res), profit.StringFixed(2)), notify.Info)
		return nil

	case ctx.Err() != nil:
		rec.update(e.clock.Now(), func(r *Record) { r.lastErr = ctx.Err() })
		logger.Warn("settlement-interrupted", zap.Int("attempts", attempts), zap.Error(ctx.Err()))
		return ctx.Err()

	default:
		outcome := OutcomeAbandoned
		if lastReverted {
			outcome = OutcomeReverted
		}
		logger.Error("settlement-failed",
			zap.Int("attempts", attempts),
			zap.Stringer("outcome", outcome),
			zap.Error(err))
		e.finish(ctx, rec, StateFailed, outcome, err)
		e.notifier.Notify(fmt.Sprintf("%s settlement FAILED after %d attempts (%s): %v",
			market.Slug, attempts, outcome, err), notify.Critical)
		return fmt.Errorf("%w: %w", ErrFailed, err)
	}
}

// closeLedger values each side at its payout and books the profit.
func (e *Engine) closeLedger(rec *Record, l *ledger.Ledger, res chain.Resolution, logger *zap.Logger) (total ledger.Amount) {
	if l == nil {
		return 0
	}

	for _, side := range types.Sides {
		profit, err := l.CloseSide(side, ledger.Amount(res.SettlementPrice(side)))
		if err != nil {
			logger.Error("ledger-close-failed", zap.Stringer("side", side), zap.Error(err))
			continue
		}
		total += profit
	}

	rec.update(e.clock.Now(), func(r *Record) { r.realized += total })
	return total
}

func (e *Engine) finish(ctx context.Context, rec *Record, state State, outcome Outcome, err error) {
	rec.update(e.clock.Now(), func(r *Record) {
		r.outcome = outcome
		r.lastErr = err
	})
	e.transition(rec, state)

	OutcomesTotal.WithLabelValues(outcome.String()).Inc()
	e.persist(ctx, rec)
}

func (e *Engine) transition(rec *Record, to State) {
	from, changed := rec.transition(to, e.clock.Now())
	if !changed {
		return
	}

	RecordsByState.WithLabelValues(from.String()).Dec()
	RecordsByState.WithLabelValues(to.String()).Inc()

	e.logger.Debug("settlement-transition",
		zap.String("condition-id", rec.View().ConditionID),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

func (e *Engine) persist(ctx context.Context, rec *Record) {
	if e.store == nil {
		return
	}

	// Persist even when the run was cancelled.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := e.store.StoreSettlement(storeCtx, rec.storageRow())
	if err != nil {
		e.logger.Warn("settlement-store-failed", zap.Error(err))
	}
}

// sleep waits on the engine clock. It reports false when ctx ended first.
func (e *Engine) sleep(ctx context.Context, rec *Record, d time.Duration) bool {
	select {
	case <-e.clock.After(d):
		return true
	case <-ctx.Done():
		rec.update(e.clock.Now(), func(r *Record) { r.lastErr = ctx.Err() })
		return false
	}
}

func isZero(quantities [2]*big.Int) bool {
	for _, q := range quantities {
		if q != nil && q.Sign() > 0 {
			return false
		}
	}
	return true
}

func winnerText(res chain.Resolution) string {
	if res.Winner == nil {
		return "split payout"
	}
	return res.Winner.String() + " won"
}
