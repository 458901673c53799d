package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/pkg/retry"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

// TrackStatus is the final state of a tracked order.
type TrackStatus int

const (
	// TrackMatched means the order filled completely.
	TrackMatched TrackStatus = iota
	// TrackFailed means the order ended (canceled, expired, timed out) with
	// Filled shares matched, possibly zero.
	TrackFailed
)

// String returns "matched" or "failed".
func (s TrackStatus) String() string {
	if s == TrackFailed {
		return "failed"
	}
	return "matched"
}

// TrackResult reports how an in-flight placement ended.
type TrackResult struct {
	Placement Placement
	Status    TrackStatus
	Filled    ledger.Amount
	Err       error
}

// TrackerConfig holds fill tracker configuration.
type TrackerConfig struct {
	Client OrderAPI

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffMult    float64

	// Timeout is how long an order may stay live before it is canceled.
	Timeout time.Duration

	// ResultBuffer sizes the results channel. Zero means 64.
	ResultBuffer int

	Clock  retry.Clock
	Logger *zap.Logger
}

// FillTracker polls in-flight orders until they match or fail.
type FillTracker struct {
	client  OrderAPI
	backoff retry.BackoffFunc
	timeout time.Duration
	clock   retry.Clock
	results chan TrackResult
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewFillTracker creates a fill tracker.
func NewFillTracker(cfg *TrackerConfig) (*FillTracker, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("order client cannot be nil")
	}

	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}
	mult := cfg.BackoffMult
	if mult < 1 {
		mult = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	buffer := cfg.ResultBuffer
	if buffer <= 0 {
		buffer = 64
	}
	clock := cfg.Clock
	if clock == nil {
		clock = retry.RealClock{}
	}

	return &FillTracker{
		client:  cfg.Client,
		backoff: retry.Exponential(initial, maxBackoff, mult, 0),
		timeout: timeout,
		clock:   clock,
		results: make(chan TrackResult, buffer),
		logger:  cfg.Logger,
	}, nil
}

// Results delivers one TrackResult per tracked placement.
func (t *FillTracker) Results() <-chan TrackResult {
	return t.results
}

// Track starts polling an in-flight placement in the background.
func (t *FillTracker) Track(ctx context.Context, p Placement) {
	TrackedOrders.Inc()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer TrackedOrders.Dec()

		result := t.watch(ctx, p)

		select {
		case t.results <- result:
		case <-ctx.Done():
			t.logger.Warn("track-result-dropped",
				zap.String("order-id", p.OrderID),
				zap.Stringer("status", result.Status))
		}
	}()
}

// Wait blocks until every tracked order has reported.
func (t *FillTracker) Wait() {
	t.wg.Wait()
}

func (t *FillTracker) watch(ctx context.Context, p Placement) TrackResult {
	logger := t.logger.With(zap.String("order-id", p.OrderID), zap.Stringer("side", p.Side))
	deadline := t.clock.Now().Add(t.timeout)
	filled := ledger.Amount(0)

	for attempt := 1; ; attempt++ {
		order, err := t.client.GetOrder(ctx, p.OrderID)
		if err != nil {
			logger.Warn("order-query-failed-retrying", zap.Int("attempt", attempt), zap.Error(err))
		} else {
			filled = parseSize(order.SizeMatched, filled)

			switch types.NormalizeOrderStatus(order.Status) {
			case types.OrderStatusMatched:
				if filled == 0 {
					filled = p.Quantity
				}
				TrackResultsTotal.WithLabelValues(TrackMatched.String()).Inc()
				logger.Info("order-fully-filled", zap.Stringer("filled", filled), zap.Int("attempts", attempt))
				return TrackResult{Placement: p, Status: TrackMatched, Filled: filled}

			case types.OrderStatusCanceled, types.OrderStatusExpired, types.OrderStatusUnmatched:
				TrackResultsTotal.WithLabelValues(TrackFailed.String()).Inc()
				logger.Info("order-ended-unfilled", zap.String("status", order.Status), zap.Stringer("filled", filled))
				return TrackResult{Placement: p, Status: TrackFailed, Filled: filled}

			default:
				logger.Debug("order-not-yet-filled",
					zap.String("status", order.Status),
					zap.Stringer("filled", filled),
					zap.Int("attempt", attempt))
			}
		}

		if !t.clock.Now().Before(deadline) {
			return t.expire(ctx, p, filled, logger)
		}

		select {
		case <-ctx.Done():
			TrackResultsTotal.WithLabelValues(TrackFailed.String()).Inc()
			return TrackResult{Placement: p, Status: TrackFailed, Filled: filled, Err: ctx.Err()}
		case <-t.clock.After(t.backoff(attempt)):
		}
	}
}

// expire cancels an order that outlived the timeout and reports what matched.
func (t *FillTracker) expire(ctx context.Context, p Placement, filled ledger.Amount, logger *zap.Logger) TrackResult {
	err := t.client.CancelOrder(ctx, p.OrderID)
	if err != nil {
		logger.Error("order-cancel-after-timeout-failed", zap.Error(err))
		err = fmt.Errorf("cancel after timeout: %w", err)
	} else {
		err = fmt.Errorf("order still live after %s", t.timeout)
	}

	TrackResultsTotal.WithLabelValues(TrackFailed.String()).Inc()
	logger.Warn("fill-verification-timeout", zap.Duration("timeout", t.timeout), zap.Stringer("filled", filled))

	return TrackResult{Placement: p, Status: TrackFailed, Filled: filled, Err: err}
}

func parseSize(s string, fallback ledger.Amount) ledger.Amount {
	if s == "" {
		return fallback
	}

	a, err := ledger.ParseAmount(s)
	if err != nil {
		return fallback
	}

	return a
}
