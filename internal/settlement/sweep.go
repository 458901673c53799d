package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

// SweepLockTimeout is how long a sweep waits for the redeem lock per market.
const SweepLockTimeout = 60 * time.Second

// SweepResult is what settling one market of a sweep produced.
type SweepResult struct {
	Market *types.Market
	View   View
	Err    error
}

// Sweep settles each market in turn. A failed or contended market never stops
// the sweep; contended markets are picked up by the next one. The sweep stops
// early only when ctx ends.
func (e *Engine) Sweep(ctx context.Context, markets []*types.Market, lockTimeout time.Duration) []SweepResult {
	if lockTimeout <= 0 {
		lockTimeout = SweepLockTimeout
	}

	results := make([]SweepResult, 0, len(markets))
	for _, market := range markets {
		if ctx.Err() != nil {
			e.logger.Warn("sweep-interrupted",
				zap.Int("settled", len(results)),
				zap.Int("remaining", len(markets)-len(results)))
			break
		}

		rec, err := e.Settle(ctx, Request{Market: market, LockTimeout: lockTimeout})

		result := SweepResult{Market: market, Err: err}
		if rec != nil {
			result.View = rec.View()
		}
		results = append(results, result)

		SweepMarketsTotal.WithLabelValues(sweepLabel(err)).Inc()
	}

	e.logger.Info("sweep-complete", zap.Int("markets", len(results)))
	return results
}

func sweepLabel(err error) string {
	switch {
	case err == nil:
		return "settled"
	case errors.Is(err, ErrNotResolved):
		return "not-resolved"
	case errors.Is(err, ErrLockContended):
		return "contended"
	case errors.Is(err, ErrInProgress):
		return "in-progress"
	default:
		return "error"
	}
}
