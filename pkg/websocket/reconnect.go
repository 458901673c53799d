package websocket

import (
	"context"
	"time"

	"github.com/p16-hash/polyterminal-automation/pkg/retry"
	"go.uber.org/zap"
)

// ReconnectConfig holds the configuration for exponential backoff reconnection.
type ReconnectConfig struct {
	Name              string
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterPercent     float64 // 0.2 = 20%

	// Clock defaults to the wall clock.
	Clock retry.Clock
}

// Reconnector retries a connect function until it succeeds or ctx ends.
type Reconnector struct {
	name    string
	backoff retry.BackoffFunc
	clock   retry.Clock
	logger  *zap.Logger
}

// NewReconnector creates a reconnector with the specified config.
func NewReconnector(cfg ReconnectConfig, logger *zap.Logger) *Reconnector {
	clock := cfg.Clock
	if clock == nil {
		clock = retry.RealClock{}
	}

	return &Reconnector{
		name:    cfg.Name,
		backoff: retry.Exponential(cfg.InitialDelay, cfg.MaxDelay, cfg.BackoffMultiplier, cfg.JitterPercent),
		clock:   clock,
		logger:  logger,
	}
}

// Reconnect waits the backoff for each attempt, then calls connect. The delay
// sequence restarts from the initial delay on every call. It returns nil on
// success and ctx.Err() when cancelled.
func (r *Reconnector) Reconnect(ctx context.Context, connect func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		backoff := r.backoff(attempt)

		r.logger.Info("attempting-reconnection",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		ReconnectAttemptsTotal.WithLabelValues(r.name).Inc()

		select {
		case <-r.clock.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		err := connect(ctx)
		if err == nil {
			r.logger.Info("reconnection-successful", zap.Int("attempt", attempt))
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warn("reconnection-failed", zap.Int("attempt", attempt), zap.Error(err))
		ReconnectFailuresTotal.WithLabelValues(r.name).Inc()
	}
}
