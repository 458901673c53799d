package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// ConsoleStorage implements Storage by printing one line per event.
type ConsoleStorage struct {
	out    io.Writer
	logger *zap.Logger
}

// NewConsoleStorage creates a new console storage writing to stdout.
func NewConsoleStorage(logger *zap.Logger) *ConsoleStorage {
	logger.Info("console-storage-initialized")
	return &ConsoleStorage{
		out:    os.Stdout,
		logger: logger,
	}
}

// StoreFill prints a fill.
func (c *ConsoleStorage) StoreFill(_ context.Context, fill *Fill) error {
	action := "FILL"
	if fill.Reverted {
		action = "REVERT"
	}

	_, err := fmt.Fprintf(c.out, "%s %-6s %s %-4s %s @ %s = $%s (order %s)\n",
		fill.FilledAt.Format("15:04:05"), action, fill.MarketSlug, fill.Side,
		fill.Quantity, fill.Price, fill.Cost, fill.OrderID)
	if err != nil {
		return fmt.Errorf("write fill: %w", err)
	}

	return nil
}

// StoreSettlement prints a settlement record.
func (c *ConsoleStorage) StoreSettlement(_ context.Context, s *Settlement) error {
	_, err := fmt.Fprintf(c.out, "%s SETTLE %s state=%s outcome=%s winner=%s attempts=%d pnl=$%s tx=%s\n",
		s.UpdatedAt.Format("15:04:05"), s.MarketSlug, s.State, s.Outcome, s.Winner,
		s.Attempts, s.RealizedPnL, s.TxHash)
	if err != nil {
		return fmt.Errorf("write settlement: %w", err)
	}

	if s.LastError != "" {
		c.logger.Warn("settlement-error-recorded",
			zap.String("market-slug", s.MarketSlug),
			zap.String("error", s.LastError))
	}

	return nil
}

// Close is a no-op for console storage.
func (c *ConsoleStorage) Close() error {
	c.logger.Info("closing-console-storage")
	return nil
}
