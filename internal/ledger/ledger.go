// Package ledger keeps the cost-weighted holdings of one market-cycle session in
// the two complementary outcome tokens and derives the paired/unpaired split.
//
// All accumulator state is fixed-point (see Amount). Every Fill stores the exact
// cost it added, so reverting a fill subtracts that stored value and restores the
// accumulator bit for bit.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrInvalidFill is returned for fills with a non-positive price or quantity,
	// a price above $1, an invalid side or an empty order id.
	ErrInvalidFill = errors.New("invalid fill")

	// ErrInvariant is returned when a mutation would drive an accumulator negative.
	// The mutation is aborted and the ledger left untouched.
	ErrInvariant = errors.New("ledger invariant violated")
)

// Fill is one recorded execution. It is immutable once recorded.
type Fill struct {
	Side      types.Side `json:"side"`
	Price     Amount     `json:"price"`
	Quantity  Amount     `json:"quantity"`
	Cost      Amount     `json:"cost"`
	OrderID   string     `json:"order_id"`
	Timestamp time.Time  `json:"timestamp"`
}

// SideAccumulator holds the running totals of one side.
type SideAccumulator struct {
	TotalCost     Amount `json:"total_cost"`
	TotalQuantity Amount `json:"total_quantity"`
}

// AveragePrice is TotalCost/TotalQuantity, or zero for an empty side.
func (s SideAccumulator) AveragePrice() Amount {
	if s.TotalQuantity == 0 {
		return 0
	}
	return Prorate(One, s.TotalCost, s.TotalQuantity)
}

// Config holds Ledger configuration.
type Config struct {
	MarketID string
	Logger   *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Ledger is the position ledger of one session. It is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	marketID string
	fills    []Fill
	sides    [2]SideAccumulator
	realized Amount
	trades   int
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an empty ledger.
func New(cfg *Config) (*Ledger, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Ledger{
		marketID: cfg.MarketID,
		logger:   cfg.Logger.With(zap.String("market-id", cfg.MarketID)),
		now:      now,
	}, nil
}

// MarketID returns the market the ledger belongs to.
func (l *Ledger) MarketID() string {
	return l.marketID
}

// RecordFill appends a fill and adds price*quantity to the side's accumulator.
func (l *Ledger) RecordFill(side types.Side, price, quantity Amount, orderID string) (fill Fill, err error) {
	if !side.Valid() {
		return fill, fmt.Errorf("%w: side %v", ErrInvalidFill, side)
	}
	if price <= 0 || price > One {
		return fill, fmt.Errorf("%w: price %s outside (0, 1]", ErrInvalidFill, price)
	}
	if quantity <= 0 {
		return fill, fmt.Errorf("%w: quantity %s must be positive", ErrInvalidFill, quantity)
	}
	if orderID == "" {
		return fill, fmt.Errorf("%w: empty order id", ErrInvalidFill)
	}

	fill = Fill{
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Cost:      MulPrice(price, quantity),
		OrderID:   orderID,
		Timestamp: l.now(),
	}

	l.mu.Lock()
	acc := &l.sides[side]
	acc.TotalCost += fill.Cost
	acc.TotalQuantity += fill.Quantity
	l.fills = append(l.fills, fill)
	l.trades++
	l.mu.Unlock()

	FillsTotal.WithLabelValues(side.String()).Inc()
	l.logger.Debug("fill-recorded",
		zap.Stringer("side", side),
		zap.Stringer("price", price),
		zap.Stringer("quantity", quantity),
		zap.Stringer("cost", fill.Cost),
		zap.String("order-id", orderID))

	return fill, nil
}

// RevertFill removes every fill recorded under orderID and subtracts exactly the
// cost and quantity each one added. An unknown order id is a no-op.
func (l *Ledger) RevertFill(orderID string) (reverted []Fill, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.sides
	kept := make([]Fill, 0, len(l.fills))
	for _, f := range l.fills {
		if f.OrderID != orderID {
			kept = append(kept, f)
			continue
		}
		next[f.Side].TotalCost -= f.Cost
		next[f.Side].TotalQuantity -= f.Quantity
		reverted = append(reverted, f)
	}

	if len(reverted) == 0 {
		return nil, nil
	}

	for _, side := range types.Sides {
		if next[side].TotalCost < 0 || next[side].TotalQuantity < 0 {
			InvariantViolationsTotal.Inc()
			l.logger.Error("ledger-invariant-violated",
				zap.String("order-id", orderID),
				zap.Stringer("side", side),
				zap.Stringer("cost", next[side].TotalCost),
				zap.Stringer("quantity", next[side].TotalQuantity))
			return nil, fmt.Errorf("%w: revert %s leaves %s negative", ErrInvariant, orderID, side)
		}
	}

	l.sides = next
	l.fills = kept
	l.trades -= len(reverted)

	RevertsTotal.Inc()
	l.logger.Info("fill-reverted",
		zap.String("order-id", orderID),
		zap.Int("fills", len(reverted)))

	return reverted, nil
}

// CloseSide removes every fill of a side valuing each contract at settlementPrice,
// adds the profit to realized P/L and zeroes the side. A second call without new
// fills returns zero.
func (l *Ledger) CloseSide(side types.Side, settlementPrice Amount) (profit Amount, err error) {
	if !side.Valid() {
		return 0, fmt.Errorf("%w: side %v", ErrInvalidFill, side)
	}
	if settlementPrice < 0 || settlementPrice > One {
		return 0, fmt.Errorf("settlement price %s outside [0, 1]", settlementPrice)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := make([]Fill, 0, len(l.fills))
	closed := 0
	for _, f := range l.fills {
		if f.Side != side {
			kept = append(kept, f)
			continue
		}
		profit += MulPrice(settlementPrice, f.Quantity) - f.Cost
		closed++
	}

	l.fills = kept
	l.sides[side] = SideAccumulator{}
	l.realized += profit

	if closed > 0 {
		l.logger.Info("side-closed",
			zap.Stringer("side", side),
			zap.Stringer("settlement-price", settlementPrice),
			zap.Int("fills", closed),
			zap.Stringer("profit", profit))
	}

	return profit, nil
}

// Reset clears fills, accumulators and session counters.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fills = nil
	l.sides = [2]SideAccumulator{}
	l.realized = 0
	l.trades = 0
}

// Side returns the accumulator of a side, or a zero accumulator for an
// unknown side.
func (l *Ledger) Side(side types.Side) SideAccumulator {
	if !side.Valid() {
		return SideAccumulator{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sides[side]
}

// HasPositions reports whether either side holds any quantity.
func (l *Ledger) HasPositions() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sides[types.SideUp].TotalQuantity > 0 || l.sides[types.SideDown].TotalQuantity > 0
}

// Quantities returns the UP and DOWN quantities in outcome-index order.
func (l *Ledger) Quantities() [2]Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return [2]Amount{l.sides[types.SideUp].TotalQuantity, l.sides[types.SideDown].TotalQuantity}
}

// TotalInvested is the open cost of both sides.
func (l *Ledger) TotalInvested() Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sides[types.SideUp].TotalCost + l.sides[types.SideDown].TotalCost
}

// RealizedPnL is the profit booked by CloseSide during this session.
func (l *Ledger) RealizedPnL() Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized
}

// Fills returns a copy of the open fills in the order they were recorded.
func (l *Ledger) Fills() []Fill {
	l.mu.Lock()
	defer l.mu.Unlock()

	fills := make([]Fill, len(l.fills))
	copy(fills, l.fills)
	return fills
}

// PnLIfResolves is the profit if the winning side pays $1 and the other pays
// zero. An unknown winner yields zero.
func (l *Ledger) PnLIfResolves(winner types.Side) Amount {
	if !winner.Valid() {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sides[winner].TotalQuantity - (l.sides[types.SideUp].TotalCost + l.sides[types.SideDown].TotalCost)
}

// PairedAnalysis splits holdings into guaranteed pairs and unpaired exposure.
func (l *Ledger) PairedAnalysis() PairedAnalysis {
	l.mu.Lock()
	defer l.mu.Unlock()
	return analyze(l.sides)
}

// Snapshot is a consistent read-only view of the ledger for display.
type Snapshot struct {
	MarketID      string          `json:"market_id"`
	Up            SideAccumulator `json:"up"`
	Down          SideAccumulator `json:"down"`
	AvgUp         Amount          `json:"avg_up"`
	AvgDown       Amount          `json:"avg_down"`
	Paired        PairedAnalysis  `json:"paired"`
	TotalInvested Amount          `json:"total_invested"`
	PnLIfUp       Amount          `json:"pnl_if_up"`
	PnLIfDown     Amount          `json:"pnl_if_down"`
	RealizedPnL   Amount          `json:"realized_pnl"`
	TradeCount    int             `json:"trade_count"`
	OpenFills     int             `json:"open_fills"`
}

// Snapshot returns every derived figure computed under one lock.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	up, down := l.sides[types.SideUp], l.sides[types.SideDown]
	invested := up.TotalCost + down.TotalCost

	return Snapshot{
		MarketID:      l.marketID,
		Up:            up,
		Down:          down,
		AvgUp:         up.AveragePrice(),
		AvgDown:       down.AveragePrice(),
		Paired:        analyze(l.sides),
		TotalInvested: invested,
		PnLIfUp:       up.TotalQuantity - invested,
		PnLIfDown:     down.TotalQuantity - invested,
		RealizedPnL:   l.realized,
		TradeCount:    l.trades,
		OpenFills:     len(l.fills),
	}
}
