// Package strategy decides which orders the trading loop places. Two policies
// share the ledger and settlement core: manual, which only prices operator
// requests, and hedged, which closes unpaired exposure with resting limit buys.
package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/execution"
	"github.com/p16-hash/polyterminal-automation/internal/feed"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

// Policy names accepted by New.
const (
	NameManual = "manual"
	NameHedged = "hedged"
)

var (
	// ErrNoQuote is returned when the side to trade has no usable price.
	ErrNoQuote = errors.New("no quote for side")

	// ErrNothingToSell is returned for a sell-all of a side the ledger does not hold.
	ErrNothingToSell = errors.New("nothing to sell")
)

// View is what a policy sees on one tick.
type View struct {
	Market         *types.Market
	Snapshot       feed.Snapshot
	StaleErr       error
	Analysis       ledger.PairedAnalysis
	Recommendation ledger.Recommendation
	Holdings       [2]ledger.Amount
	OpenOrders     int
	Now            time.Time
}

// Stale reports whether the snapshot must not be traded on.
func (v View) Stale() bool {
	return v.StaleErr != nil
}

// Policy turns a view into order intents.
type Policy interface {
	Name() string
	Decide(view View) []execution.Intent
}

// Config holds policy configuration.
type Config struct {
	Name string
	// TargetCombined is the most the hedged policy pays per completed pair.
	TargetCombined ledger.Amount
	// MaxUnpaired is the exposure above which the hedged policy stops.
	MaxUnpaired ledger.Amount
	// CloseBuffer stops automatic orders this long before the market closes.
	CloseBuffer time.Duration
	Logger      *zap.Logger
}

// New builds the named policy.
func New(cfg *Config) (Policy, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	switch cfg.Name {
	case NameManual, "":
		return Manual{}, nil
	case NameHedged:
		return NewHedged(cfg)
	default:
		return nil, fmt.Errorf("unknown policy %q", cfg.Name)
	}
}

// OperatorIntent prices an operator request at the live book as a
// fill-or-kill order: buys at the ask, sells at the bid. Sells always cover the
// whole holding of the side; zero quantity means exactly that.
func OperatorIntent(view View, action execution.Action, side types.Side, quantity ledger.Amount) (intent execution.Intent, err error) {
	if view.Market == nil {
		return intent, errors.New("no active market")
	}

	if view.Stale() {
		return intent, fmt.Errorf("refusing to price on stale data: %w", view.StaleErr)
	}

	quote := view.Snapshot.Book.Quote(side)

	price := quote.Ask
	if action == execution.ActionSell {
		price = quote.Bid
		if quantity <= 0 {
			quantity = view.Holdings[side]
		}
		if quantity <= 0 {
			return intent, fmt.Errorf("%w: %s", ErrNothingToSell, side)
		}
		// The ledger closes a side as a whole, so partial sells are refused.
		if quantity != view.Holdings[side] {
			return intent, fmt.Errorf("sell %s of %s must equal the holding %s", quantity, side, view.Holdings[side])
		}
	}

	// The feed reports an empty side as zero or a 1.00 ask.
	if price <= 0 || (action == execution.ActionBuy && price >= ledger.One) {
		return intent, fmt.Errorf("%w: %s", ErrNoQuote, side)
	}

	intent = execution.Intent{
		Market:      view.Market,
		Action:      action,
		Side:        side,
		LimitPrice:  price,
		Quantity:    quantity,
		TimeInForce: execution.FOK,
		Source:      "operator",
	}

	return intent, intent.Validate()
}

// Manual never trades on its own.
type Manual struct{}

// Name returns "manual".
func (Manual) Name() string { return NameManual }

// Decide returns nothing.
func (Manual) Decide(View) []execution.Intent { return nil }
