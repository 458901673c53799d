package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrNoLiquidity is returned when a fill-or-kill order found nothing to match
	// at its limit price.
	ErrNoLiquidity = errors.New("no liquidity at limit price")

	// ErrBuysSuspended is returned while the balance circuit breaker is open.
	ErrBuysSuspended = errors.New("buys suspended: balance below minimum")
)

// TimeInForce is how long an order may rest on the book.
type TimeInForce string

const (
	// FOK fills completely at once or not at all.
	FOK TimeInForce = types.OrderTypeFOK
	// GTC rests on the book until filled or canceled.
	GTC TimeInForce = types.OrderTypeGTC
)

// Action is the direction of an intent.
type Action int

const (
	// ActionBuy buys contracts at or below the limit price.
	ActionBuy Action = iota
	// ActionSell sells contracts at or above the limit price.
	ActionSell
)

// String returns "buy" or "sell".
func (a Action) String() string {
	if a == ActionSell {
		return "sell"
	}
	return "buy"
}

// MarshalText encodes the action name.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// ParseAction parses "buy" or "sell". An empty string is a buy.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "buy":
		return ActionBuy, nil
	case "sell":
		return ActionSell, nil
	default:
		return ActionBuy, fmt.Errorf("unknown action %q", s)
	}
}

// Intent is a request to trade one side of the current market.
type Intent struct {
	ID          uuid.UUID     `json:"id"`
	Market      *types.Market `json:"-"`
	Action      Action        `json:"action"`
	Side        types.Side    `json:"side"`
	LimitPrice  ledger.Amount `json:"limit_price"`
	Quantity    ledger.Amount `json:"quantity"`
	TimeInForce TimeInForce   `json:"time_in_force"`
	Source      string        `json:"source"`
}

// Validate checks the intent before anything is signed.
func (i Intent) Validate() error {
	switch {
	case i.Market == nil:
		return errors.New("intent has no market")
	case !i.Side.Valid():
		return fmt.Errorf("invalid side %v", i.Side)
	case i.LimitPrice <= 0 || i.LimitPrice > ledger.One:
		return fmt.Errorf("limit price %s outside (0, 1]", i.LimitPrice)
	case i.Quantity <= 0:
		return fmt.Errorf("quantity %s must be positive", i.Quantity)
	case i.TimeInForce != FOK && i.TimeInForce != GTC:
		return fmt.Errorf("unknown time in force %q", i.TimeInForce)
	}
	return nil
}

// PlacementStatus is what is known about an order right after posting it.
type PlacementStatus int

const (
	// PlacementFilled means the order matched when posted.
	PlacementFilled PlacementStatus = iota
	// PlacementInFlight means the order is live or delayed and its fill is not
	// yet known.
	PlacementInFlight
)

// String returns "filled" or "in-flight".
func (s PlacementStatus) String() string {
	if s == PlacementInFlight {
		return "in-flight"
	}
	return "filled"
}

// Placement is an accepted order. Price and Quantity are what the ledger should
// record: the executed average and size for a fill, the limit and requested
// size for an in-flight order.
type Placement struct {
	IntentID uuid.UUID
	OrderID  string
	Market   *types.Market
	Action   Action
	Side     types.Side
	Price    ledger.Amount
	Quantity ledger.Amount
	Status   PlacementStatus
	PlacedAt time.Time
}

// OrderAPI is the subset of OrderClient the gateway and tracker use.
type OrderAPI interface {
	PostOrder(ctx context.Context, req OrderRequest) (*types.OrderSubmissionResponse, error)
	GetOrder(ctx context.Context, orderID string) (*types.OrderQueryResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// BuyGate reports whether new buys are allowed.
type BuyGate interface {
	IsEnabled() bool
}

// GatewayConfig holds gateway configuration.
type GatewayConfig struct {
	Client OrderAPI
	// Gate is optional; without one buys are never suspended.
	Gate   BuyGate
	Logger *zap.Logger
	Now    func() time.Time
}

// Gateway turns intents into CLOB orders.
type Gateway struct {
	client OrderAPI
	gate   BuyGate
	logger *zap.Logger
	now    func() time.Time
}

// NewGateway creates a gateway.
func NewGateway(cfg *GatewayConfig) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("order client cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Gateway{
		client: cfg.Client,
		gate:   cfg.Gate,
		logger: cfg.Logger,
		now:    now,
	}, nil
}

// Place posts the intent as a limit order. Buys are refused while the gate is
// closed; sells always go through.
func (g *Gateway) Place(ctx context.Context, intent Intent) (placement Placement, err error) {
	err = intent.Validate()
	if err != nil {
		return placement, fmt.Errorf("validate intent: %w", err)
	}

	if intent.Action == ActionBuy && g.gate != nil && !g.gate.IsEnabled() {
		OrdersTotal.WithLabelValues(string(intent.TimeInForce), "suspended").Inc()
		return placement, ErrBuysSuspended
	}

	if intent.ID == uuid.Nil {
		intent.ID = uuid.New()
	}

	logger := g.logger.With(
		zap.String("intent-id", intent.ID.String()),
		zap.String("market", intent.Market.Slug),
		zap.Stringer("action", intent.Action),
		zap.Stringer("side", intent.Side),
		zap.Stringer("limit-price", intent.LimitPrice),
		zap.Stringer("quantity", intent.Quantity),
		zap.String("time-in-force", string(intent.TimeInForce)))

	resp, err := g.client.PostOrder(ctx, OrderRequest{
		TokenID:   intent.Market.TokenFor(intent.Side),
		Sell:      intent.Action == ActionSell,
		Price:     intent.LimitPrice,
		Quantity:  intent.Quantity,
		OrderType: string(intent.TimeInForce),
		NegRisk:   intent.Market.Variant == types.VariantBatch,
	})
	if err != nil {
		if isNoMatch(err.Error()) {
			OrdersTotal.WithLabelValues(string(intent.TimeInForce), "no-liquidity").Inc()
			logger.Info("order-not-matched", zap.Error(err))
			return placement, fmt.Errorf("%w: %v", ErrNoLiquidity, err)
		}

		OrdersTotal.WithLabelValues(string(intent.TimeInForce), "error").Inc()
		logger.Error("order-post-failed", zap.Error(err))
		return placement, err
	}

	if !resp.Success && resp.ErrorMsg != "" {
		if isNoMatch(resp.ErrorMsg) {
			OrdersTotal.WithLabelValues(string(intent.TimeInForce), "no-liquidity").Inc()
			return placement, fmt.Errorf("%w: %s", ErrNoLiquidity, resp.ErrorMsg)
		}

		OrdersTotal.WithLabelValues(string(intent.TimeInForce), "rejected").Inc()
		return placement, &types.OrderError{
			Code:    types.ErrUnknownStatus,
			Message: resp.ErrorMsg,
			OrderID: resp.OrderID,
			Side:    intent.Side.String(),
		}
	}

	placement = Placement{
		IntentID: intent.ID,
		OrderID:  resp.OrderID,
		Market:   intent.Market,
		Action:   intent.Action,
		Side:     intent.Side,
		Price:    intent.LimitPrice,
		Quantity: intent.Quantity / shareStep * shareStep,
		PlacedAt: g.now(),
	}

	status := types.NormalizeOrderStatus(resp.Status)
	switch status {
	case types.OrderStatusMatched:
		placement.Status = PlacementFilled
		price, quantity, ok := executed(resp, intent.Action)
		if ok && withinLimit(intent, price) {
			placement.Price = price
			placement.Quantity = quantity
		}

	case types.OrderStatusLive, types.OrderStatusDelayed:
		placement.Status = PlacementInFlight

	case types.OrderStatusUnmatched:
		OrdersTotal.WithLabelValues(string(intent.TimeInForce), "no-liquidity").Inc()
		logger.Info("order-unmatched", zap.String("order-id", resp.OrderID))
		return Placement{}, ErrNoLiquidity

	default:
		OrdersTotal.WithLabelValues(string(intent.TimeInForce), "unknown").Inc()
		return Placement{}, &types.OrderError{
			Code:    types.ErrUnknownStatus,
			Message: fmt.Sprintf("unexpected status %q", resp.Status),
			OrderID: resp.OrderID,
			Side:    intent.Side.String(),
		}
	}

	if placement.OrderID == "" {
		return Placement{}, fmt.Errorf("order accepted with status %s but no order id", status)
	}

	OrdersTotal.WithLabelValues(string(intent.TimeInForce), placement.Status.String()).Inc()
	logger.Info("order-placed",
		zap.String("order-id", placement.OrderID),
		zap.Stringer("status", placement.Status),
		zap.Stringer("price", placement.Price),
		zap.Stringer("filled", placement.Quantity))

	return placement, nil
}

// Cancel cancels a resting order.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	err := g.client.CancelOrder(ctx, orderID)
	if err != nil {
		g.logger.Warn("order-cancel-failed", zap.String("order-id", orderID), zap.Error(err))
		return err
	}

	g.logger.Info("order-canceled", zap.String("order-id", orderID))
	return nil
}

// executed derives the average price and size of a matched order. A buy makes
// USDC and takes shares; a sell makes shares and takes USDC.
func executed(resp *types.OrderSubmissionResponse, action Action) (price, quantity ledger.Amount, ok bool) {
	if resp.MakingAmount == "" || resp.TakingAmount == "" {
		return 0, 0, false
	}

	making, err := ledger.ParseAmount(resp.MakingAmount)
	if err != nil {
		return 0, 0, false
	}

	taking, err := ledger.ParseAmount(resp.TakingAmount)
	if err != nil || taking <= 0 || making <= 0 {
		return 0, 0, false
	}

	if action == ActionSell {
		return ledger.Prorate(ledger.One, taking, making), making, true
	}

	return ledger.Prorate(ledger.One, making, taking), taking, true
}

func withinLimit(intent Intent, price ledger.Amount) bool {
	if intent.Action == ActionSell {
		return price >= intent.LimitPrice
	}
	return price <= intent.LimitPrice
}

func isNoMatch(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, strings.ToLower(types.ErrFOKNotFilled)) ||
		strings.Contains(m, "no match") ||
		strings.Contains(m, "couldn't be fully filled") ||
		strings.Contains(m, "not filled")
}
