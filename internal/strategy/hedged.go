package strategy

import (
	"errors"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/execution"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"go.uber.org/zap"
)

// Hedged rests a limit buy on the opposite side whenever the ledger holds
// unpaired exposure and completing the pair costs at most the target.
type Hedged struct {
	target      ledger.Amount
	maxUnpaired ledger.Amount
	closeBuffer time.Duration
	logger      *zap.Logger

	lastReason string
}

// NewHedged creates the hedged policy.
func NewHedged(cfg *Config) (*Hedged, error) {
	if cfg.TargetCombined <= 0 || cfg.TargetCombined > ledger.One {
		return nil, errors.New("target combined cost must be in (0, 1]")
	}

	if cfg.MaxUnpaired <= 0 {
		return nil, errors.New("max unpaired must be positive")
	}

	return &Hedged{
		target:      cfg.TargetCombined,
		maxUnpaired: cfg.MaxUnpaired,
		closeBuffer: cfg.CloseBuffer,
		logger:      cfg.Logger,
	}, nil
}

// Name returns "hedged".
func (h *Hedged) Name() string { return NameHedged }

// Decide emits at most one GTC buy per tick.
func (h *Hedged) Decide(view View) []execution.Intent {
	intent, reason := h.decide(view)
	h.report(reason)

	if intent == nil {
		return nil
	}

	DecisionsTotal.WithLabelValues(NameHedged, "hedge").Inc()
	return []execution.Intent{*intent}
}

func (h *Hedged) decide(view View) (*execution.Intent, string) {
	_, unpaired, exposed := view.Analysis.Unpaired()

	switch {
	case !exposed:
		return nil, "balanced"
	case view.Market == nil:
		return nil, "no-market"
	case !view.Now.Before(view.Market.CloseTime.Add(-h.closeBuffer)):
		return nil, "closing"
	case view.Stale():
		return nil, "stale"
	case view.OpenOrders > 0:
		return nil, "order-open"
	case unpaired > h.maxUnpaired:
		return nil, "exposure-limit"
	}

	rec := view.Recommendation
	if !rec.Actionable() {
		return nil, "no-quote"
	}

	if rec.CombinedCost > h.target {
		return nil, "too-expensive"
	}

	if view.Market.MinOrderSize > 0 && rec.Quantity < ledger.AmountFromFloat(view.Market.MinOrderSize) {
		return nil, "below-min-size"
	}

	return &execution.Intent{
		Market:      view.Market,
		Action:      execution.ActionBuy,
		Side:        rec.Side,
		LimitPrice:  rec.Ask,
		Quantity:    rec.Quantity,
		TimeInForce: execution.GTC,
		Source:      NameHedged,
	}, "hedge"
}

// report logs and counts a reason once per change so quiet ticks stay quiet.
func (h *Hedged) report(reason string) {
	if reason == h.lastReason {
		return
	}
	h.lastReason = reason

	if reason != "hedge" {
		DecisionsTotal.WithLabelValues(NameHedged, reason).Inc()
	}

	h.logger.Debug("hedge-decision", zap.String("reason", reason))
}
