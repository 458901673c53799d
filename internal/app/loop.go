package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/p16-hash/polyterminal-automation/internal/execution"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/internal/notify"
	"github.com/p16-hash/polyterminal-automation/internal/storage"
	"github.com/p16-hash/polyterminal-automation/internal/strategy"
	"go.uber.org/zap"
)

const (
	placeTimeout = 15 * time.Second
	storeTimeout = 5 * time.Second
)

// startLoop runs the main loop on its own goroutine.
func (a *App) startLoop() {
	a.loopStarted.Store(true)
	go a.runLoop()
}

// runLoop is the only goroutine that touches the session, the ledger of the
// current session and the open orders.
func (a *App) runLoop() {
	defer close(a.loopDone)

	ticker := time.NewTicker(a.cfg.TradingTickInterval)
	defer ticker.Stop()

	a.tick(a.now())

	for {
		select {
		case <-a.ctx.Done():
			return
		case req := <-a.requests:
			a.handleRequest(req)
			a.publishStatus(a.now())
		case res := <-a.tracker.Results():
			a.handleTrackResult(res)
			a.publishStatus(a.now())
		case <-ticker.C:
			a.tick(a.now())
		}
	}
}

// tick advances the session and runs the policy once.
func (a *App) tick(now time.Time) {
	start := time.Now()
	defer func() { TickDuration.Observe(time.Since(start).Seconds()) }()

	a.ensureSession(now)

	if a.session != nil {
		view := a.view(now)
		for _, intent := range a.policy.Decide(view) {
			_, _ = a.place(intent, a.session.ledger)
		}
	}

	a.publishStatus(now)
}

// view is what the policy and operator intents are priced against.
func (a *App) view(now time.Time) strategy.View {
	v := strategy.View{Now: now, OpenOrders: len(a.open)}
	if a.session == nil {
		return v
	}

	v.Market = a.session.market
	v.Snapshot, v.StaleErr = a.feed.Snapshot(now)

	l := a.session.ledger
	v.Analysis = l.PairedAnalysis()
	v.Holdings = l.Quantities()
	if !v.Stale() {
		askUp, askDown := v.Snapshot.Book.Asks()
		v.Recommendation = l.BuyRecommendation(askUp, askDown)
	}

	return v
}

// place sends an intent and books the result into l.
func (a *App) place(intent execution.Intent, l *ledger.Ledger) (execution.Placement, error) {
	ctx, cancel := context.WithTimeout(a.ctx, placeTimeout)
	defer cancel()

	p, err := a.gateway.Place(ctx, intent)
	if err != nil {
		IntentsTotal.WithLabelValues(intent.Source, "rejected").Inc()
		a.logger.Warn("intent-rejected",
			zap.String("source", intent.Source),
			zap.Stringer("action", intent.Action),
			zap.Stringer("side", intent.Side),
			zap.Stringer("limit-price", intent.LimitPrice),
			zap.Stringer("quantity", intent.Quantity),
			zap.Error(err))

		if errors.Is(err, execution.ErrNoLiquidity) {
			a.notifier.Notify(fmt.Sprintf("%s %s %s: no liquidity at %s",
				intent.Action, intent.Quantity, intent.Side, intent.LimitPrice), notify.Info)
		}
		return p, err
	}

	IntentsTotal.WithLabelValues(intent.Source, p.Status.String()).Inc()
	a.applyPlacement(p, l)

	return p, nil
}

// applyPlacement books an accepted order. In-flight buys are booked at the
// limit price right away and reconciled when the tracker reports.
func (a *App) applyPlacement(p execution.Placement, l *ledger.Ledger) {
	if p.Action == execution.ActionBuy {
		a.recordBuy(l, p, p.Quantity)
	}

	if p.Status == execution.PlacementInFlight {
		a.open[p.OrderID] = openOrder{placement: p, ledger: l}
		OpenOrders.Set(float64(len(a.open)))
		a.tracker.Track(a.ctx, p)
		return
	}

	if p.Action == execution.ActionSell {
		a.closeSold(l, p)
		return
	}

	a.notifier.Notify(fmt.Sprintf("Bought %s %s at %s", p.Quantity, p.Side, p.Price), notify.Info)
}

func (a *App) recordBuy(l *ledger.Ledger, p execution.Placement, quantity ledger.Amount) {
	fill, err := l.RecordFill(p.Side, p.Price, quantity, p.OrderID)
	if err != nil {
		a.logger.Error("record-fill-failed",
			zap.String("order-id", p.OrderID),
			zap.Stringer("side", p.Side),
			zap.Error(err))
		a.notifier.Notify(fmt.Sprintf("Fill of order %s not recorded: %v", p.OrderID, err), notify.Critical)
		return
	}

	a.storeFill(l.MarketID(), fill, false)

	if a.breaker != nil {
		a.breaker.RecordSpend(fill.Cost)
	}
}

func (a *App) closeSold(l *ledger.Ledger, p execution.Placement) {
	profit, err := l.CloseSide(p.Side, p.Price)
	if err != nil {
		a.logger.Error("close-side-failed", zap.String("order-id", p.OrderID), zap.Error(err))
		a.notifier.Notify(fmt.Sprintf("Sold %s %s but the ledger was not closed: %v", p.Quantity, p.Side, err), notify.Critical)
		return
	}

	a.logger.Info("side-sold",
		zap.String("market", l.MarketID()),
		zap.Stringer("side", p.Side),
		zap.Stringer("price", p.Price),
		zap.Stringer("profit", profit))
	a.notifier.Notify(fmt.Sprintf("Sold %s %s at %s, P/L %s", p.Quantity, p.Side, p.Price, profit), notify.Info)
}

// handleTrackResult reconciles an in-flight order with its final state.
func (a *App) handleTrackResult(res execution.TrackResult) {
	TrackResultsTotal.WithLabelValues(res.Status.String()).Inc()

	p := res.Placement
	entry, ok := a.open[p.OrderID]
	if !ok {
		a.logger.Warn("track-result-for-unknown-order", zap.String("order-id", p.OrderID))
		return
	}
	delete(a.open, p.OrderID)
	OpenOrders.Set(float64(len(a.open)))

	l := entry.ledger
	logger := a.logger.With(
		zap.String("order-id", p.OrderID),
		zap.Stringer("action", p.Action),
		zap.Stringer("side", p.Side),
		zap.Stringer("filled", res.Filled))

	switch {
	case res.Status == execution.TrackMatched && p.Action == execution.ActionSell:
		a.closeSold(l, p)
	case res.Status == execution.TrackMatched:
		logger.Info("order-matched")
		a.notifier.Notify(fmt.Sprintf("Order %s filled: %s %s at %s", p.OrderID, p.Quantity, p.Side, p.Price), notify.Info)
	case p.Action == execution.ActionBuy:
		a.revertBuy(l, p, res.Filled, logger)
	default:
		logger.Warn("sell-not-filled", zap.Error(res.Err))
		if res.Filled > 0 {
			a.notifier.Notify(fmt.Sprintf("Sell %s of %s filled %s of %s; check the position",
				p.OrderID, p.Side, res.Filled, p.Quantity), notify.Warn)
		}
	}
}

// revertBuy undoes the optimistic booking of a failed buy and re-books the
// part that did fill under the same order id.
func (a *App) revertBuy(l *ledger.Ledger, p execution.Placement, filled ledger.Amount, logger *zap.Logger) {
	reverted, err := l.RevertFill(p.OrderID)
	if err != nil {
		logger.Error("revert-fill-failed", zap.Error(err))
		a.notifier.Notify(fmt.Sprintf("Revert of order %s failed: %v", p.OrderID, err), notify.Critical)
		return
	}

	for _, fill := range reverted {
		a.storeFill(l.MarketID(), fill, true)
	}

	if filled <= 0 {
		logger.Info("order-expired-unfilled")
		a.notifier.Notify(fmt.Sprintf("Order %s for %s %s ended unfilled", p.OrderID, p.Quantity, p.Side), notify.Warn)
		return
	}

	fill, err := l.RecordFill(p.Side, p.Price, filled, p.OrderID)
	if err != nil {
		logger.Error("record-partial-fill-failed", zap.Error(err))
		a.notifier.Notify(fmt.Sprintf("Partial fill of order %s not recorded: %v", p.OrderID, err), notify.Critical)
		return
	}
	a.storeFill(l.MarketID(), fill, false)

	logger.Warn("order-partially-filled")
	a.notifier.Notify(fmt.Sprintf("Order %s filled %s of %s %s", p.OrderID, filled, p.Quantity, p.Side), notify.Warn)
}

// storeFill persists a fill. Failures are surfaced, never swallowed.
func (a *App) storeFill(marketSlug string, fill ledger.Fill, reverted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := a.storage.StoreFill(ctx, &storage.Fill{
		ID:         uuid.NewString(),
		MarketSlug: marketSlug,
		Side:       fill.Side.String(),
		Price:      fill.Price.String(),
		Quantity:   fill.Quantity.String(),
		Cost:       fill.Cost.String(),
		OrderID:    fill.OrderID,
		Reverted:   reverted,
		FilledAt:   fill.Timestamp,
	})
	if err != nil {
		StoreErrorsTotal.Inc()
		a.logger.Error("store-fill-failed", zap.String("order-id", fill.OrderID), zap.Error(err))
		a.notifier.Notify(fmt.Sprintf("Fill %s not persisted: %v", fill.OrderID, err), notify.Warn)
	}
}
