package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/discovery"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/internal/notify"
	"github.com/p16-hash/polyterminal-automation/internal/settlement"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

const (
	lookupTimeout = 10 * time.Second
	lookupRetry   = 5 * time.Second
	cancelTimeout = 5 * time.Second
)

// ensureSession closes the session at its close time and opens the session of
// the current slot once discovery can find it.
func (a *App) ensureSession(now time.Time) {
	if a.session != nil && !now.Before(a.session.market.CloseTime) {
		a.closeSession()
	}

	if a.session != nil {
		SessionSecondsRemaining.Set(a.session.market.CloseTime.Sub(now).Seconds())
		return
	}

	if now.Before(a.nextLookup) {
		return
	}

	slot := discovery.CurrentSlot(now, a.markets.SlotDuration())
	if slot == a.closedSlot {
		// The session of this slot already ran; wait for the next one.
		a.nextLookup = time.Unix(discovery.NextSlot(now, a.markets.SlotDuration()), 0)
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, lookupTimeout)
	market, err := a.markets.FindMarket(ctx, a.cfg.MarketSymbol, slot)
	cancel()
	if err != nil {
		a.nextLookup = now.Add(lookupRetry)
		if errors.Is(err, discovery.ErrMarketNotFound) {
			MarketLookupsTotal.WithLabelValues("not-found").Inc()
			a.logger.Debug("market-not-found-yet", zap.Int64("slot", slot))
			return
		}
		MarketLookupsTotal.WithLabelValues("error").Inc()
		a.logger.Warn("market-lookup-failed", zap.Int64("slot", slot), zap.Error(err))
		return
	}
	MarketLookupsTotal.WithLabelValues("found").Inc()

	if !now.Before(market.CloseTime) {
		a.closedSlot = slot
		a.logger.Warn("market-already-closed",
			zap.String("market-slug", market.Slug),
			zap.Time("close-time", market.CloseTime))
		return
	}

	err = a.startSession(market, slot, now)
	if err != nil {
		a.nextLookup = now.Add(lookupRetry)
		a.logger.Error("session-start-failed", zap.String("market-slug", market.Slug), zap.Error(err))
	}
}

func (a *App) startSession(market *types.Market, slot int64, now time.Time) error {
	l, err := ledger.New(&ledger.Config{MarketID: market.Slug, Logger: a.logger, Now: a.now})
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}

	// Without tokens the book stays stale and trading stays suspended. The
	// session still exists for settlement.
	err = a.feed.SetTokens(market.UpTokenID, market.DownTokenID)
	if err != nil {
		a.logger.Warn("feed-set-tokens-failed", zap.String("market-slug", market.Slug), zap.Error(err))
	}

	a.session = &session{market: market, slot: slot, ledger: l, startedAt: now}

	SessionsTotal.Inc()
	SessionSecondsRemaining.Set(market.CloseTime.Sub(now).Seconds())

	a.logger.Info("session-started",
		zap.String("market-slug", market.Slug),
		zap.String("condition-id", market.ConditionID),
		zap.Stringer("variant", market.Variant),
		zap.Time("close-time", market.CloseTime))
	a.notifier.Notify(fmt.Sprintf("New market %s, closes %s",
		market.Slug, market.CloseTime.UTC().Format("15:04:05 MST")), notify.Info)

	return nil
}

// closeSession cancels the session's resting orders and hands its ledger to a
// detached settlement.
func (a *App) closeSession() {
	s := a.session
	a.session = nil
	a.closedSlot = s.slot
	SessionSecondsRemaining.Set(0)

	a.cancelOpen(s.ledger)

	logger := a.logger.With(zap.String("market-slug", s.market.Slug))
	logger.Info("session-closed",
		zap.Bool("has-positions", s.ledger.HasPositions()),
		zap.Stringer("realized-pnl", s.ledger.RealizedPnL()))

	if !a.cfg.SettleAutoRedeem {
		if s.ledger.HasPositions() {
			a.notifier.Notify(fmt.Sprintf("%s closed with positions; auto-redeem is off", s.market.Slug), notify.Warn)
		}
		return
	}

	a.settleWG.Add(1)
	go func() {
		defer a.settleWG.Done()
		rec := a.settler.Run(a.ctx, settlement.Session{Market: s.market, StartedAt: s.startedAt}, s.ledger)
		logger.Info("session-settlement-finished", zap.Stringer("state", rec.State()))
	}()
}

// cancelOpen cancels the in-flight orders booked into l, or every in-flight
// order when l is nil. Entries stay open until the tracker reports them.
func (a *App) cancelOpen(l *ledger.Ledger) {
	for id, o := range a.open {
		if l != nil && o.ledger != l {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		err := a.gateway.Cancel(ctx, id)
		cancel()
		if err != nil {
			a.logger.Warn("order-cancel-failed", zap.String("order-id", id), zap.Error(err))
			continue
		}
		a.logger.Info("order-canceled", zap.String("order-id", id))
	}
}
