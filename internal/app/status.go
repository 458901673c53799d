package app

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/circuitbreaker"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/internal/settlement"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
)

// Status is the published state of the process, served at /status.
type Status struct {
	Policy         string                 `json:"policy"`
	Symbol         string                 `json:"symbol"`
	Market         *MarketStatus          `json:"market,omitempty"`
	Feed           *FeedStatus            `json:"feed,omitempty"`
	Ledger         *ledger.Snapshot       `json:"ledger,omitempty"`
	Recommendation *ledger.Recommendation `json:"recommendation,omitempty"`
	OpenOrders     int                    `json:"open_orders"`
	Breaker        *circuitbreaker.Status `json:"breaker,omitempty"`
	Settlements    []settlement.View      `json:"settlements"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// MarketStatus describes the current session's market.
type MarketStatus struct {
	Slug             string                  `json:"slug"`
	ConditionID      string                  `json:"condition_id"`
	Slot             int64                   `json:"slot"`
	CloseTime        time.Time               `json:"close_time"`
	SecondsRemaining int64                   `json:"seconds_remaining"`
	Variant          types.SettlementVariant `json:"variant"`
}

// FeedStatus is the last snapshot the loop saw. Stale holds the reason the
// snapshot could not be used.
type FeedStatus struct {
	IndexPrice string      `json:"index_price,omitempty"`
	Up         QuoteStatus `json:"up"`
	Down       QuoteStatus `json:"down"`
	IndexAgeMs int64       `json:"index_age_ms"`
	BookAgeMs  int64       `json:"book_age_ms"`
	Stale      string      `json:"stale,omitempty"`
}

// QuoteStatus is the top of book of one side.
type QuoteStatus struct {
	Bid ledger.Amount `json:"bid"`
	Ask ledger.Amount `json:"ask"`
}

// publishStatus stores a fresh status for readers outside the loop.
func (a *App) publishStatus(now time.Time) {
	st := &Status{
		Policy:     a.policy.Name(),
		Symbol:     a.cfg.MarketSymbol,
		OpenOrders: len(a.open),
		UpdatedAt:  now,
	}

	if s := a.session; s != nil {
		st.Market = &MarketStatus{
			Slug:        s.market.Slug,
			ConditionID: s.market.ConditionID,
			Slot:        s.slot,
			CloseTime:   s.market.CloseTime,
			Variant:     s.market.Variant,
		}

		snap := s.ledger.Snapshot()
		st.Ledger = &snap

		feed := &FeedStatus{}
		fs, err := a.feed.Snapshot(now)
		if err != nil {
			feed.Stale = err.Error()
		} else {
			feed.IndexPrice = fs.Index.Price.String()
			feed.Up = QuoteStatus{Bid: fs.Book.Up.Bid, Ask: fs.Book.Up.Ask}
			feed.Down = QuoteStatus{Bid: fs.Book.Down.Bid, Ask: fs.Book.Down.Ask}
			feed.IndexAgeMs = fs.IndexAge().Milliseconds()
			feed.BookAgeMs = fs.BookAge().Milliseconds()

			rec := s.ledger.BuyRecommendation(fs.Book.Asks())
			if rec.Actionable() {
				st.Recommendation = &rec
			}
		}
		st.Feed = feed
	}

	a.status.Store(st)
}

// Status returns the latest published status with live settlement and
// breaker state. It is safe to call from any goroutine.
func (a *App) Status(context.Context) any {
	return a.snapshot()
}

func (a *App) snapshot() Status {
	st := *a.status.Load()

	if st.Market != nil {
		m := *st.Market
		m.SecondsRemaining = int64(remaining(m.CloseTime, a.now()) / time.Second)
		st.Market = &m
	}

	if a.breaker != nil {
		bs := a.breaker.GetStatus()
		st.Breaker = &bs
	}

	st.Settlements = a.settler.Records()
	if st.Settlements == nil {
		st.Settlements = []settlement.View{}
	}

	return st
}

// StatusText renders the status for Telegram.
func (a *App) StatusText(context.Context) string {
	st := a.snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "Policy: %s\n", st.Policy)

	if st.Market == nil {
		fmt.Fprintf(&b, "Market: waiting for the %s slot market\n", st.Symbol)
	} else {
		fmt.Fprintf(&b, "Market: %s\n", st.Market.Slug)
		fmt.Fprintf(&b, "Slot:   %d (closes in %ds)\n", st.Market.Slot, st.Market.SecondsRemaining)
	}

	if f := st.Feed; f != nil {
		if f.Stale != "" {
			fmt.Fprintf(&b, "Feed:   stale (%s)\n", f.Stale)
		} else {
			fmt.Fprintf(&b, "Index:  %s\n", f.IndexPrice)
			fmt.Fprintf(&b, "UP:     %s / %s\n", f.Up.Bid.StringFixed(2), f.Up.Ask.StringFixed(2))
			fmt.Fprintf(&b, "DOWN:   %s / %s\n", f.Down.Bid.StringFixed(2), f.Down.Ask.StringFixed(2))
		}
	}

	if l := st.Ledger; l != nil {
		fmt.Fprintf(&b, "Held:   UP %s @ %s, DOWN %s @ %s\n",
			l.Up.TotalQuantity, l.AvgUp.StringFixed(4), l.Down.TotalQuantity, l.AvgDown.StringFixed(4))
		fmt.Fprintf(&b, "Paired: %s (locked %s)\n", l.Paired.PairedQuantity, l.Paired.LockedProfit.StringFixed(2))
		fmt.Fprintf(&b, "P/L:    if UP %s, if DOWN %s, realized %s\n",
			l.PnLIfUp.StringFixed(2), l.PnLIfDown.StringFixed(2), l.RealizedPnL.StringFixed(2))
	}

	if r := st.Recommendation; r != nil {
		fmt.Fprintf(&b, "Hedge:  buy %s %s at %s, combined %s (%s)\n",
			r.Quantity, r.Side, r.Ask.StringFixed(2), r.CombinedCost.StringFixed(4), r.Signal)
	}

	fmt.Fprintf(&b, "Orders: %d open\n", st.OpenOrders)

	if st.Breaker != nil {
		fmt.Fprintf(&b, "Buys:   %s\n", enabledText(st.Breaker.Enabled))
	}

	if n := len(st.Settlements); n > 0 {
		last := st.Settlements[n-1]
		fmt.Fprintf(&b, "Settle: %d tracked, last %s %s", n, last.MarketSlug, last.State)
	}

	return "<pre>" + html.EscapeString(strings.TrimRight(b.String(), "\n")) + "</pre>"
}
