package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/p16-hash/polyterminal-automation/internal/circuitbreaker"
	"github.com/p16-hash/polyterminal-automation/internal/discovery"
	"github.com/p16-hash/polyterminal-automation/internal/execution"
	"github.com/p16-hash/polyterminal-automation/internal/feed"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/internal/notify"
	"github.com/p16-hash/polyterminal-automation/internal/settlement"
	"github.com/p16-hash/polyterminal-automation/internal/strategy"
	"github.com/p16-hash/polyterminal-automation/internal/testutil"
	"github.com/p16-hash/polyterminal-automation/pkg/config"
	"github.com/p16-hash/polyterminal-automation/pkg/httpserver"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/p16-hash/polyterminal-automation/pkg/wallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	slotStart = time.Unix(testutil.TestSlot, 0).UTC()
	slotClose = slotStart.Add(15 * time.Minute)
)

type fakeFeed struct {
	mu     sync.Mutex
	snap   feed.Snapshot
	err    error
	tokens [][2]string
}

func newFakeFeed() *fakeFeed {
	f := &fakeFeed{}
	f.setQuotes("0.44", "0.45", "0.52", "0.53")
	return f
}

func (f *fakeFeed) setQuotes(upBid, upAsk, downBid, downAsk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = feed.Snapshot{
		Index: feed.IndexTick{Symbol: "BTCUSDT", Price: decimal.RequireFromString("97000.5")},
		Book: feed.BookTop{
			Up:   feed.Quote{Bid: ledger.MustParseAmount(upBid), Ask: ledger.MustParseAmount(upAsk)},
			Down: feed.Quote{Bid: ledger.MustParseAmount(downBid), Ask: ledger.MustParseAmount(downAsk)},
		},
	}
}

func (f *fakeFeed) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFeed) Snapshot(now time.Time) (feed.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return feed.Snapshot{}, f.err
	}
	s := f.snap
	s.Index.ReceivedAt = now
	s.Book.Up.UpdatedAt = now
	s.Book.Down.UpdatedAt = now
	s.TakenAt = now
	return s, nil
}

func (f *fakeFeed) SetTokens(up, down string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, [2]string{up, down})
	return nil
}

func (f *fakeFeed) Tokens() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.tokens...)
}

type fakeMarkets struct {
	mu      sync.Mutex
	markets map[int64]*types.Market
	err     error
	lookups int
}

func (m *fakeMarkets) add(slot int64, market *types.Market) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markets == nil {
		m.markets = make(map[int64]*types.Market)
	}
	m.markets[slot] = market
}

func (m *fakeMarkets) FindMarket(_ context.Context, _ string, slot int64) (*types.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.err != nil {
		return nil, m.err
	}
	market, ok := m.markets[slot]
	if !ok {
		return nil, fmt.Errorf("%w: slot %d", discovery.ErrMarketNotFound, slot)
	}
	return market, nil
}

func (m *fakeMarkets) SlotDuration() time.Duration { return 15 * time.Minute }

func (m *fakeMarkets) Lookups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

// placeOutcome scripts one gateway answer. Zero price means the intent limit.
type placeOutcome struct {
	status execution.PlacementStatus
	price  string
	err    error
}

type fakeGateway struct {
	mu       sync.Mutex
	outcomes []placeOutcome
	intents  []execution.Intent
	canceled []string
	now      func() time.Time
}

func (g *fakeGateway) queue(outcomes ...placeOutcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes = append(g.outcomes, outcomes...)
}

func (g *fakeGateway) Place(_ context.Context, intent execution.Intent) (execution.Placement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents = append(g.intents, intent)

	var out placeOutcome
	if len(g.outcomes) > 0 {
		out = g.outcomes[0]
		g.outcomes = g.outcomes[1:]
	}
	if out.err != nil {
		return execution.Placement{}, out.err
	}

	price := intent.LimitPrice
	if out.price != "" {
		price = ledger.MustParseAmount(out.price)
	}

	return execution.Placement{
		IntentID: uuid.New(),
		OrderID:  fmt.Sprintf("0xorder%d", len(g.intents)),
		Market:   intent.Market,
		Action:   intent.Action,
		Side:     intent.Side,
		Price:    price,
		Quantity: intent.Quantity,
		Status:   out.status,
		PlacedAt: g.now(),
	}, nil
}

func (g *fakeGateway) Cancel(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, orderID)
	return nil
}

func (g *fakeGateway) Intents() []execution.Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]execution.Intent(nil), g.intents...)
}

func (g *fakeGateway) Canceled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.canceled...)
}

type fakeTracker struct {
	mu      sync.Mutex
	tracked []execution.Placement
	results chan execution.TrackResult
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{results: make(chan execution.TrackResult, 4)}
}

func (t *fakeTracker) Track(_ context.Context, p execution.Placement) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked = append(t.tracked, p)
}

func (t *fakeTracker) Results() <-chan execution.TrackResult { return t.results }

func (t *fakeTracker) Wait() {}

func (t *fakeTracker) Tracked() []execution.Placement {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]execution.Placement(nil), t.tracked...)
}

type fakeSettler struct {
	mu      sync.Mutex
	runs    []settlement.Session
	ledgers []*ledger.Ledger
	sweeps  [][]*types.Market
	records []settlement.View
}

func (s *fakeSettler) Run(_ context.Context, session settlement.Session, l *ledger.Ledger) *settlement.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, session)
	s.ledgers = append(s.ledgers, l)
	return &settlement.Record{}
}

func (s *fakeSettler) Sweep(_ context.Context, markets []*types.Market, _ time.Duration) []settlement.SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, markets)

	results := make([]settlement.SweepResult, 0, len(markets))
	for _, m := range markets {
		results = append(results, settlement.SweepResult{
			Market: m,
			View:   settlement.View{MarketSlug: m.Slug, Outcome: settlement.OutcomeConfirmed},
		})
	}
	return results
}

func (s *fakeSettler) Records() []settlement.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]settlement.View(nil), s.records...)
}

type fakeBreaker struct {
	mu      sync.Mutex
	enabled bool
	spent   ledger.Amount
}

func (b *fakeBreaker) IsEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

func (b *fakeBreaker) RecordSpend(cost ledger.Amount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spent += cost
}

func (b *fakeBreaker) GetStatus() circuitbreaker.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return circuitbreaker.Status{Enabled: b.enabled, SpentSinceCheck: b.spent, MinBalance: 10 * ledger.One}
}

// scriptedPolicy returns its intents on every tick.
type scriptedPolicy struct {
	intents func(strategy.View) []execution.Intent
}

func (p scriptedPolicy) Name() string { return "scripted" }

func (p scriptedPolicy) Decide(view strategy.View) []execution.Intent {
	if p.intents == nil {
		return nil
	}
	return p.intents(view)
}

type harness struct {
	app      *App
	cfg      *config.Config
	clock    *testutil.FakeClock
	feed     *fakeFeed
	markets  *fakeMarkets
	gateway  *fakeGateway
	tracker  *fakeTracker
	settler  *fakeSettler
	breaker  *fakeBreaker
	wallet   *testutil.MockWalletClient
	store    *testutil.MockStorage
	sink     *testutil.MockSink
	market   *types.Market
	policy   strategy.Policy
}

func newHarness(t *testing.T, opts ...func(*harness)) *harness {
	t.Helper()

	clock := testutil.NewFakeClock(slotStart.Add(time.Minute))
	h := &harness{
		cfg: &config.Config{
			MarketSymbol:        "btc",
			TradingTickInterval: time.Hour,
			SettleAutoRedeem:    true,
		},
		clock:   clock,
		feed:    newFakeFeed(),
		markets: &fakeMarkets{},
		gateway: &fakeGateway{now: clock.Now},
		tracker: newFakeTracker(),
		settler: &fakeSettler{},
		breaker: &fakeBreaker{enabled: true},
		wallet:  testutil.NewMockWalletClient(),
		store:   testutil.NewMockStorage(),
		sink:    &testutil.MockSink{},
		market:  testutil.CreateTestMarket("btc-updown-15m-1765309500", slotClose),
		policy:  strategy.Manual{},
	}
	h.markets.add(testutil.TestSlot, h.market)

	for _, opt := range opts {
		opt(h)
	}

	// The loop goroutine can outlive a test's logger.
	a, err := build(h.cfg, zap.NewNop(), Deps{
		Feed:     h.feed,
		Markets:  h.markets,
		Gateway:  h.gateway,
		Tracker:  h.tracker,
		Settler:  h.settler,
		Wallet:   h.wallet,
		Policy:   h.policy,
		Storage:  h.store,
		Notifier: h.sink,
		Breaker:  h.breaker,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	h.app = a

	t.Cleanup(func() { _ = a.Shutdown() })

	return h
}

func (h *harness) tick() {
	h.app.tick(h.clock.Now())
}

func (h *harness) request(action execution.Action, side types.Side, quantity string) operatorReply {
	req := operatorRequest{action: action, side: side, reply: make(chan operatorReply, 1)}
	if quantity != "" {
		req.quantity = ledger.MustParseAmount(quantity)
	}
	h.app.handleRequest(req)
	return <-req.reply
}

func TestBuild_Validation(t *testing.T) {
	deps := Deps{
		Feed:    newFakeFeed(),
		Markets: &fakeMarkets{},
		Gateway: &fakeGateway{now: time.Now},
		Tracker: newFakeTracker(),
		Settler: &fakeSettler{},
		Wallet:  testutil.NewMockWalletClient(),
		Policy:  strategy.Manual{},
		Storage: testutil.NewMockStorage(),
	}
	cfg := &config.Config{TradingTickInterval: time.Second}

	tests := []struct {
		name    string
		cfg     *config.Config
		logger  *zap.Logger
		mutate  func(d *Deps)
		wantErr string
	}{
		{name: "nil config", logger: zap.NewNop(), wantErr: "config cannot be nil"},
		{name: "nil logger", cfg: cfg, wantErr: "logger cannot be nil"},
		{
			name:    "missing feed",
			cfg:     cfg,
			logger:  zap.NewNop(),
			mutate:  func(d *Deps) { d.Feed = nil },
			wantErr: "feed, markets, gateway and tracker are required",
		},
		{
			name:    "missing storage",
			cfg:     cfg,
			logger:  zap.NewNop(),
			mutate:  func(d *Deps) { d.Storage = nil },
			wantErr: "settler, wallet, policy and storage are required",
		},
		{
			name:    "zero tick",
			cfg:     &config.Config{},
			logger:  zap.NewNop(),
			wantErr: "trading tick interval must be positive",
		},
		{name: "valid", cfg: cfg, logger: zap.NewNop()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := deps
			if tt.mutate != nil {
				tt.mutate(&d)
			}

			a, err := build(tt.cfg, tt.logger, d)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, a.now)
			assert.Equal(t, notify.Nop{}, a.notifier)
		})
	}
}

func TestTick_StartsSessionForCurrentSlot(t *testing.T) {
	h := newHarness(t)

	h.tick()

	require.NotNil(t, h.app.session)
	assert.Equal(t, h.market, h.app.session.market)
	assert.Equal(t, testutil.TestSlot, h.app.session.slot)
	assert.Equal(t, h.market.Slug, h.app.session.ledger.MarketID())
	assert.Equal(t, [][2]string{{h.market.UpTokenID, h.market.DownTokenID}}, h.feed.Tokens())
	assert.Equal(t, 1, h.sink.CountSeverity(notify.Info))

	// A running session needs no further lookups.
	h.clock.Advance(10 * time.Second)
	h.tick()
	assert.Equal(t, 1, h.markets.Lookups())

	st := h.app.snapshot()
	require.NotNil(t, st.Market)
	assert.Equal(t, h.market.Slug, st.Market.Slug)
	assert.Equal(t, int64(13*60+50), st.Market.SecondsRemaining)
	require.NotNil(t, st.Feed)
	assert.Empty(t, st.Feed.Stale)
	assert.Equal(t, "97000.5", st.Feed.IndexPrice)
}

func TestTick_RetriesLookupAfterDelay(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.markets = &fakeMarkets{} })

	h.tick()
	assert.Nil(t, h.app.session)
	assert.Equal(t, 1, h.markets.Lookups())

	h.clock.Advance(2 * time.Second)
	h.tick()
	assert.Equal(t, 1, h.markets.Lookups(), "lookup retried before the delay")

	h.markets.add(testutil.TestSlot, h.market)
	h.clock.Advance(lookupRetry)
	h.tick()
	assert.Equal(t, 2, h.markets.Lookups())
	assert.NotNil(t, h.app.session)
}

func TestTick_LookupErrorKeepsWaiting(t *testing.T) {
	h := newHarness(t)
	h.markets.err = errors.New("gamma unavailable")

	h.tick()

	assert.Nil(t, h.app.session)
	assert.Equal(t, h.clock.Now().Add(lookupRetry), h.app.nextLookup)
}

func TestTick_SkipsClosedMarketUntilNextSlot(t *testing.T) {
	h := newHarness(t)
	h.market.CloseTime = slotStart

	h.tick()
	assert.Nil(t, h.app.session)
	assert.Equal(t, testutil.TestSlot, h.app.closedSlot)

	h.clock.Advance(30 * time.Second)
	h.tick()
	assert.Equal(t, 1, h.markets.Lookups())
	assert.Equal(t, slotClose, h.app.nextLookup.UTC())
}

func TestTick_PlacesPolicyIntents(t *testing.T) {
	var seen []strategy.View
	policy := scriptedPolicy{intents: func(v strategy.View) []execution.Intent {
		seen = append(seen, v)
		if v.Holdings[types.SideDown] > 0 {
			return nil
		}
		return []execution.Intent{{
			Market:      v.Market,
			Action:      execution.ActionBuy,
			Side:        types.SideDown,
			LimitPrice:  ledger.MustParseAmount("0.50"),
			Quantity:    ledger.MustParseAmount("5"),
			TimeInForce: execution.GTC,
			Source:      "scripted",
		}}
	}}
	h := newHarness(t, func(h *harness) { h.policy = policy })
	h.gateway.queue(placeOutcome{status: execution.PlacementInFlight})

	h.tick()

	intents := h.gateway.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, "scripted", intents[0].Source)

	require.Len(t, seen, 1)
	assert.False(t, seen[0].Stale())
	assert.Equal(t, ledger.MustParseAmount("0.53"), seen[0].Snapshot.Book.Down.Ask)

	// The in-flight buy is booked at its limit and tracked.
	assert.Equal(t, ledger.MustParseAmount("5"), h.app.session.ledger.Quantities()[types.SideDown])
	assert.Len(t, h.app.open, 1)
	assert.Len(t, h.tracker.Tracked(), 1)

	h.tick()
	assert.Len(t, h.gateway.Intents(), 1, "policy saw the booked holding")
	assert.Equal(t, 1, h.app.snapshot().OpenOrders)
}

func TestOperatorBuy_FilledIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.tick()

	reply := h.request(execution.ActionBuy, types.SideUp, "10")
	require.NoError(t, reply.err)

	assert.Equal(t, execution.PlacementFilled, reply.placement.Status)
	assert.Equal(t, ledger.MustParseAmount("0.45"), reply.placement.Price)

	intents := h.gateway.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, execution.FOK, intents[0].TimeInForce)
	assert.Equal(t, "operator", intents[0].Source)

	l := h.app.session.ledger
	assert.Equal(t, ledger.MustParseAmount("10"), l.Quantities()[types.SideUp])

	fills := h.store.GetFills()
	require.Len(t, fills, 1)
	assert.Equal(t, h.market.Slug, fills[0].MarketSlug)
	assert.Equal(t, "UP", fills[0].Side)
	assert.Equal(t, "0.45", fills[0].Price)
	assert.Equal(t, "10", fills[0].Quantity)
	assert.Equal(t, "4.5", fills[0].Cost)
	assert.False(t, fills[0].Reverted)
	assert.NotEmpty(t, fills[0].ID)

	assert.Equal(t, ledger.MustParseAmount("4.5"), h.breaker.GetStatus().SpentSinceCheck)
	assert.Empty(t, h.app.open)
}

func TestOperatorRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		action  execution.Action
		side    types.Side
		qty     string
		wantIs  error
		wantNot error
	}{
		{
			name:   "no session",
			setup:  func(h *harness) {},
			action: execution.ActionBuy,
			side:   types.SideUp,
			qty:    "5",
			wantIs: httpserver.ErrUnavailable,
		},
		{
			name: "stale feed",
			setup: func(h *harness) {
				h.tick()
				h.feed.setErr(feed.ErrStale)
			},
			action: execution.ActionBuy,
			side:   types.SideUp,
			qty:    "5",
			wantIs: httpserver.ErrUnavailable,
		},
		{
			name:   "sell without holding",
			setup:  func(h *harness) { h.tick() },
			action: execution.ActionSell,
			side:   types.SideDown,
			wantIs: httpserver.ErrInvalidOrder,
		},
		{
			name: "empty ask",
			setup: func(h *harness) {
				h.tick()
				h.feed.setQuotes("0", "1", "0.52", "0.53")
			},
			action:  execution.ActionBuy,
			side:    types.SideUp,
			qty:     "5",
			wantIs:  strategy.ErrNoQuote,
			wantNot: httpserver.ErrInvalidOrder,
		},
		{
			name: "no liquidity",
			setup: func(h *harness) {
				h.tick()
				h.gateway.queue(placeOutcome{err: execution.ErrNoLiquidity})
			},
			action: execution.ActionBuy,
			side:   types.SideUp,
			qty:    "5",
			wantIs: execution.ErrNoLiquidity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			reply := h.request(tt.action, tt.side, tt.qty)
			require.Error(t, reply.err)
			assert.ErrorIs(t, reply.err, tt.wantIs)
			if tt.wantNot != nil {
				assert.NotErrorIs(t, reply.err, tt.wantNot)
			}
			assert.Empty(t, h.store.GetFills())
		})
	}
}

func TestInFlightBuy_FailedTrackRevertsAndKeepsPartial(t *testing.T) {
	h := newHarness(t)
	h.tick()
	h.gateway.queue(placeOutcome{status: execution.PlacementInFlight})

	reply := h.request(execution.ActionBuy, types.SideUp, "10")
	require.NoError(t, reply.err)
	p := reply.placement
	l := h.app.session.ledger
	assert.Equal(t, ledger.MustParseAmount("10"), l.Quantities()[types.SideUp])

	h.app.handleTrackResult(execution.TrackResult{
		Placement: p,
		Status:    execution.TrackFailed,
		Filled:    ledger.MustParseAmount("4"),
	})

	assert.Equal(t, ledger.MustParseAmount("4"), l.Quantities()[types.SideUp])
	assert.Empty(t, h.app.open)

	fills := h.store.GetFills()
	require.Len(t, fills, 3)
	assert.Equal(t, "10", fills[0].Quantity)
	assert.False(t, fills[0].Reverted)
	assert.Equal(t, "10", fills[1].Quantity)
	assert.True(t, fills[1].Reverted)
	assert.Equal(t, "4", fills[2].Quantity)
	assert.Equal(t, p.OrderID, fills[2].OrderID)

	assert.Equal(t, 1, h.sink.CountSeverity(notify.Warn))
}

func TestInFlightBuy_ExpiredUnfilled(t *testing.T) {
	h := newHarness(t)
	h.tick()
	h.gateway.queue(placeOutcome{status: execution.PlacementInFlight})

	reply := h.request(execution.ActionBuy, types.SideDown, "6")
	require.NoError(t, reply.err)

	h.app.handleTrackResult(execution.TrackResult{Placement: reply.placement, Status: execution.TrackFailed})

	l := h.app.session.ledger
	assert.False(t, l.HasPositions())
	assert.Len(t, h.store.GetFills(), 2)

	notes := h.sink.Notifications()
	assert.Contains(t, notes[len(notes)-1].Text, "ended unfilled")
}

func TestInFlightBuy_MatchedKeepsBooking(t *testing.T) {
	h := newHarness(t)
	h.tick()
	h.gateway.queue(placeOutcome{status: execution.PlacementInFlight})

	reply := h.request(execution.ActionBuy, types.SideUp, "10")
	require.NoError(t, reply.err)

	h.app.handleTrackResult(execution.TrackResult{
		Placement: reply.placement,
		Status:    execution.TrackMatched,
		Filled:    ledger.MustParseAmount("10"),
	})

	assert.Equal(t, ledger.MustParseAmount("10"), h.app.session.ledger.Quantities()[types.SideUp])
	assert.Len(t, h.store.GetFills(), 1)
	assert.Empty(t, h.app.open)

	// A result for an order the loop does not know changes nothing.
	h.app.handleTrackResult(execution.TrackResult{Placement: reply.placement, Status: execution.TrackFailed})
	assert.Equal(t, ledger.MustParseAmount("10"), h.app.session.ledger.Quantities()[types.SideUp])
}

func TestOperatorSell_ClosesSide(t *testing.T) {
	h := newHarness(t)
	h.tick()
	h.feed.setQuotes("0.39", "0.40", "0.52", "0.53")

	buy := h.request(execution.ActionBuy, types.SideUp, "10")
	require.NoError(t, buy.err)

	h.feed.setQuotes("0.55", "0.56", "0.40", "0.41")
	sell := h.request(execution.ActionSell, types.SideUp, "")
	require.NoError(t, sell.err)
	assert.Equal(t, ledger.MustParseAmount("10"), sell.placement.Quantity)
	assert.Equal(t, ledger.MustParseAmount("0.55"), sell.placement.Price)

	l := h.app.session.ledger
	assert.Equal(t, ledger.Amount(0), l.Quantities()[types.SideUp])
	assert.Equal(t, ledger.MustParseAmount("1.5"), l.RealizedPnL())

	// Sells never count against the buy budget.
	assert.Equal(t, ledger.MustParseAmount("4"), h.breaker.GetStatus().SpentSinceCheck)
}

func TestCloseSession_HandsLedgerToSettlement(t *testing.T) {
	h := newHarness(t)
	h.tick()

	buy := h.request(execution.ActionBuy, types.SideUp, "10")
	require.NoError(t, buy.err)

	h.gateway.queue(placeOutcome{status: execution.PlacementInFlight})
	resting := h.request(execution.ActionBuy, types.SideDown, "10")
	require.NoError(t, resting.err)

	l := h.app.session.ledger

	h.clock.Advance(slotClose.Sub(h.clock.Now()))
	h.tick()
	h.app.settleWG.Wait()

	assert.Nil(t, h.app.session)
	assert.Equal(t, testutil.TestSlot, h.app.closedSlot)
	assert.Equal(t, []string{resting.placement.OrderID}, h.gateway.Canceled())

	h.settler.mu.Lock()
	defer h.settler.mu.Unlock()
	require.Len(t, h.settler.runs, 1)
	assert.Equal(t, h.market, h.settler.runs[0].Market)
	assert.Equal(t, slotStart.Add(time.Minute), h.settler.runs[0].StartedAt)
	assert.Same(t, l, h.settler.ledgers[0])
}

func TestCloseSession_AutoRedeemOff(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.cfg.SettleAutoRedeem = false })
	h.tick()

	buy := h.request(execution.ActionBuy, types.SideUp, "10")
	require.NoError(t, buy.err)

	h.clock.Advance(slotClose.Sub(h.clock.Now()))
	h.tick()
	h.app.settleWG.Wait()

	assert.Empty(t, h.settler.runs)
	assert.Equal(t, 1, h.sink.CountSeverity(notify.Warn))
}

func TestSubmitOrder_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  httpserver.OrderRequest
	}{
		{name: "bad action", req: httpserver.OrderRequest{Action: "hold", Side: "up", Quantity: "5"}},
		{name: "bad side", req: httpserver.OrderRequest{Action: "buy", Side: "sideways", Quantity: "5"}},
		{name: "bad quantity", req: httpserver.OrderRequest{Action: "buy", Side: "up", Quantity: "ten"}},
		{name: "buy without quantity", req: httpserver.OrderRequest{Action: "buy", Side: "down"}},
	}

	h := newHarness(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.app.SubmitOrder(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, httpserver.ErrInvalidOrder)
		})
	}
}

func TestSubmitOrder_ThroughLoop(t *testing.T) {
	h := newHarness(t)
	h.app.startLoop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := h.app.SubmitOrder(ctx, httpserver.OrderRequest{Action: "buy", Side: "UP", Quantity: "10"})
	require.NoError(t, err)
	assert.Equal(t, "buy", resp.Action)
	assert.Equal(t, "UP", resp.Side)
	assert.Equal(t, "filled", resp.Status)
	assert.Equal(t, "0.45", resp.Price)
	assert.Equal(t, "10", resp.Quantity)
	assert.NotEmpty(t, resp.OrderID)

	// The loop publishes right after replying.
	require.Eventually(t, func() bool {
		st, ok := h.app.Status(ctx).(Status)
		return ok && st.Ledger != nil && st.Ledger.TradeCount == 1 &&
			st.Ledger.Up.TotalQuantity == ledger.MustParseAmount("10")
	}, time.Second, 5*time.Millisecond)

	text, err := h.app.Order(ctx, "sell", "up")
	require.NoError(t, err)
	assert.Contains(t, text, "sell 10 UP @ 0.44")
	assert.Contains(t, text, "status: filled")

	require.NoError(t, h.app.Shutdown())

	_, err = h.app.SubmitOrder(ctx, httpserver.OrderRequest{Action: "buy", Side: "up", Quantity: "1"})
	assert.ErrorIs(t, err, httpserver.ErrUnavailable)
}

func TestOrder_Usage(t *testing.T) {
	h := newHarness(t)

	_, err := h.app.Order(context.Background(), "buy", "")
	assert.EqualError(t, err, "usage: /buy up|down qty")

	_, err = h.app.Order(context.Background(), "sell", "up 1 2")
	assert.EqualError(t, err, "usage: /sell up|down")

	_, err = h.app.Order(context.Background(), "buy", "up")
	assert.ErrorIs(t, err, httpserver.ErrInvalidOrder)
}

func TestStatusText(t *testing.T) {
	h := newHarness(t)

	text := h.app.StatusText(context.Background())
	assert.Contains(t, text, "Policy: manual")
	assert.Contains(t, text, "waiting for the btc slot market")

	h.tick()
	buy := h.request(execution.ActionBuy, types.SideUp, "10")
	require.NoError(t, buy.err)
	h.app.publishStatus(h.clock.Now())

	h.settler.records = []settlement.View{{MarketSlug: "btc-updown-15m-1765308600", State: settlement.StateDone}}

	text = h.app.StatusText(context.Background())
	assert.True(t, strings.HasPrefix(text, "<pre>"))
	assert.Contains(t, text, "Market: btc-updown-15m-1765309500")
	assert.Contains(t, text, "closes in 840s")
	assert.Contains(t, text, "UP:     0.44 / 0.45")
	assert.Contains(t, text, "Held:   UP 10 @ 0.4500")
	assert.Contains(t, text, "Hedge:  buy 10 DOWN at 0.53")
	assert.Contains(t, text, "Buys:   enabled")
	assert.Contains(t, text, "Settle: 1 tracked, last btc-updown-15m-1765308600")

	h.feed.setErr(fmt.Errorf("%w: book is 3s old", feed.ErrStale))
	h.app.publishStatus(h.clock.Now())
	assert.Contains(t, h.app.StatusText(context.Background()), "Feed:   stale")
}

func TestBalanceText(t *testing.T) {
	h := newHarness(t)
	h.wallet.SetUSDC(250_500_000)

	text, err := h.app.BalanceText(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "USDC:      250.50")
	assert.Contains(t, text, "Allowance: 250.50")
	assert.Contains(t, text, "POL:       0.0000")
	assert.Contains(t, text, "Buys:      enabled (min 10.00")

	h.wallet.SetError(errors.New("rpc down"))
	_, err = h.app.BalanceText(context.Background())
	assert.ErrorContains(t, err, "get balances")
}

func TestRedeemAll(t *testing.T) {
	ended := slotStart.Add(-time.Hour).Format(time.RFC3339)
	future := slotClose.Add(time.Hour).Format(time.RFC3339)

	tests := []struct {
		name       string
		positions  []wallet.Position
		wantSwept  int
		wantSubstr []string
	}{
		{
			name: "nothing redeemable",
			positions: []wallet.Position{
				{Asset: "11", ConditionID: "0xaaa", Size: 5, Slug: "btc-a", Outcome: "Up", EndDate: future},
			},
			wantSubstr: []string{"Active: 1  Pending: 0  Redeemable: 0", "Nothing to redeem"},
		},
		{
			name: "sweeps redeemable markets",
			positions: []wallet.Position{
				{Asset: "11", ConditionID: "0xaaa", Size: 5, Slug: "btc-a", Outcome: "Up", EndDate: future},
				{Asset: "21", ConditionID: "0xbbb", Size: 3, Slug: "btc-b", Outcome: "Down", OutcomeIndex: 1, EndDate: ended, Redeemable: true},
				{Asset: "31", ConditionID: "0xccc", Size: 2, Slug: "btc-c", Outcome: "Up", EndDate: ended},
			},
			wantSwept:  1,
			wantSubstr: []string{"Active: 1  Pending: 1  Redeemable: 1", "btc-b: CONFIRMED"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.wallet.SetPositions(tt.positions)

			text, err := h.app.RedeemAll(context.Background())
			require.NoError(t, err)
			for _, s := range tt.wantSubstr {
				assert.Contains(t, text, s)
			}

			h.settler.mu.Lock()
			defer h.settler.mu.Unlock()
			if tt.wantSwept == 0 {
				assert.Empty(t, h.settler.sweeps)
				return
			}
			require.Len(t, h.settler.sweeps, 1)
			require.Len(t, h.settler.sweeps[0], tt.wantSwept)
			assert.Equal(t, "0xbbb", h.settler.sweeps[0][0].ConditionID)
			assert.Equal(t, "21", h.settler.sweeps[0][0].DownTokenID)
		})
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.app.startLoop()

	require.NoError(t, h.app.Shutdown())
	require.NoError(t, h.app.Shutdown())

	select {
	case <-h.app.loopDone:
	default:
		t.Fatal("loop still running after shutdown")
	}
}
