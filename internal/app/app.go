// Package app wires the trading process together. One goroutine, the main
// loop, owns the session, its ledger and the open orders; every other
// component talks to it through channels or reads its published status.
package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/p16-hash/polyterminal-automation/internal/circuitbreaker"
	"github.com/p16-hash/polyterminal-automation/internal/execution"
	"github.com/p16-hash/polyterminal-automation/internal/feed"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/internal/notify"
	"github.com/p16-hash/polyterminal-automation/internal/settlement"
	"github.com/p16-hash/polyterminal-automation/internal/storage"
	"github.com/p16-hash/polyterminal-automation/internal/strategy"
	"github.com/p16-hash/polyterminal-automation/pkg/config"
	"github.com/p16-hash/polyterminal-automation/pkg/healthprobe"
	"github.com/p16-hash/polyterminal-automation/pkg/httpserver"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/p16-hash/polyterminal-automation/pkg/wallet"
	"go.uber.org/zap"
)

// Feed is the market data the loop trades on.
type Feed interface {
	Snapshot(now time.Time) (feed.Snapshot, error)
	SetTokens(up, down string) error
}

// MarketFinder resolves the market of a slot.
type MarketFinder interface {
	FindMarket(ctx context.Context, symbol string, slot int64) (*types.Market, error)
	SlotDuration() time.Duration
}

// OrderPlacer turns intents into exchange orders.
type OrderPlacer interface {
	Place(ctx context.Context, intent execution.Intent) (execution.Placement, error)
	Cancel(ctx context.Context, orderID string) error
}

// FillTracker follows in-flight orders to a final state.
type FillTracker interface {
	Track(ctx context.Context, p execution.Placement)
	Results() <-chan execution.TrackResult
	Wait()
}

// Settler redeems closed sessions.
type Settler interface {
	Run(ctx context.Context, session settlement.Session, l *ledger.Ledger) *settlement.Record
	Sweep(ctx context.Context, markets []*types.Market, lockTimeout time.Duration) []settlement.SweepResult
	Records() []settlement.View
}

// Breaker tracks spending against the wallet balance.
type Breaker interface {
	IsEnabled() bool
	RecordSpend(cost ledger.Amount)
	GetStatus() circuitbreaker.Status
}

// Deps are the collaborators of the main loop. New builds the production set;
// tests pass fakes to build.
type Deps struct {
	Feed     Feed
	Markets  MarketFinder
	Gateway  OrderPlacer
	Tracker  FillTracker
	Settler  Settler
	Wallet   wallet.Source
	Holder   common.Address
	Policy   strategy.Policy
	Storage  storage.Storage
	Notifier notify.Sink

	// Breaker is optional.
	Breaker Breaker

	Now func() time.Time
}

// Options holds application options.
type Options struct {
	// Policy overrides TRADING_POLICY when set.
	Policy string
}

// App is the main application orchestrator.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	feed     Feed
	markets  MarketFinder
	gateway  OrderPlacer
	tracker  FillTracker
	settler  Settler
	wallet   wallet.Source
	holder   common.Address
	policy   strategy.Policy
	storage  storage.Storage
	notifier notify.Sink
	breaker  Breaker
	now      func() time.Time

	// Owned by the main loop.
	session    *session
	closedSlot int64
	open       map[string]openOrder
	nextLookup time.Time

	requests    chan operatorRequest
	status      atomic.Pointer[Status]
	loopStarted atomic.Bool
	loopDone    chan struct{}

	// Process plumbing, absent in tests.
	healthChecker *healthprobe.HealthChecker
	httpServer    *httpserver.Server
	streams       *feed.Streams
	balanceCheck  *circuitbreaker.BalanceCircuitBreaker
	telegram      *notify.TelegramSink
	bot           *notify.CommandBot
	walletTracker *wallet.Tracker
	closers       []func()

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	settleWG    sync.WaitGroup
	stopOnce    sync.Once
	shutdownErr error
}

// session is one market cycle.
type session struct {
	market    *types.Market
	slot      int64
	ledger    *ledger.Ledger
	startedAt time.Time
}

// openOrder is an in-flight placement and the ledger it was booked into.
type openOrder struct {
	placement execution.Placement
	ledger    *ledger.Ledger
}

// build validates deps and assembles an App without process plumbing.
func build(cfg *config.Config, logger *zap.Logger, deps Deps) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if deps.Feed == nil || deps.Markets == nil || deps.Gateway == nil || deps.Tracker == nil {
		return nil, errors.New("feed, markets, gateway and tracker are required")
	}

	if deps.Settler == nil || deps.Wallet == nil || deps.Policy == nil || deps.Storage == nil {
		return nil, errors.New("settler, wallet, policy and storage are required")
	}

	if cfg.TradingTickInterval <= 0 {
		return nil, errors.New("trading tick interval must be positive")
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		cfg:      cfg,
		logger:   logger,
		feed:     deps.Feed,
		markets:  deps.Markets,
		gateway:  deps.Gateway,
		tracker:  deps.Tracker,
		settler:  deps.Settler,
		wallet:   deps.Wallet,
		holder:   deps.Holder,
		policy:   deps.Policy,
		storage:  deps.Storage,
		notifier: notifier,
		breaker:  deps.Breaker,
		now:      now,
		open:     make(map[string]openOrder),
		requests: make(chan operatorRequest, 8),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.status.Store(&Status{Policy: deps.Policy.Name(), Symbol: cfg.MarketSymbol})

	return a, nil
}
