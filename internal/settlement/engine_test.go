package settlement

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/internal/notify"
	"github.com/p16-hash/polyterminal-automation/internal/redeemlock"
	"github.com/p16-hash/polyterminal-automation/internal/testutil"
	"github.com/p16-hash/polyterminal-automation/pkg/chain"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var testStart = time.Unix(testutil.TestSlot, 0).UTC()

type harness struct {
	engine *Engine
	oracle *testutil.FakeOracle
	writer *testutil.FakeWriter
	locker *redeemlock.Locker
	clock  *testutil.FakeClock
	sink   *testutil.MockSink
	store  *testutil.MockStorage
	market *types.Market
}

func newHarness(t *testing.T, oracle *testutil.FakeOracle, writer *testutil.FakeWriter) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t)

	locker, err := redeemlock.New(&redeemlock.Config{
		Path:          filepath.Join(t.TempDir(), "redeem.lock"),
		RetryInterval: 5 * time.Millisecond,
		Logger:        logger,
	})
	require.NoError(t, err)

	h := &harness{
		oracle: oracle,
		writer: writer,
		locker: locker,
		clock:  testutil.NewFakeClock(testStart),
		sink:   &testutil.MockSink{},
		store:  testutil.NewMockStorage(),
		market: testutil.CreateTestMarket("btc-updown-15m-1765309500", testStart.Add(15*time.Minute)),
	}

	h.engine, err = New(&Config{
		Oracle:         oracle,
		Writer:         writer,
		Locker:         locker,
		Notifier:       h.sink,
		Store:          h.store,
		Clock:          h.clock,
		OracleGrace:    30 * time.Second,
		PollInterval:   10 * time.Second,
		MaxAttempts:    3,
		RetryDelay:     5 * time.Second,
		ConfirmTimeout: 2 * time.Minute,
		LockTimeout:    50 * time.Millisecond,
		Logger:         logger,
	})
	require.NoError(t, err)

	return h
}

// pairedLedger holds 10 UP at 0.45 and 10 DOWN at 0.50.
func pairedLedger(t *testing.T) *ledger.Ledger {
	t.Helper()

	l, err := ledger.New(&ledger.Config{MarketID: "btc-updown-15m-1765309500", Logger: zap.NewNop()})
	require.NoError(t, err)

	_, err = l.RecordFill(types.SideUp, ledger.MustParseAmount("0.45"), ledger.MustParseAmount("10"), "up-1")
	require.NoError(t, err)
	_, err = l.RecordFill(types.SideDown, ledger.MustParseAmount("0.50"), ledger.MustParseAmount("10"), "down-1")
	require.NoError(t, err)

	return l
}

func statesOf(history []Transition) []State {
	states := make([]State, 0, len(history))
	for _, tr := range history {
		states = append(states, tr.To)
	}
	return states
}

func TestNew_Validation(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	writer := testutil.NewFakeWriter(0, 0)
	logger := zap.NewNop()

	locker, err := redeemlock.New(&redeemlock.Config{Path: filepath.Join(t.TempDir(), "l"), Logger: logger})
	require.NoError(t, err)

	valid := func() *Config {
		return &Config{
			Oracle:         oracle,
			Writer:         writer,
			Locker:         locker,
			PollInterval:   time.Second,
			MaxAttempts:    3,
			ConfirmTimeout: time.Second,
			LockTimeout:    time.Second,
			Logger:         logger,
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "nil-logger", mutate: func(c *Config) { c.Logger = nil }},
		{name: "nil-oracle", mutate: func(c *Config) { c.Oracle = nil }},
		{name: "nil-locker", mutate: func(c *Config) { c.Locker = nil }},
		{name: "zero-attempts", mutate: func(c *Config) { c.MaxAttempts = 0 }},
		{name: "zero-poll-interval", mutate: func(c *Config) { c.PollInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			_, err := New(cfg)
			if err == nil {
				t.Error("expected error")
			}
		})
	}

	_, err = New(valid())
	assert.NoError(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}

// The oracle reports pending three times, then resolves. The engine must stay
// in AWAITING_ORACLE through every pending poll and leave it only after the
// resolving poll.
func TestRun_WaitsForOracleResolution(t *testing.T) {
	oracle := testutil.NewFakeOracle(3, types.SideUp)
	h := newHarness(t, oracle, testutil.NewFakeWriter(10_000_000, 10_000_000))

	var seen []State
	oracle.OnCall = func(int) {
		rec, ok := h.engine.Record(h.market.ConditionID)
		require.True(t, ok)
		seen = append(seen, rec.State())
	}

	rec := h.engine.Run(context.Background(), Session{Market: h.market, StartedAt: testStart}, pairedLedger(t))

	require.Equal(t, 4, oracle.Calls())
	for i, s := range seen {
		if s != StateAwaitingOracle {
			t.Errorf("poll %d: expected AWAITING_ORACLE, got %s", i+1, s)
		}
	}

	v := rec.View()
	assert.Equal(t, 4, v.Polls)
	assert.Equal(t, StateDone, v.State)
	assert.Equal(t, OutcomeConfirmed, v.Outcome)
	assert.Equal(t, ResolutionResolved, v.Resolution)
	require.NotNil(t, v.Winner)
	assert.Equal(t, types.SideUp, *v.Winner)

	assert.Equal(t, []State{
		StateAwaitingClose,
		StateAwaitingOracle,
		StateLockWait,
		StateSubmitting,
		StateConfirming,
		StateDone,
	}, statesOf(v.History))

	// close wait, grace, then one poll interval after each pending poll
	assert.Equal(t, []time.Duration{
		15 * time.Minute,
		30 * time.Second,
		10 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, h.clock.Waits())
}

func TestSettle_LockContended(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	writer := testutil.NewFakeWriter(10_000_000, 10_000_000)
	h := newHarness(t, oracle, writer)

	other, err := redeemlock.New(&redeemlock.Config{Path: h.locker.Path(), Logger: zap.NewNop()})
	require.NoError(t, err)
	held, err := other.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer held.Release()

	l := pairedLedger(t)
	before := l.Snapshot()

	rec, err := h.engine.Settle(context.Background(), Request{Market: h.market, Ledger: l})
	if !errors.Is(err, ErrLockContended) {
		t.Fatalf("expected ErrLockContended, got %v", err)
	}

	assert.Equal(t, before, l.Snapshot())
	assert.Equal(t, 0, writer.Calls())
	assert.Equal(t, StateLockWait, rec.State())
	assert.Equal(t, OutcomeNone, rec.View().Outcome)
	assert.Equal(t, 1, h.sink.CountSeverity(notify.Warn))
}

func TestSettle_RetriesSubmitFailures(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	writer := testutil.NewFakeWriter(10_000_000, 10_000_000)
	writer.FailSubmits(errors.New("nonce too low"), errors.New("rpc timeout"))
	h := newHarness(t, oracle, writer)

	l := pairedLedger(t)
	rec, err := h.engine.Settle(context.Background(), Request{Market: h.market, Ledger: l})
	require.NoError(t, err)

	v := rec.View()
	assert.Equal(t, StateDone, v.State)
	assert.Equal(t, OutcomeConfirmed, v.Outcome)
	assert.Equal(t, 3, v.Attempts)
	assert.Equal(t, 3, writer.Submits())
	assert.Equal(t, ledger.MustParseAmount("0.50"), v.RealizedPnL)
	assert.Equal(t, ledger.MustParseAmount("0.50"), l.RealizedPnL())
	assert.False(t, l.HasPositions())
	assert.NotEmpty(t, v.TxHash)

	// two retry delays on the engine clock
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.clock.Waits())

	stored := h.store.GetSettlements()
	require.NotEmpty(t, stored)
	last := stored[len(stored)-1]
	assert.Equal(t, "DONE", last.State)
	assert.Equal(t, 3, last.Attempts)
}

func TestSettle_SecondCallKeepsOutcome(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideDown)
	writer := testutil.NewFakeWriter(10_000_000, 10_000_000)
	h := newHarness(t, oracle, writer)

	l := pairedLedger(t)
	first, err := h.engine.Settle(context.Background(), Request{Market: h.market, Ledger: l})
	require.NoError(t, err)
	require.Equal(t, 1, writer.Submits())

	want := first.View()
	calls, reads, stored := oracle.Calls(), writer.Calls(), len(h.store.GetSettlements())

	rec, err := h.engine.Settle(context.Background(), Request{Market: h.market, Ledger: l})
	require.NoError(t, err)

	v := rec.View()
	assert.Equal(t, want, v)
	assert.Equal(t, StateDone, v.State)
	assert.Equal(t, OutcomeConfirmed, v.Outcome)
	// DOWN won: 10 - 9.50
	assert.Equal(t, ledger.MustParseAmount("0.50"), v.RealizedPnL)

	assert.Equal(t, calls, oracle.Calls(), "oracle read again")
	assert.Equal(t, reads, writer.Calls(), "chain touched again")
	assert.Equal(t, 1, writer.Submits())
	assert.Len(t, h.store.GetSettlements(), stored, "stored row rewritten")
}

// A new process has no record of the earlier redemption and finds the wallet
// already empty.
func TestSettle_NewEngineHasNothingToRedeem(t *testing.T) {
	writer := testutil.NewFakeWriter(10_000_000, 10_000_000)
	h := newHarness(t, testutil.NewFakeOracle(0, types.SideDown), writer)

	_, err := h.engine.Settle(context.Background(), Request{Market: h.market, Ledger: pairedLedger(t)})
	require.NoError(t, err)
	require.Equal(t, 1, writer.Submits())

	restarted := newHarness(t, testutil.NewFakeOracle(0, types.SideDown), writer)
	rec, err := restarted.engine.Settle(context.Background(), Request{Market: restarted.market})
	require.NoError(t, err)

	v := rec.View()
	assert.Equal(t, 1, writer.Submits())
	assert.Equal(t, StateDone, v.State)
	assert.Equal(t, OutcomeNothingToRedeem, v.Outcome)
	assert.Empty(t, v.TxHash)
}

// A later sweep retries a redemption whose budget ran out.
func TestSettle_FailedRecordIsRetried(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	writer := testutil.NewFakeWriter(10_000_000, 10_000_000)
	writer.ConfirmWith(chain.Reverted, chain.Reverted, chain.Reverted)
	h := newHarness(t, oracle, writer)

	l := pairedLedger(t)
	rec, err := h.engine.Settle(context.Background(), Request{Market: h.market, Ledger: l})
	require.ErrorIs(t, err, ErrFailed)
	require.Equal(t, StateFailed, rec.State())
	assert.False(t, rec.Final())

	rec, err = h.engine.Settle(context.Background(), Request{Market: h.market, Ledger: l})
	require.NoError(t, err)

	v := rec.View()
	assert.Equal(t, StateDone, v.State)
	assert.Equal(t, OutcomeConfirmed, v.Outcome)
	assert.Empty(t, v.LastError)
	assert.Equal(t, 4, writer.Submits())
	assert.True(t, rec.Final())
	assert.False(t, l.HasPositions())
}

// A sweep reaching a condition that Run is still driving must not touch it.
func TestSettle_RefusedWhileRunDrives(t *testing.T) {
	oracle := testutil.NewFakeOracle(2, types.SideUp)
	writer := testutil.NewFakeWriter(10_000_000, 10_000_000)
	h := newHarness(t, oracle, writer)

	var (
		sweepErr   error
		sweepState State
	)
	oracle.OnCall = func(call int) {
		if call != 1 {
			return
		}
		rec, err := h.engine.Settle(context.Background(), Request{Market: h.market})
		sweepErr = err
		sweepState = rec.State()
	}

	rec := h.engine.Run(context.Background(), Session{Market: h.market, StartedAt: testStart}, pairedLedger(t))

	require.ErrorIs(t, sweepErr, ErrInProgress)
	assert.Equal(t, StateAwaitingOracle, sweepState)
	assert.Equal(t, 3, oracle.Calls(), "refused settle must not read the oracle")

	v := rec.View()
	assert.Equal(t, OutcomeConfirmed, v.Outcome)
	assert.Equal(t, 1, writer.Submits())
	assert.Equal(t, []State{
		StateAwaitingClose,
		StateAwaitingOracle,
		StateLockWait,
		StateSubmitting,
		StateConfirming,
		StateDone,
	}, statesOf(v.History))

	_, err := h.engine.Settle(context.Background(), Request{Market: h.market})
	require.NoError(t, err)
	assert.Equal(t, 1, writer.Submits())
}

func TestSweep_LabelsInProgress(t *testing.T) {
	assert.Equal(t, "in-progress", sweepLabel(ErrInProgress))
	assert.Equal(t, "contended", sweepLabel(ErrLockContended))
	assert.Equal(t, "settled", sweepLabel(nil))
}

func TestSettle_ExhaustedReverts(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	writer := testutil.NewFakeWriter(10_000_000, 10_000_000)
	writer.ConfirmWith(chain.Reverted, chain.Reverted, chain.Reverted)
	h := newHarness(t, oracle, writer)

	l := pairedLedger(t)
	rec, err := h.engine.Settle(context.Background(), Request{Market: h.market, Ledger: l})
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}

	v := rec.View()
	assert.Equal(t, StateFailed, v.State)
	assert.Equal(t, OutcomeReverted, v.Outcome)
	assert.Equal(t, 3, v.Attempts)
	assert.NotEmpty(t, v.LastError)
	assert.True(t, l.HasPositions(), "ledger must stay open on failure")
	assert.Equal(t, 1, h.sink.CountSeverity(notify.Critical))
}

func TestSettle_SubmitErrorsAbandon(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	writer := testutil.NewFakeWriter(10_000_000, 0)
	writer.FailSubmits(errors.New("a"), errors.New("b"), errors.New("c"))
	h := newHarness(t, oracle, writer)

	rec, err := h.engine.Settle(context.Background(), Request{Market: h.market})
	require.ErrorIs(t, err, ErrFailed)
	assert.Equal(t, OutcomeAbandoned, rec.View().Outcome)
}

func TestSettle_LateConfirmationCountsAsLanded(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	writer := testutil.NewFakeWriter(10_000_000, 10_000_000)
	writer.LandsLate = true
	writer.ConfirmWith(chain.StatusUnknown)
	h := newHarness(t, oracle, writer)

	rec, err := h.engine.Settle(context.Background(), Request{Market: h.market, Ledger: pairedLedger(t)})
	require.NoError(t, err)

	v := rec.View()
	assert.Equal(t, OutcomeConfirmed, v.Outcome)
	assert.Equal(t, 2, v.Attempts)
	assert.Equal(t, 1, writer.Submits())
	assert.Equal(t, 1, h.sink.CountSeverity(notify.Warn))
}

func TestSettle_NotResolved(t *testing.T) {
	oracle := testutil.NewFakeOracle(5, types.SideUp)
	writer := testutil.NewFakeWriter(10_000_000, 10_000_000)
	h := newHarness(t, oracle, writer)

	rec, err := h.engine.Settle(context.Background(), Request{Market: h.market})
	require.ErrorIs(t, err, ErrNotResolved)
	assert.Equal(t, StateAwaitingOracle, rec.State())
	assert.Equal(t, ResolutionPending, rec.View().Resolution)
	assert.Equal(t, 0, writer.Calls())
}

func TestSettle_OracleError(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	oracle.FailNext(errors.New("rpc down"))
	h := newHarness(t, oracle, testutil.NewFakeWriter(1, 0))

	rec, err := h.engine.Settle(context.Background(), Request{Market: h.market})
	require.Error(t, err)
	assert.Equal(t, "rpc down", rec.View().LastError)
}

func TestSettle_BatchVariant(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideDown)
	writer := testutil.NewFakeWriter(0, 4_000_000)
	h := newHarness(t, oracle, writer)
	h.market.Variant = types.VariantBatch

	_, err := h.engine.Settle(context.Background(), Request{Market: h.market})
	require.NoError(t, err)
	assert.Equal(t, []types.SettlementVariant{types.VariantBatch}, writer.Variants())
}

func TestRun_NoPositions(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	writer := testutil.NewFakeWriter(0, 0)
	h := newHarness(t, oracle, writer)

	l, err := ledger.New(&ledger.Config{MarketID: h.market.Slug, Logger: zap.NewNop()})
	require.NoError(t, err)

	rec := h.engine.Run(context.Background(), Session{Market: h.market}, l)

	v := rec.View()
	assert.Equal(t, StateDone, v.State)
	assert.Equal(t, OutcomeNone, v.Outcome)
	assert.False(t, v.HadPositions)
	assert.Equal(t, 0, oracle.Calls())
	assert.Equal(t, 0, writer.Calls())
	assert.False(t, rec.Final())
}

// Nothing held by the session does not mean nothing held by the wallet, so a
// later sweep may still redeem the condition.
func TestRun_NoPositionsStillSweepable(t *testing.T) {
	writer := testutil.NewFakeWriter(3_000_000, 0)
	h := newHarness(t, testutil.NewFakeOracle(0, types.SideUp), writer)

	l, err := ledger.New(&ledger.Config{MarketID: h.market.Slug, Logger: zap.NewNop()})
	require.NoError(t, err)
	h.engine.Run(context.Background(), Session{Market: h.market}, l)

	rec, err := h.engine.Settle(context.Background(), Request{Market: h.market})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, rec.View().Outcome)
	assert.Equal(t, 1, writer.Submits())
}

func TestRun_OracleErrorsAreRetried(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	oracle.FailNext(errors.New("rpc down"), errors.New("rpc down"))
	h := newHarness(t, oracle, testutil.NewFakeWriter(10_000_000, 10_000_000))

	rec := h.engine.Run(context.Background(), Session{Market: h.market}, pairedLedger(t))

	v := rec.View()
	assert.Equal(t, 3, v.Polls)
	assert.Equal(t, StateDone, v.State)
	assert.Empty(t, v.LastError)
}

func TestRecords(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	h := newHarness(t, oracle, testutil.NewFakeWriter(0, 0))

	second := testutil.CreateTestMarket("btc-updown-15m-1765310400", testStart.Add(30*time.Minute))

	_, err := h.engine.Settle(context.Background(), Request{Market: h.market})
	require.NoError(t, err)
	_, err = h.engine.Settle(context.Background(), Request{Market: second})
	require.NoError(t, err)

	views := h.engine.Records()
	require.Len(t, views, 2)
	assert.Equal(t, h.market.ConditionID, views[0].ConditionID)
	assert.Equal(t, second.ConditionID, views[1].ConditionID)

	_, ok := h.engine.Record("0xunknown")
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	writer := testutil.NewFakeWriter(10_000_000, 0)
	h := newHarness(t, oracle, writer)

	second := testutil.CreateTestMarket("btc-updown-15m-1765310400", testStart.Add(30*time.Minute))

	results := h.engine.Sweep(context.Background(), []*types.Market{h.market, second}, 0)

	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.Equal(t, OutcomeConfirmed, results[0].View.Outcome)
	// The fake wallet was emptied by the first redemption.
	assert.Equal(t, OutcomeNothingToRedeem, results[1].View.Outcome)
	assert.Equal(t, 1, writer.Submits())
	assert.Len(t, h.engine.Records(), 2)
}

func TestSweep_ContinuesPastFailures(t *testing.T) {
	oracle := testutil.NewFakeOracle(0, types.SideUp)
	oracle.FailNext(errors.New("rpc down"))
	writer := testutil.NewFakeWriter(10_000_000, 0)
	h := newHarness(t, oracle, writer)

	second := testutil.CreateTestMarket("btc-updown-15m-1765310400", testStart.Add(30*time.Minute))

	results := h.engine.Sweep(context.Background(), []*types.Market{h.market, second}, time.Second)

	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, OutcomeConfirmed, results[1].View.Outcome)
}

func TestSweep_StopsOnCancel(t *testing.T) {
	h := newHarness(t, testutil.NewFakeOracle(0, types.SideUp), testutil.NewFakeWriter(1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := h.engine.Sweep(ctx, []*types.Market{h.market}, time.Second)

	assert.Empty(t, results)
	assert.Equal(t, 0, h.oracle.Calls())
}
