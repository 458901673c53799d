package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	balances  *Balances
	positions []Position
	err       error
	addresses []string
}

func (f *fakeSource) GetBalances(context.Context, common.Address) (*Balances, error) {
	return f.balances, f.err
}

func (f *fakeSource) GetPositions(_ context.Context, address string) ([]Position, error) {
	f.addresses = append(f.addresses, address)
	return f.positions, f.err
}

func TestNew_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"nil logger", &Config{Source: &fakeSource{}, PollInterval: time.Second}},
		{"nil source", &Config{Logger: logger, PollInterval: time.Second}},
		{"zero interval", &Config{Source: &fakeSource{}, Logger: logger}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestTracker_Poll(t *testing.T) {
	now := time.Date(2025, 12, 9, 20, 10, 0, 0, time.UTC)
	source := &fakeSource{
		balances: &Balances{
			POL:           big.NewInt(1_000_000_000_000_000_000),
			USDC:          big.NewInt(42_000_000),
			USDCAllowance: big.NewInt(0),
		},
		positions: []Position{
			{ConditionID: "0xa", Outcome: "Up", Size: 10, Redeemable: true, CurrentValue: 10, CashPnL: 4.5},
			{ConditionID: "0xb", Outcome: "Down", Size: 5, CurrentValue: 2.5, EndDate: "2025-12-09T20:15:00Z"},
		},
	}

	tracker, err := New(&Config{
		Source:       source,
		Address:      common.HexToAddress("0x1234"),
		PollInterval: time.Minute,
		Now:          func() time.Time { return now },
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	assert.Nil(t, tracker.Latest())

	summary, err := tracker.Poll(context.Background())
	require.NoError(t, err)

	assert.Same(t, summary, tracker.Latest())
	assert.Len(t, summary.Categories.Redeemable, 1)
	assert.Len(t, summary.Categories.Active, 1)
	assert.Equal(t, now, summary.PolledAt)
	assert.Equal(t, []string{common.HexToAddress("0x1234").Hex()}, source.addresses)
	assert.InDelta(t, 42.0, summary.Balances.USDCDollars(), 1e-9)
}

func TestTracker_PollErrorKeepsLatest(t *testing.T) {
	source := &fakeSource{balances: &Balances{USDC: big.NewInt(1)}}
	tracker, err := New(&Config{Source: source, PollInterval: time.Minute, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	first, err := tracker.Poll(context.Background())
	require.NoError(t, err)

	source.err = errors.New("rpc down")

	_, err = tracker.Poll(context.Background())
	assert.ErrorContains(t, err, "get balances")
	assert.Same(t, first, tracker.Latest())
}

func TestTracker_RunStopsOnCancel(t *testing.T) {
	tracker, err := New(&Config{
		Source:       &fakeSource{balances: &Balances{}},
		PollInterval: time.Hour,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx) }()

	require.Eventually(t, func() bool { return tracker.Latest() != nil }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop")
	}
}
