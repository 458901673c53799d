package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/testutil"
	"github.com/p16-hash/polyterminal-automation/pkg/cache"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T, gammaURL string, c cache.Cache, now time.Time) *Service {
	t.Helper()

	logger := zaptest.NewLogger(t)

	svc, err := New(&Config{
		Client:       NewClient(gammaURL, logger),
		Cache:        c,
		SlotDuration: 15 * time.Minute,
		Now:          func() time.Time { return now },
		Logger:       logger,
	})
	require.NoError(t, err)

	return svc
}

func newTestCache(t *testing.T) *cache.RistrettoCache {
	t.Helper()

	c, err := cache.NewRistrettoCache(&cache.RistrettoConfig{
		MaxMarkets: 100,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c
}

func TestNew_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	client := NewClient("", logger)

	tests := []struct {
		name   string
		cfg    *Config
		errMsg string
	}{
		{name: "nil-config", cfg: nil, errMsg: "config cannot be nil"},
		{name: "nil-logger", cfg: &Config{Client: client, SlotDuration: time.Minute}, errMsg: "logger cannot be nil"},
		{name: "nil-client", cfg: &Config{Logger: logger, SlotDuration: time.Minute}, errMsg: "client cannot be nil"},
		{name: "short-slot", cfg: &Config{Client: client, Logger: logger, SlotDuration: time.Second}, errMsg: "slot duration must be at least 1m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSlots(t *testing.T) {
	slotStart := time.Unix(testutil.TestSlot, 0)
	duration := 15 * time.Minute

	tests := []struct {
		name    string
		now     time.Time
		current int64
	}{
		{name: "slot-start", now: slotStart, current: testutil.TestSlot},
		{name: "mid-slot", now: slotStart.Add(7*time.Minute + 30*time.Second), current: testutil.TestSlot},
		{name: "last-second", now: slotStart.Add(duration - time.Second), current: testutil.TestSlot},
		{name: "next-slot", now: slotStart.Add(duration), current: testutil.TestSlot + 900},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.current, CurrentSlot(tt.now, duration))
			assert.Equal(t, tt.current+900, NextSlot(tt.now, duration))
		})
	}

	assert.Equal(t, "btc-updown-15m-1765309500", Slug("btc", testutil.TestSlot, duration))
	assert.Equal(t, "eth-updown-5m-1765309500", Slug("eth", testutil.TestSlot, 5*time.Minute))
}

func TestFindMarket_MapsOutcomes(t *testing.T) {
	gamma := testutil.NewMockGammaAPI()
	defer gamma.Close()

	slug := Slug("btc", testutil.TestSlot, 15*time.Minute)
	closeTime := time.Unix(testutil.TestSlot, 0).Add(15 * time.Minute).UTC()
	gamma.SetEvent(slug, testutil.CreateTestGammaEventJSON(slug, closeTime, false))

	svc := newTestService(t, gamma.URL, nil, closeTime.Add(-10*time.Minute))

	market, err := svc.FindMarket(context.Background(), "btc", testutil.TestSlot)
	require.NoError(t, err)

	assert.Equal(t, slug, market.Slug)
	assert.Equal(t, "0xc0ffee", market.ConditionID)
	assert.Equal(t, "up-token", market.UpTokenID, "outcomes list DOWN first")
	assert.Equal(t, "down-token", market.DownTokenID)
	assert.True(t, closeTime.Equal(market.CloseTime))
	assert.Equal(t, types.VariantDirect, market.Variant)
	assert.InDelta(t, 0.01, market.TickSize, 1e-9)
}

func TestFindMarket_NegRiskIsBatch(t *testing.T) {
	gamma := testutil.NewMockGammaAPI()
	defer gamma.Close()

	slug := Slug("btc", testutil.TestSlot, 15*time.Minute)
	closeTime := time.Unix(testutil.TestSlot, 0).Add(15 * time.Minute)
	gamma.SetEvent(slug, testutil.CreateTestGammaEventJSON(slug, closeTime, true))

	svc := newTestService(t, gamma.URL, nil, closeTime.Add(-time.Minute))

	market, err := svc.FindMarket(context.Background(), "btc", testutil.TestSlot)
	require.NoError(t, err)
	assert.Equal(t, types.VariantBatch, market.Variant)
}

func TestFindMarket_NotFound(t *testing.T) {
	gamma := testutil.NewMockGammaAPI()
	defer gamma.Close()

	svc := newTestService(t, gamma.URL, nil, time.Unix(testutil.TestSlot, 0))

	_, err := svc.FindMarket(context.Background(), "btc", testutil.TestSlot)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMarketNotFound))
}

func TestFindMarket_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	svc := newTestService(t, server.URL, nil, time.Unix(testutil.TestSlot, 0))

	_, err := svc.FindMarket(context.Background(), "btc", testutil.TestSlot)
	require.Error(t, err)

	var apiErr *types.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.True(t, apiErr.Retryable())
	assert.False(t, errors.Is(err, ErrMarketNotFound))
}

func TestFindMarket_UsesCache(t *testing.T) {
	gamma := testutil.NewMockGammaAPI()
	defer gamma.Close()

	slug := Slug("btc", testutil.TestSlot, 15*time.Minute)
	closeTime := time.Unix(testutil.TestSlot, 0).Add(15 * time.Minute)
	gamma.SetEvent(slug, testutil.CreateTestGammaEventJSON(slug, closeTime, false))

	c := newTestCache(t)
	svc := newTestService(t, gamma.URL, c, closeTime.Add(-5*time.Minute))

	first, err := svc.FindMarket(context.Background(), "btc", testutil.TestSlot)
	require.NoError(t, err)
	c.Wait()

	// Callers own the returned copy.
	first.UpTokenID = "mutated"

	second, err := svc.FindMarket(context.Background(), "btc", testutil.TestSlot)
	require.NoError(t, err)

	assert.Equal(t, 1, gamma.Hits())
	assert.Equal(t, "up-token", second.UpTokenID)
}

func TestFindMarket_NotFoundIsNotCached(t *testing.T) {
	gamma := testutil.NewMockGammaAPI()
	defer gamma.Close()

	c := newTestCache(t)
	slug := Slug("btc", testutil.TestSlot, 15*time.Minute)
	closeTime := time.Unix(testutil.TestSlot, 0).Add(15 * time.Minute)
	svc := newTestService(t, gamma.URL, c, closeTime.Add(-14*time.Minute))

	_, err := svc.FindMarket(context.Background(), "btc", testutil.TestSlot)
	require.ErrorIs(t, err, ErrMarketNotFound)
	c.Wait()

	gamma.SetEvent(slug, testutil.CreateTestGammaEventJSON(slug, closeTime, false))

	market, err := svc.FindMarket(context.Background(), "btc", testutil.TestSlot)
	require.NoError(t, err)
	assert.Equal(t, "0xc0ffee", market.ConditionID)
	assert.Equal(t, 2, gamma.Hits())
}
