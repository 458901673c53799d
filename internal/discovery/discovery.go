// Package discovery resolves the recurring UP/DOWN market of a time slot
// through the Gamma API.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/p16-hash/polyterminal-automation/pkg/cache"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

// ErrMarketNotFound is returned when no event exists for a slug yet. Callers
// retry later.
var ErrMarketNotFound = errors.New("market not found")

// EventSource is the Gamma read discovery needs. *Client implements it.
type EventSource interface {
	FetchEventsBySlug(ctx context.Context, slug string) ([]types.GammaEvent, error)
}

// Service finds slot markets and caches them until they close.
type Service struct {
	client       EventSource
	cache        cache.Cache
	slotDuration time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// Config holds discovery service configuration.
type Config struct {
	Client       EventSource
	Cache        cache.Cache // optional
	SlotDuration time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

// New creates a discovery service.
func New(cfg *Config) (svc *Service, err error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("client cannot be nil")
	}

	if cfg.SlotDuration < time.Minute {
		return nil, fmt.Errorf("slot duration must be at least 1m, got %v", cfg.SlotDuration)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		client:       cfg.Client,
		cache:        cfg.Cache,
		slotDuration: cfg.SlotDuration,
		now:          now,
		logger:       cfg.Logger,
	}, nil
}

// CurrentSlot returns the unix start of the slot containing now.
func CurrentSlot(now time.Time, duration time.Duration) int64 {
	step := int64(duration / time.Second)
	ts := now.Unix()
	return ts - ts%step
}

// NextSlot returns the unix start of the slot after the one containing now.
func NextSlot(now time.Time, duration time.Duration) int64 {
	return CurrentSlot(now, duration) + int64(duration/time.Second)
}

// Slug builds the event slug of a slot, e.g. "btc-updown-15m-1765309500".
func Slug(symbol string, slot int64, duration time.Duration) string {
	return fmt.Sprintf("%s-updown-%dm-%d", symbol, int64(duration/time.Minute), slot)
}

// SlotDuration returns the configured slot length.
func (s *Service) SlotDuration() time.Duration {
	return s.slotDuration
}

// FindMarket resolves the market of symbol for the slot starting at slot.
func (s *Service) FindMarket(ctx context.Context, symbol string, slot int64) (market *types.Market, err error) {
	market, err = s.FindBySlug(ctx, Slug(symbol, slot, s.slotDuration))
	if err != nil {
		return nil, err
	}

	// Gamma occasionally omits endDate on fresh events.
	if market.CloseTime.IsZero() {
		market.CloseTime = time.Unix(slot, 0).Add(s.slotDuration).UTC()
	}

	return market, nil
}

// FindBySlug resolves a market by its event slug. Closed markets are returned
// too, since redemption looks them up after close.
func (s *Service) FindBySlug(ctx context.Context, slug string) (market *types.Market, err error) {
	start := time.Now()
	defer func() {
		LookupDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	cached := s.cached(slug)
	if cached != nil {
		LookupsTotal.WithLabelValues("cache-hit").Inc()
		return cached, nil
	}

	events, err := s.client.FetchEventsBySlug(ctx, slug)
	if err != nil {
		LookupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch event %s: %w", slug, err)
	}

	market, err = marketFromEvents(events, slug)
	if err != nil {
		LookupsTotal.WithLabelValues("not-found").Inc()
		return nil, err
	}

	LookupsTotal.WithLabelValues("found").Inc()
	s.store(slug, market)

	s.logger.Info("market-discovered",
		zap.String("slug", market.Slug),
		zap.String("condition-id", market.ConditionID),
		zap.Time("close-time", market.CloseTime),
		zap.Stringer("variant", market.Variant))

	m := *market
	return &m, nil
}

func marketFromEvents(events []types.GammaEvent, slug string) (*types.Market, error) {
	for i := range events {
		event := &events[i]
		if event.Slug != "" && event.Slug != slug {
			continue
		}

		for j := range event.Markets {
			gm := &event.Markets[j]

			market, err := gm.ToMarket(event.NegRisk)
			if err != nil {
				continue
			}

			market.Slug = slug
			if market.CloseTime.IsZero() {
				market.CloseTime = event.EndDate
			}

			return market, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, slug)
}

func (s *Service) cached(slug string) *types.Market {
	if s.cache == nil {
		return nil
	}

	market, found := s.cache.Get(slug)
	if !found {
		return nil
	}
	return market
}

// store caches a market until its close, and for one slot when it has already
// closed.
func (s *Service) store(slug string, market *types.Market) {
	if s.cache == nil {
		return
	}

	ttl := market.CloseTime.Sub(s.now())
	if ttl <= 0 || ttl > s.slotDuration*2 {
		ttl = s.slotDuration
	}

	if !s.cache.Set(slug, market, ttl) {
		s.logger.Warn("failed-to-cache-market", zap.String("slug", slug))
	}
}
