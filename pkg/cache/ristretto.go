package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

// RistrettoCache is a Cache backed by ristretto. Every market costs 1.
type RistrettoCache struct {
	cache  *ristretto.Cache
	logger *zap.Logger
}

// RistrettoConfig holds configuration for the ristretto cache.
type RistrettoConfig struct {
	MaxMarkets int64 // entries kept before eviction
	Logger     *zap.Logger
}

// NewRistrettoCache creates a ristretto-backed market cache.
func NewRistrettoCache(cfg *RistrettoConfig) (*RistrettoCache, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.MaxMarkets <= 0 {
		return nil, fmt.Errorf("max markets must be positive, got %d", cfg.MaxMarkets)
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxMarkets * 10,
		MaxCost:     cfg.MaxMarkets,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}

	return &RistrettoCache{
		cache:  c,
		logger: cfg.Logger,
	}, nil
}

// Get returns a copy of the cached market.
func (r *RistrettoCache) Get(slug string) (*types.Market, bool) {
	value, found := r.cache.Get(slug)
	if !found {
		LookupsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	market, ok := value.(types.Market)
	if !ok {
		r.logger.Warn("invalid-market-type-in-cache", zap.String("slug", slug))
		r.cache.Del(slug)
		LookupsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	LookupsTotal.WithLabelValues("hit").Inc()
	r.logger.Debug("cache-hit", zap.String("slug", slug))
	return &market, true
}

// Set caches a copy of market for ttl.
func (r *RistrettoCache) Set(slug string, market *types.Market, ttl time.Duration) bool {
	if market == nil {
		return false
	}

	admitted := r.cache.SetWithTTL(slug, *market, 1, ttl)
	if !admitted {
		SetsTotal.WithLabelValues("rejected").Inc()
		return false
	}

	SetsTotal.WithLabelValues("admitted").Inc()
	r.logger.Debug("cache-set",
		zap.String("slug", slug),
		zap.Duration("ttl", ttl))
	return true
}

// Delete evicts a market.
func (r *RistrettoCache) Delete(slug string) {
	r.cache.Del(slug)
}

// Close releases the cache's goroutines.
func (r *RistrettoCache) Close() {
	r.cache.Close()
}

// Wait blocks until buffered writes are applied.
func (r *RistrettoCache) Wait() {
	r.cache.Wait()
}
