// Package cache keeps market metadata between slot lookups.
package cache

import (
	"time"

	"github.com/p16-hash/polyterminal-automation/pkg/types"
)

// Cache stores markets by event slug. Implementations copy markets on the way
// in and out, so callers may mutate what they get back.
type Cache interface {
	// Get returns a copy of the cached market, if any.
	Get(slug string) (*types.Market, bool)

	// Set caches a copy of market for ttl. It reports false when the
	// entry was not admitted.
	Set(slug string, market *types.Market, ttl time.Duration) bool

	Delete(slug string)

	Close()
}
