// Package storage persists fills and settlement records.
package storage

import (
	"context"
	"time"
)

// Fill is one ledger fill as persisted. Money columns are decimal strings so
// fixed-point values round-trip exactly.
type Fill struct {
	ID         string
	MarketSlug string
	Side       string
	Price      string
	Quantity   string
	Cost       string
	OrderID    string
	Reverted   bool
	FilledAt   time.Time
}

// Settlement is the latest state of one market's settlement.
type Settlement struct {
	ConditionID string
	MarketSlug  string
	State       string
	Resolution  string
	Winner      string
	Outcome     string
	Attempts    int
	Polls       int
	TxHash      string
	LastError   string
	RealizedPnL string
	UpdatedAt   time.Time
}

// Storage is the interface for persisting engine activity.
type Storage interface {
	// StoreFill stores a fill, or marks it reverted.
	StoreFill(ctx context.Context, fill *Fill) error

	// StoreSettlement upserts a settlement record by condition id.
	StoreSettlement(ctx context.Context, s *Settlement) error

	// Close closes the storage connection.
	Close() error
}
