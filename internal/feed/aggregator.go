// Package feed aggregates the index trade stream and the market order book
// into one snapshot with explicit staleness.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/p16-hash/polyterminal-automation/pkg/websocket"
	"go.uber.org/zap"
)

// ErrStale is returned when a stream has no data or its data is older than
// the staleness threshold. The wrapped message names the stream.
var ErrStale = errors.New("feed data stale")

// Snapshot is a consistent read of both streams.
type Snapshot struct {
	Index   IndexTick
	Book    BookTop
	TakenAt time.Time
}

// IndexAge returns how old the index tick was when the snapshot was taken.
func (s Snapshot) IndexAge() time.Duration {
	return s.TakenAt.Sub(s.Index.ReceivedAt)
}

// BookAge returns the age of the older of the two quotes, counted from the last
// frame heard when the stream is newer than both.
func (s Snapshot) BookAge() time.Duration {
	return s.TakenAt.Sub(s.Book.freshAt())
}

// IndexSource is a stream publishing index ticks.
type IndexSource interface {
	Latest() *IndexTick
}

// BookSource is a stream publishing the session top of book.
type BookSource interface {
	Latest() *BookTop
	SetTokens(up, down string) error
}

// Config holds Aggregator configuration.
type Config struct {
	Index        IndexSource
	Book         BookSource
	MaxStaleness time.Duration
	Logger       *zap.Logger
}

// Aggregator combines the two stream cells. Reads are lock-free.
type Aggregator struct {
	index        IndexSource
	book         BookSource
	maxStaleness time.Duration
	logger       *zap.Logger
}

// New creates an aggregator over the given sources.
func New(cfg *Config) (*Aggregator, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Index == nil || cfg.Book == nil {
		return nil, errors.New("index and book sources are required")
	}

	if cfg.MaxStaleness <= 0 {
		return nil, fmt.Errorf("max staleness must be positive, got %v", cfg.MaxStaleness)
	}

	return &Aggregator{
		index:        cfg.Index,
		book:         cfg.Book,
		maxStaleness: cfg.MaxStaleness,
		logger:       cfg.Logger,
	}, nil
}

// Snapshot returns both cells as of now, or ErrStale when either is missing or
// older than the staleness threshold.
func (a *Aggregator) Snapshot(now time.Time) (Snapshot, error) {
	idx := a.index.Latest()
	if idx == nil {
		StaleReadsTotal.WithLabelValues("index").Inc()
		return Snapshot{}, fmt.Errorf("%w: index has no data", ErrStale)
	}

	idxAge := now.Sub(idx.ReceivedAt)
	StalenessSeconds.WithLabelValues("index").Set(idxAge.Seconds())
	if idxAge > a.maxStaleness {
		StaleReadsTotal.WithLabelValues("index").Inc()
		return Snapshot{}, fmt.Errorf("%w: index is %s old", ErrStale, idxAge.Round(time.Millisecond))
	}

	book := a.book.Latest()
	if book == nil || book.freshAt().IsZero() {
		StaleReadsTotal.WithLabelValues("book").Inc()
		return Snapshot{}, fmt.Errorf("%w: book has no data", ErrStale)
	}

	bookAge := now.Sub(book.freshAt())
	StalenessSeconds.WithLabelValues("book").Set(bookAge.Seconds())
	if bookAge > a.maxStaleness {
		StaleReadsTotal.WithLabelValues("book").Inc()
		return Snapshot{}, fmt.Errorf("%w: book is %s old", ErrStale, bookAge.Round(time.Millisecond))
	}

	return Snapshot{Index: *idx, Book: *book, TakenAt: now}, nil
}

// SetTokens switches the book stream to a new session.
func (a *Aggregator) SetTokens(up, down string) error {
	err := a.book.SetTokens(up, down)
	if err != nil {
		return fmt.Errorf("set book tokens: %w", err)
	}
	return nil
}

// Ready reports whether both streams are fresh right now.
func (a *Aggregator) Ready() bool {
	_, err := a.Snapshot(time.Now())
	return err == nil
}

// Streams owns the two live stream adapters.
type Streams struct {
	Index *IndexStream
	Book  *BookStream
}

// StreamsConfig holds the stream endpoints.
type StreamsConfig struct {
	IndexURL    string
	IndexSymbol string
	BookURL     string
	Connection  websocket.Config
	Logger      *zap.Logger
}

// NewStreams creates both stream adapters without connecting.
func NewStreams(cfg StreamsConfig) (*Streams, error) {
	index, err := NewIndexStream(IndexConfig{
		URL:        cfg.IndexURL,
		Symbol:     cfg.IndexSymbol,
		Connection: cfg.Connection,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	book, err := NewBookStream(BookConfig{URL: cfg.BookURL, Connection: cfg.Connection, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	return &Streams{Index: index, Book: book}, nil
}

// Start connects both streams.
func (s *Streams) Start(ctx context.Context) error {
	err := s.Index.Start(ctx)
	if err != nil {
		return err
	}

	err = s.Book.Start(ctx)
	if err != nil {
		_ = s.Index.Close()
		return err
	}

	return nil
}

// Close stops both streams.
func (s *Streams) Close() error {
	return errors.Join(s.Index.Close(), s.Book.Close())
}
