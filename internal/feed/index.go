package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/p16-hash/polyterminal-automation/pkg/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IndexTick is the latest trade on the index (spot) market.
type IndexTick struct {
	Symbol     string
	Price      decimal.Decimal
	TradeTime  time.Time
	ReceivedAt time.Time
}

// binanceTrade is a <symbol>@trade event. Binance reuses letters in both
// cases ("e"/"E", "t"/"T"), so every key is declared to keep decoding exact.
type binanceTrade struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	Maker     bool   `json:"m"`
	Ignore    bool   `json:"M"`
}

// IndexConfig holds IndexStream configuration.
type IndexConfig struct {
	// URL is the stream base, e.g. wss://stream.binance.com:9443/ws.
	URL    string
	Symbol string
	// Connection carries dial, ping and reconnect tuning. Name, URL and
	// Logger are filled in by the stream.
	Connection websocket.Config
	Logger     *zap.Logger
}

// IndexStream follows the index trade stream. One goroutine decodes frames
// and publishes each tick as an immutable value.
type IndexStream struct {
	symbol string
	ws     *websocket.Manager
	cell   atomic.Pointer[IndexTick]
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewIndexStream creates the index stream for cfg.Symbol.
func NewIndexStream(cfg IndexConfig) (*IndexStream, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Symbol == "" {
		return nil, errors.New("index symbol cannot be empty")
	}

	symbol := strings.ToLower(cfg.Symbol)
	conn := cfg.Connection
	conn.Name = "index"
	conn.URL = strings.TrimSuffix(cfg.URL, "/") + "/" + symbol + "@trade"
	conn.Logger = cfg.Logger

	ws, err := websocket.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create index websocket: %w", err)
	}

	return &IndexStream{
		symbol: symbol,
		ws:     ws,
		logger: cfg.Logger.With(zap.String("stream", "index")),
	}, nil
}

// Start connects and runs the writer goroutine until ctx ends or Close.
func (s *IndexStream) Start(ctx context.Context) error {
	err := s.ws.Start()
	if err != nil {
		return fmt.Errorf("start index stream: %w", err)
	}

	s.wg.Add(1)
	go s.run(ctx)

	return nil
}

func (s *IndexStream) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.ws.Messages():
			if !ok {
				return
			}

			err := s.handle(frame, time.Now())
			if err != nil {
				DecodeErrorsTotal.WithLabelValues("index").Inc()
				s.logger.Debug("index-frame-skipped", zap.Error(err))
			}
		}
	}
}

func (s *IndexStream) handle(frame []byte, now time.Time) error {
	var trade binanceTrade
	err := json.Unmarshal(frame, &trade)
	if err != nil {
		return fmt.Errorf("decode trade: %w", err)
	}

	if trade.Event != "trade" {
		return nil
	}

	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		return fmt.Errorf("parse price %q: %w", trade.Price, err)
	}

	s.cell.Store(&IndexTick{
		Symbol:     strings.ToLower(trade.Symbol),
		Price:      price,
		TradeTime:  time.UnixMilli(trade.TradeTime),
		ReceivedAt: now,
	})
	UpdatesTotal.WithLabelValues("index", "trade").Inc()

	return nil
}

// Latest returns the most recent tick, or nil before the first one.
func (s *IndexStream) Latest() *IndexTick {
	return s.cell.Load()
}

// Close stops the stream and waits for the writer to exit.
func (s *IndexStream) Close() error {
	err := s.ws.Close()
	s.wg.Wait()
	return err
}
