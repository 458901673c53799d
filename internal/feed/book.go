package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/p16-hash/polyterminal-automation/pkg/websocket"
	"go.uber.org/zap"
)

// Quote is the top of one token's book. A zero price means that side is empty.
type Quote struct {
	Bid       ledger.Amount
	BidSize   ledger.Amount
	Ask       ledger.Amount
	AskSize   ledger.Amount
	UpdatedAt time.Time
}

// BookTop is the top of book of both session tokens. HeardAt is when the
// stream last read a frame while subscribed to these tokens.
type BookTop struct {
	UpToken   string
	DownToken string
	Up        Quote
	Down      Quote
	HeardAt   time.Time
}

// Quote returns the quote of a side.
func (b BookTop) Quote(side types.Side) Quote {
	if side == types.SideDown {
		return b.Down
	}
	return b.Up
}

// Asks returns the best ask of each side.
func (b BookTop) Asks() (up, down ledger.Amount) {
	return b.Up.Ask, b.Down.Ask
}

// oldest returns the earlier of the two quote times, zero when either is missing.
func (b BookTop) oldest() time.Time {
	if b.Up.UpdatedAt.IsZero() || b.Down.UpdatedAt.IsZero() {
		return time.Time{}
	}
	if b.Up.UpdatedAt.Before(b.Down.UpdatedAt) {
		return b.Up.UpdatedAt
	}
	return b.Down.UpdatedAt
}

// freshAt is when the book was last known current. The market channel pushes
// every change of a subscribed token, so a quiet quote is still current while
// the stream keeps delivering frames. Zero when either quote is missing.
func (b BookTop) freshAt() time.Time {
	oldest := b.oldest()
	if oldest.IsZero() || !b.HeardAt.After(oldest) {
		return oldest
	}
	return b.HeardAt
}

type tokenPair struct {
	up   string
	down string
}

// BookConfig holds BookStream configuration.
type BookConfig struct {
	URL string
	// Connection carries dial, ping and reconnect tuning.
	Connection websocket.Config
	Logger     *zap.Logger
}

// BookStream follows the market channel for the two tokens of the current
// session. Only the writer goroutine touches the working quotes; readers get
// immutable BookTop values.
type BookStream struct {
	ws     *websocket.Manager
	tokens atomic.Pointer[tokenPair]
	cell   atomic.Pointer[BookTop]
	logger *zap.Logger
	wg     sync.WaitGroup

	// writer-owned
	working BookTop
}

// NewBookStream creates the market channel stream. Tokens are set later.
func NewBookStream(cfg BookConfig) (*BookStream, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	s := &BookStream{
		logger: cfg.Logger.With(zap.String("stream", "book")),
	}
	s.tokens.Store(&tokenPair{})

	conn := cfg.Connection
	conn.Name = "book"
	conn.URL = cfg.URL
	conn.OnConnect = s.subscribe
	conn.Logger = cfg.Logger

	ws, err := websocket.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create book websocket: %w", err)
	}
	s.ws = ws

	return s, nil
}

// subscribe sends the initial market subscription for the current tokens.
func (s *BookStream) subscribe(sender websocket.Sender) error {
	pair := s.tokens.Load()
	if pair.up == "" {
		return nil
	}

	return sender.Send(map[string]any{
		"assets_ids": []string{pair.up, pair.down},
		"type":       "market",
	})
}

// SetTokens switches the stream to a new session's tokens. The published top
// is cleared until the new books arrive.
func (s *BookStream) SetTokens(up, down string) error {
	old := s.tokens.Swap(&tokenPair{up: up, down: down})
	s.cell.Store(nil)

	if old.up == up && old.down == down {
		return nil
	}

	s.logger.Info("book-tokens-switched",
		zap.String("up-token", up),
		zap.String("down-token", down))

	if !s.ws.Connected() {
		// OnConnect subscribes the new pair.
		return nil
	}

	if old.up != "" {
		err := s.ws.Send(map[string]any{
			"assets_ids": []string{old.up, old.down},
			"operation":  "unsubscribe",
		})
		if err != nil {
			return fmt.Errorf("unsubscribe old tokens: %w", err)
		}
	}

	err := s.ws.Send(map[string]any{
		"assets_ids": []string{up, down},
		"operation":  "subscribe",
	})
	if err != nil {
		return fmt.Errorf("subscribe new tokens: %w", err)
	}

	return nil
}

// Start connects and runs the writer goroutine until ctx ends or Close.
func (s *BookStream) Start(ctx context.Context) error {
	err := s.ws.Start()
	if err != nil {
		return fmt.Errorf("start book stream: %w", err)
	}

	s.wg.Add(1)
	go s.run(ctx)

	return nil
}

func (s *BookStream) run(ctx context.Context) {
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
				DecodeErrorsTotal.WithLabelValues("book").Inc()
				s.logger.Debug("book-frame-skipped", zap.Error(err))
			}
		}
	}
}

// handle applies one frame. The market channel sends either a single event or
// an array of events.
func (s *BookStream) handle(frame []byte, now time.Time) error {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil
	}

	pair := s.tokens.Load()
	if pair.up == "" {
		return nil
	}
	if s.working.UpToken != pair.up || s.working.DownToken != pair.down {
		s.working = BookTop{UpToken: pair.up, DownToken: pair.down}
	}
	s.working.HeardAt = now

	var events []json.RawMessage
	if frame[0] == '[' {
		err := json.Unmarshal(frame, &events)
		if err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
	} else {
		events = []json.RawMessage{frame}
	}

	changed := false
	for _, raw := range events {
		updated, err := s.apply(raw, now)
		if err != nil {
			return err
		}
		changed = changed || updated
	}

	if changed || !s.working.oldest().IsZero() {
		top := s.working
		s.cell.Store(&top)
	}

	return nil
}

func (s *BookStream) apply(raw json.RawMessage, now time.Time) (changed bool, err error) {
	var event types.MarketEvent
	err = json.Unmarshal(raw, &event)
	if err != nil {
		return false, fmt.Errorf("decode event type: %w", err)
	}

	switch event.EventType {
	case types.EventBook:
		var msg types.OrderbookMessage
		err = json.Unmarshal(raw, &msg)
		if err != nil {
			return false, fmt.Errorf("decode book: %w", err)
		}

		quote := s.quoteFor(msg.AssetID)
		if quote == nil {
			return false, nil
		}

		*quote, err = quoteFromBook(msg.Bids, msg.Asks, now)
		if err != nil {
			return false, fmt.Errorf("book %s: %w", msg.AssetID, err)
		}
		UpdatesTotal.WithLabelValues("book", types.EventBook).Inc()
		return true, nil

	case types.EventPriceChange:
		var msg types.PriceChangeMessage
		err = json.Unmarshal(raw, &msg)
		if err != nil {
			return false, fmt.Errorf("decode price change: %w", err)
		}

		for _, pc := range msg.PriceChanges {
			quote := s.quoteFor(pc.AssetID)
			if quote == nil {
				continue
			}

			err = applyPriceChange(quote, pc, now)
			if err != nil {
				return changed, fmt.Errorf("price change %s: %w", pc.AssetID, err)
			}
			changed = true
		}
		if changed {
			UpdatesTotal.WithLabelValues("book", types.EventPriceChange).Inc()
		}
		return changed, nil

	default:
		return false, nil
	}
}

func (s *BookStream) quoteFor(tokenID string) *Quote {
	switch tokenID {
	case s.working.UpToken:
		return &s.working.Up
	case s.working.DownToken:
		return &s.working.Down
	default:
		return nil
	}
}

// quoteFromBook picks the highest bid and lowest ask regardless of level order.
func quoteFromBook(bids, asks []types.PriceLevel, now time.Time) (Quote, error) {
	var q Quote

	for _, level := range bids {
		price, size, err := parseLevel(level)
		if err != nil {
			return Quote{}, err
		}
		if price > q.Bid {
			q.Bid, q.BidSize = price, size
		}
	}

	for _, level := range asks {
		price, size, err := parseLevel(level)
		if err != nil {
			return Quote{}, err
		}
		if q.Ask == 0 || price < q.Ask {
			q.Ask, q.AskSize = price, size
		}
	}

	q.UpdatedAt = now
	return q, nil
}

func applyPriceChange(q *Quote, pc types.PriceChange, now time.Time) error {
	bid, err := ledger.ParseAmount(orZero(pc.BestBid))
	if err != nil {
		return err
	}
	ask, err := ledger.ParseAmount(orZero(pc.BestAsk))
	if err != nil {
		return err
	}

	if bid != q.Bid {
		q.BidSize = 0
	}
	if ask != q.Ask {
		q.AskSize = 0
	}
	q.Bid, q.Ask = bid, ask

	// A change at the new best level carries that level's size.
	if pc.Price != "" && pc.Size != "" {
		price, size, perr := parseLevel(types.PriceLevel{Price: pc.Price, Size: pc.Size})
		if perr == nil {
			switch {
			case pc.Side == "BUY" && price == q.Bid:
				q.BidSize = size
			case pc.Side == "SELL" && price == q.Ask:
				q.AskSize = size
			}
		}
	}

	// An ask of 1 means the side is empty.
	if q.Ask >= ledger.One {
		q.Ask, q.AskSize = 0, 0
	}

	q.UpdatedAt = now
	return nil
}

func parseLevel(level types.PriceLevel) (price, size ledger.Amount, err error) {
	price, err = ledger.ParseAmount(level.Price)
	if err != nil {
		return 0, 0, fmt.Errorf("parse price: %w", err)
	}

	size, err = ledger.ParseAmount(level.Size)
	if err != nil {
		return 0, 0, fmt.Errorf("parse size: %w", err)
	}

	return price, size, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// Latest returns the current top of book, or nil until both tokens are known.
func (s *BookStream) Latest() *BookTop {
	top := s.cell.Load()
	if top == nil {
		return nil
	}

	pair := s.tokens.Load()
	if top.UpToken != pair.up || top.DownToken != pair.down {
		return nil
	}
	return top
}

// Close stops the stream and waits for the writer to exit.
func (s *BookStream) Close() error {
	err := s.ws.Close()
	s.wg.Wait()
	return err
}
