package types

import (
	"strconv"

	"github.com/goccy/go-json"
)

// Market channel event types.
const (
	EventBook           = "book"
	EventPriceChange    = "price_change"
	EventLastTradePrice = "last_trade_price"
	EventTickSizeChange = "tick_size_change"
)

// MarketEvent peeks at the event type of a market channel message.
type MarketEvent struct {
	EventType string `json:"event_type"`
}

// OrderbookMessage is a full "book" snapshot from the market channel.
type OrderbookMessage struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Timestamp int64        `json:"-"` // Parsed from string via UnmarshalJSON
	Hash      string       `json:"hash,omitempty"`
	Bids      []PriceLevel `json:"bids,omitempty"`
	Asks      []PriceLevel `json:"asks,omitempty"`
}

// UnmarshalJSON decodes the string timestamp.
func (o *OrderbookMessage) UnmarshalJSON(data []byte) error {
	type Alias OrderbookMessage
	aux := &struct {
		TimestampStr string `json:"timestamp"`
		*Alias
	}{
		Alias: (*Alias)(o),
	}

	err := json.Unmarshal(data, &aux)
	if err != nil {
		return err
	}

	o.Timestamp, err = parseTimestamp(aux.TimestampStr)
	return err
}

// PriceLevel represents a single price level in the orderbook.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeMessage is an incremental "price_change" update. Each change
// carries the new best bid and ask of its asset.
type PriceChangeMessage struct {
	EventType    string        `json:"event_type"`
	Market       string        `json:"market"`
	Timestamp    int64         `json:"-"`
	PriceChanges []PriceChange `json:"price_changes"`
}

// PriceChange is one level change within a PriceChangeMessage.
type PriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price,omitempty"`
	Size    string `json:"size,omitempty"`
	Side    string `json:"side,omitempty"`
	Hash    string `json:"hash,omitempty"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// UnmarshalJSON decodes the string timestamp.
func (p *PriceChangeMessage) UnmarshalJSON(data []byte) error {
	type Alias PriceChangeMessage
	aux := &struct {
		TimestampStr string `json:"timestamp"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	err := json.Unmarshal(data, &aux)
	if err != nil {
		return err
	}

	p.Timestamp, err = parseTimestamp(aux.TimestampStr)
	return err
}

func parseTimestamp(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
