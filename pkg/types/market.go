package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// SettlementVariant selects the on-chain redemption call for a market.
type SettlementVariant int

const (
	// VariantDirect redeems through the CTF contract for a single condition.
	VariantDirect SettlementVariant = iota
	// VariantBatch redeems through the NegRisk adapter, which composes conditions.
	VariantBatch
)

// String returns "direct" or "batch".
func (v SettlementVariant) String() string {
	if v == VariantBatch {
		return "batch"
	}
	return "direct"
}

// MarshalText encodes the variant name.
func (v SettlementVariant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// VariantFor maps the Gamma negRisk flag onto a settlement variant.
func VariantFor(negRisk bool) SettlementVariant {
	if negRisk {
		return VariantBatch
	}
	return VariantDirect
}

// Market is one market-cycle of a recurring UP/DOWN market.
type Market struct {
	Slug         string            `json:"slug"`
	Question     string            `json:"question"`
	ConditionID  string            `json:"condition_id"`
	UpTokenID    string            `json:"up_token_id"`
	DownTokenID  string            `json:"down_token_id"`
	CloseTime    time.Time         `json:"close_time"`
	Variant      SettlementVariant `json:"variant"`
	TickSize     float64           `json:"tick_size"`
	MinOrderSize float64           `json:"min_order_size"`
	Active       bool              `json:"active"`
	Closed       bool              `json:"closed"`
}

// TokenFor returns the CLOB token id of a side.
func (m *Market) TokenFor(side Side) string {
	if side == SideDown {
		return m.DownTokenID
	}
	return m.UpTokenID
}

// SideOf maps a token id back to its side.
func (m *Market) SideOf(tokenID string) (Side, bool) {
	switch tokenID {
	case m.UpTokenID:
		return SideUp, true
	case m.DownTokenID:
		return SideDown, true
	default:
		return 0, false
	}
}

// GammaEvent is an event from the Gamma API /events endpoint.
type GammaEvent struct {
	ID      string        `json:"id"`
	Slug    string        `json:"slug"`
	Title   string        `json:"title"`
	Active  bool          `json:"active"`
	Closed  bool          `json:"closed"`
	NegRisk bool          `json:"negRisk"`
	EndDate time.Time     `json:"endDate"`
	Markets []GammaMarket `json:"markets"`
}

// GammaMarket is a market nested in a Gamma event.
type GammaMarket struct {
	ID           string    `json:"id"`
	Question     string    `json:"question"`
	Slug         string    `json:"slug"`
	ConditionID  string    `json:"conditionId"`
	Active       bool      `json:"active"`
	Closed       bool      `json:"closed"`
	NegRisk      bool      `json:"negRisk"`
	EndDate      time.Time `json:"endDate"`
	Outcomes     []string  `json:"-"`
	ClobTokenIDs []string  `json:"-"`
	TickSize     float64   `json:"-"`
	MinOrderSize float64   `json:"-"`
}

// UnmarshalJSON decodes the string-encoded outcomes, clobTokenIds and size fields.
func (g *GammaMarket) UnmarshalJSON(data []byte) error {
	type Alias GammaMarket
	aux := &struct {
		*Alias
		OutcomesRaw     json.RawMessage `json:"outcomes"`
		ClobTokensRaw   json.RawMessage `json:"clobTokenIds"`
		TickSizeRaw     json.RawMessage `json:"orderPriceMinTickSize"`
		MinOrderSizeRaw json.RawMessage `json:"orderMinSize"`
	}{
		Alias: (*Alias)(g),
	}

	err := json.Unmarshal(data, &aux)
	if err != nil {
		return err
	}

	g.Outcomes, err = decodeStringList(aux.OutcomesRaw)
	if err != nil {
		return fmt.Errorf("decode outcomes: %w", err)
	}

	g.ClobTokenIDs, err = decodeStringList(aux.ClobTokensRaw)
	if err != nil {
		return fmt.Errorf("decode clobTokenIds: %w", err)
	}

	g.TickSize = decodeLooseFloat(aux.TickSizeRaw, 0.01)
	g.MinOrderSize = decodeLooseFloat(aux.MinOrderSizeRaw, 5)

	return nil
}

// ToMarket maps the Up/Down outcomes onto a Market. negRisk may also be set on the
// parent event, so the caller passes the effective flag.
func (g *GammaMarket) ToMarket(negRisk bool) (*Market, error) {
	if g.ConditionID == "" {
		return nil, fmt.Errorf("market %q has no condition id", g.Slug)
	}

	if len(g.ClobTokenIDs) < 2 {
		return nil, fmt.Errorf("market %q has %d tokens, need 2", g.Slug, len(g.ClobTokenIDs))
	}

	upIdx, downIdx := 0, 1
	for i, outcome := range g.Outcomes {
		side, err := ParseSide(outcome)
		if err != nil {
			continue
		}
		if side == SideUp {
			upIdx = i
		} else {
			downIdx = i
		}
	}

	if upIdx >= len(g.ClobTokenIDs) || downIdx >= len(g.ClobTokenIDs) || upIdx == downIdx {
		return nil, fmt.Errorf("market %q has ambiguous outcomes %v", g.Slug, g.Outcomes)
	}

	return &Market{
		Slug:         g.Slug,
		Question:     g.Question,
		ConditionID:  g.ConditionID,
		UpTokenID:    g.ClobTokenIDs[upIdx],
		DownTokenID:  g.ClobTokenIDs[downIdx],
		CloseTime:    g.EndDate,
		Variant:      VariantFor(negRisk || g.NegRisk),
		TickSize:     g.TickSize,
		MinOrderSize: g.MinOrderSize,
		Active:       g.Active,
		Closed:       g.Closed,
	}, nil
}

// decodeStringList accepts either a JSON array or a JSON string holding an array.
func decodeStringList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var list []string
	if raw[0] == '"' {
		var encoded string
		err := json.Unmarshal(raw, &encoded)
		if err != nil {
			return nil, err
		}
		if encoded == "" {
			return nil, nil
		}
		raw = json.RawMessage(encoded)
	}

	err := json.Unmarshal(raw, &list)
	if err != nil {
		return nil, err
	}

	return list, nil
}

func decodeLooseFloat(raw json.RawMessage, fallback float64) float64 {
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		return fallback
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return fallback
	}

	return v
}
