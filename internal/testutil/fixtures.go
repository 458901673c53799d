package testutil

import (
	"fmt"
	"time"

	"github.com/p16-hash/polyterminal-automation/pkg/types"
)

// TestSlot is a 15-minute slot start used across fixtures (2025-12-09 19:45 UTC).
const TestSlot int64 = 1765309500

// CreateTestMarket creates an UP/DOWN market closing at closeTime.
func CreateTestMarket(slug string, closeTime time.Time) *types.Market {
	return &types.Market{
		Slug:         slug,
		Question:     "Bitcoin Up or Down - test window",
		ConditionID:  fmt.Sprintf("0x%064x", closeTime.Unix()),
		UpTokenID:    "1001" + fmt.Sprint(closeTime.Unix()),
		DownTokenID:  "2002" + fmt.Sprint(closeTime.Unix()),
		CloseTime:    closeTime,
		Variant:      types.VariantDirect,
		TickSize:     0.01,
		MinOrderSize: 5,
		Active:       true,
	}
}

// CreateTestGammaEventJSON renders a Gamma /events response for one slot. The
// outcomes and clobTokenIds fields are string-encoded arrays, as the live API
// returns them, with DOWN listed first to exercise index mapping.
func CreateTestGammaEventJSON(slug string, endDate time.Time, negRisk bool) string {
	return fmt.Sprintf(`[{
		"id": "evt-%[1]s",
		"slug": %[1]q,
		"title": "Bitcoin Up or Down",
		"active": true,
		"closed": false,
		"negRisk": %[3]t,
		"endDate": %[2]q,
		"markets": [{
			"id": "mkt-%[1]s",
			"question": "Bitcoin Up or Down?",
			"slug": %[1]q,
			"conditionId": "0xc0ffee",
			"active": true,
			"closed": false,
			"endDate": %[2]q,
			"outcomes": "[\"Down\", \"Up\"]",
			"clobTokenIds": "[\"down-token\", \"up-token\"]",
			"orderPriceMinTickSize": 0.01,
			"orderMinSize": 5
		}]
	}]`, slug, endDate.UTC().Format(time.RFC3339), negRisk)
}

// CreateTestBookMessage creates a "book" message for a token.
func CreateTestBookMessage(assetID string, bestBid string, bestAsk string) *types.OrderbookMessage {
	return &types.OrderbookMessage{
		EventType: "book",
		AssetID:   assetID,
		Market:    "0xc0ffee",
		Timestamp: time.Now().UnixMilli(),
		Bids: []types.PriceLevel{
			{Price: "0.01", Size: "500"},
			{Price: bestBid, Size: "100"},
		},
		Asks: []types.PriceLevel{
			{Price: "0.99", Size: "500"},
			{Price: bestAsk, Size: "100"},
		},
	}
}
