package wallet

import (
	"time"

	"github.com/p16-hash/polyterminal-automation/pkg/types"
)

// DustThreshold is the smallest position size worth tracking or redeeming.
const DustThreshold = 0.01

// Category is where a market stands in its lifecycle from the holder's view.
type Category int

const (
	// CategoryActive markets are still trading.
	CategoryActive Category = iota
	// CategoryPending markets have closed but the oracle has not resolved them.
	CategoryPending
	// CategoryRedeemable markets are resolved and can be redeemed.
	CategoryRedeemable
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryPending:
		return "pending"
	case CategoryRedeemable:
		return "redeemable"
	default:
		return "active"
	}
}

// MarketPositions groups the holder's UP and DOWN positions of one condition.
type MarketPositions struct {
	ConditionID string
	Slug        string
	Title       string
	NegRisk     bool
	EndDate     time.Time
	UpTokenID   string
	DownTokenID string
	UpSize      float64
	DownSize    float64
	Value       float64
	Category    Category
}

// Market builds the market descriptor settlement needs.
func (m MarketPositions) Market() *types.Market {
	return &types.Market{
		Slug:        m.Slug,
		Question:    m.Title,
		ConditionID: m.ConditionID,
		UpTokenID:   m.UpTokenID,
		DownTokenID: m.DownTokenID,
		CloseTime:   m.EndDate,
		Variant:     types.VariantFor(m.NegRisk),
		Closed:      m.Category != CategoryActive,
	}
}

// Categories is the redeem-all view of a wallet.
type Categories struct {
	Active     []MarketPositions
	Pending    []MarketPositions
	Redeemable []MarketPositions
}

// Total is the number of markets across all categories.
func (c Categories) Total() int {
	return len(c.Active) + len(c.Pending) + len(c.Redeemable)
}

// Categorize groups positions by condition and sorts each market into active,
// pending or redeemable. The Data API redeemable flag wins; otherwise a market
// whose end date has passed is pending. Markets whose sides are both below the
// dust threshold are skipped. Input order is preserved.
func Categorize(positions []Position, now time.Time) Categories {
	var order []string
	byCondition := make(map[string]*MarketPositions)
	redeemable := make(map[string]bool)

	for _, pos := range positions {
		if pos.ConditionID == "" {
			continue
		}

		group, ok := byCondition[pos.ConditionID]
		if !ok {
			group = &MarketPositions{
				ConditionID: pos.ConditionID,
				Slug:        pos.Slug,
				Title:       pos.Title,
				NegRisk:     pos.NegativeRisk,
				EndDate:     parseEndDate(pos.EndDate),
			}
			byCondition[pos.ConditionID] = group
			order = append(order, pos.ConditionID)
		}

		if pos.Redeemable {
			redeemable[pos.ConditionID] = true
		}

		group.Value += pos.CurrentValue

		side, err := types.ParseSide(pos.Outcome)
		if err != nil {
			side = types.SideUp
			if pos.OutcomeIndex == 1 {
				side = types.SideDown
			}
		}

		if side == types.SideUp {
			group.UpTokenID = pos.Asset
			group.UpSize += pos.Size
		} else {
			group.DownTokenID = pos.Asset
			group.DownSize += pos.Size
		}
	}

	var out Categories
	for _, id := range order {
		group := byCondition[id]
		if group.UpSize < DustThreshold && group.DownSize < DustThreshold {
			continue
		}

		closed := !group.EndDate.IsZero() && !now.Before(group.EndDate)

		switch {
		case redeemable[id]:
			group.Category = CategoryRedeemable
			out.Redeemable = append(out.Redeemable, *group)
		case closed:
			group.Category = CategoryPending
			out.Pending = append(out.Pending, *group)
		default:
			group.Category = CategoryActive
			out.Active = append(out.Active, *group)
		}
	}

	return out
}

func parseEndDate(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}
