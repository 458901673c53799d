package ledger

import (
	"github.com/p16-hash/polyterminal-automation/pkg/types"
)

// Combined cost-per-pair thresholds of the buy recommendation.
const (
	CheapBelow     Amount = 980_000
	ExpensiveAbove Amount = One
)

// PairedAnalysis is derived from the accumulators and never stored.
type PairedAnalysis struct {
	PairedQuantity Amount `json:"paired_quantity"`
	UnpairedUp     Amount `json:"unpaired_up"`
	UnpairedDown   Amount `json:"unpaired_down"`
	PairedCost     Amount `json:"paired_cost"`
	LockedProfit   Amount `json:"locked_profit"`
}

// Unpaired returns the exposed side and its excess quantity. ok is false when the
// holdings are balanced.
func (p PairedAnalysis) Unpaired() (side types.Side, quantity Amount, ok bool) {
	switch {
	case p.UnpairedUp > 0:
		return types.SideUp, p.UnpairedUp, true
	case p.UnpairedDown > 0:
		return types.SideDown, p.UnpairedDown, true
	default:
		return 0, 0, false
	}
}

// analyze allocates each side's actual cost to the paired quantity pro rata.
func analyze(sides [2]SideAccumulator) PairedAnalysis {
	up, down := sides[types.SideUp], sides[types.SideDown]
	paired := Min(up.TotalQuantity, down.TotalQuantity)

	pairedCost := Prorate(up.TotalCost, paired, up.TotalQuantity) +
		Prorate(down.TotalCost, paired, down.TotalQuantity)

	return PairedAnalysis{
		PairedQuantity: paired,
		UnpairedUp:     up.TotalQuantity - paired,
		UnpairedDown:   down.TotalQuantity - paired,
		PairedCost:     pairedCost,
		LockedProfit:   paired - pairedCost,
	}
}

// Signal grades the combined cost of completing a pair.
type Signal int

const (
	SignalNone Signal = iota
	SignalNoQuote
	SignalCheap
	SignalMarginal
	SignalExpensive
)

// String returns the lowercase signal name.
func (s Signal) String() string {
	switch s {
	case SignalNoQuote:
		return "no-quote"
	case SignalCheap:
		return "cheap"
	case SignalMarginal:
		return "marginal"
	case SignalExpensive:
		return "expensive"
	default:
		return "none"
	}
}

// MarshalText encodes the signal name.
func (s Signal) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Classify grades a combined cost per pair: cheap below 0.98, marginal up to and
// including 1.00, expensive above.
func Classify(combined Amount) Signal {
	switch {
	case combined < CheapBelow:
		return SignalCheap
	case combined <= ExpensiveAbove:
		return SignalMarginal
	default:
		return SignalExpensive
	}
}

// Recommendation is advisory. The ledger never places orders.
type Recommendation struct {
	Side         types.Side `json:"side"`
	Quantity     Amount     `json:"quantity"`
	Ask          Amount     `json:"ask"`
	Cost         Amount     `json:"cost"`
	CombinedCost Amount     `json:"combined_cost"`
	Signal       Signal     `json:"signal"`
}

// Actionable reports whether there is something to buy at a known price.
func (r Recommendation) Actionable() bool {
	return r.Quantity > 0 && r.Signal != SignalNone && r.Signal != SignalNoQuote
}

// BuyRecommendation proposes buying the opposite of the exposed side in the
// quantity that brings unpaired exposure back to zero. The combined cost is the
// exposed side's average price plus the live ask of the side to buy. A
// non-positive ask yields SignalNoQuote.
func (l *Ledger) BuyRecommendation(askUp, askDown Amount) Recommendation {
	l.mu.Lock()
	sides := l.sides
	l.mu.Unlock()

	analysis := analyze(sides)
	exposed, quantity, ok := analysis.Unpaired()
	if !ok {
		return Recommendation{Signal: SignalNone}
	}

	buy := exposed.Other()
	ask := askUp
	if buy == types.SideDown {
		ask = askDown
	}

	rec := Recommendation{
		Side:     buy,
		Quantity: quantity,
		Ask:      ask,
	}

	if ask <= 0 {
		rec.Signal = SignalNoQuote
		return rec
	}

	rec.Cost = MulPrice(ask, quantity)
	rec.CombinedCost = sides[exposed].AveragePrice() + ask
	rec.Signal = Classify(rec.CombinedCost)

	return rec
}
