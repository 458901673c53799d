package ledger

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of the collateral stablecoin and
// of outcome token quantities on chain.
const Decimals = 6

// Amount is a fixed-point quantity in millionths (USDC micro-units, or micro-contracts).
// One contract pays One at resolution, so quantities and dollars share the unit.
type Amount int64

// One is $1, or one contract.
const One Amount = 1_000_000

// ParseAmount parses a decimal string such as "0.52" or "10". Precision beyond
// six decimals is rounded half-even.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts a decimal to micro-units, rounding half-even.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Shift(Decimals).RoundBank(0).IntPart())
}

// AmountFromFloat converts operator or display input. Accumulator state is never
// derived from floats except at this boundary.
func AmountFromFloat(f float64) Amount {
	return FromDecimal(decimal.NewFromFloat(f))
}

// FromMicro converts an on-chain 6-decimal integer. Nil is zero; values past
// the int64 range saturate.
func FromMicro(v *big.Int) Amount {
	if v == nil {
		return 0
	}
	if !v.IsInt64() {
		if v.Sign() < 0 {
			return Amount(math.MinInt64)
		}
		return Amount(math.MaxInt64)
	}
	return Amount(v.Int64())
}

// Micro returns the amount as an on-chain 6-decimal integer.
func (a Amount) Micro() *big.Int {
	return big.NewInt(int64(a))
}

// Decimal returns the exact decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Decimals)
}

// Float64 is for display and for APIs that take floats.
func (a Amount) Float64() float64 {
	f, _ := a.Decimal().Float64()
	return f
}

// String formats the amount without trailing zeros ("9.5").
func (a Amount) String() string {
	return a.Decimal().String()
}

// MarshalText encodes the amount as a decimal string so JSON carries "0.52"
// rather than micro-units.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a decimal string.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// StringFixed formats with a fixed number of decimals.
func (a Amount) StringFixed(places int32) string {
	return a.Decimal().StringFixed(places)
}

// MulPrice returns price*quantity in micro-units, rounded half-even.
func MulPrice(price, quantity Amount) Amount {
	return FromDecimal(price.Decimal().Mul(quantity.Decimal()))
}

// Prorate returns a*part/whole, rounded half-even. It returns a unchanged when
// part equals whole and zero when whole is zero.
func Prorate(a, part, whole Amount) Amount {
	if whole == 0 {
		return 0
	}
	if part == whole {
		return a
	}
	q := a.Decimal().Mul(part.Decimal()).DivRound(whole.Decimal(), Decimals+2)
	return FromDecimal(q)
}

// Min returns the smaller amount.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}
