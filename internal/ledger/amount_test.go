package ledger

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		expected Amount
		wantErr  bool
	}{
		{input: "0.52", expected: 520_000},
		{input: "10", expected: 10 * One},
		{input: "0.0000005", expected: 0},
		{input: "0.0000015", expected: 2},
		{input: "-1.25", expected: -1_250_000},
		{input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestMulPrice(t *testing.T) {
	got := MulPrice(MustParseAmount("0.45"), MustParseAmount("20"))
	if got != MustParseAmount("9") {
		t.Errorf("expected 9, got %s", got)
	}

	// 0.333333 * 0.000003 = 0.000000999999 rounds to one micro-unit.
	got = MulPrice(333_333, 3)
	if got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}

func TestProrate(t *testing.T) {
	if got := Prorate(MustParseAmount("9"), MustParseAmount("5"), MustParseAmount("20")); got != MustParseAmount("2.25") {
		t.Errorf("expected 2.25, got %s", got)
	}
	if got := Prorate(123_457, 7, 7); got != 123_457 {
		t.Errorf("expected unchanged amount when part equals whole, got %d", got)
	}
	if got := Prorate(One, 1, 0); got != 0 {
		t.Errorf("expected 0 for empty whole, got %d", got)
	}
}

func TestAmountFormatting(t *testing.T) {
	a := MustParseAmount("9.50")
	if a.String() != "9.5" {
		t.Errorf("expected 9.5, got %s", a.String())
	}
	if a.StringFixed(2) != "9.50" {
		t.Errorf("expected 9.50, got %s", a.StringFixed(2))
	}
	if !a.Decimal().Equal(decimal.RequireFromString("9.5")) {
		t.Errorf("expected decimal 9.5, got %s", a.Decimal())
	}
	if AmountFromFloat(0.1) != 100_000 {
		t.Errorf("expected 100000, got %d", AmountFromFloat(0.1))
	}
}

func TestFromMicro(t *testing.T) {
	if got := FromMicro(big.NewInt(12_500_000)); got != MustParseAmount("12.5") {
		t.Errorf("expected 12.5, got %s", got)
	}
	if got := FromMicro(nil); got != 0 {
		t.Errorf("expected 0 for nil, got %d", got)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 80)
	if got := FromMicro(huge); got <= 0 {
		t.Errorf("expected saturation to a positive amount, got %d", got)
	}
	if MustParseAmount("3.25").Micro().Int64() != 3_250_000 {
		t.Errorf("expected 3250000 micro-units")
	}
}

func TestAmountText(t *testing.T) {
	text, err := MustParseAmount("0.52").MarshalText()
	if err != nil || string(text) != "0.52" {
		t.Fatalf("expected 0.52, got %q (%v)", text, err)
	}

	var a Amount
	err = a.UnmarshalText([]byte("12.345678"))
	if err != nil || a != 12_345_678 {
		t.Errorf("expected 12345678, got %d (%v)", a, err)
	}

	err = a.UnmarshalText([]byte("twelve"))
	if err == nil {
		t.Error("expected an error for a non-numeric amount")
	}
}
