package types

import (
	"fmt"
	"strings"
)

// Side is one of the two complementary outcome tokens of a binary market.
// Its value is the outcome index used by the CTF payout vector.
type Side int

const (
	SideUp Side = iota
	SideDown
)

// Sides lists both sides in outcome-index order.
//
//nolint:gochecknoglobals // fixed enumeration
var Sides = [2]Side{SideUp, SideDown}

// String returns "UP" or "DOWN".
func (s Side) String() string {
	switch s {
	case SideUp:
		return "UP"
	case SideDown:
		return "DOWN"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

// Other returns the complementary side.
func (s Side) Other() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// Valid reports whether s is UP or DOWN.
func (s Side) Valid() bool {
	return s == SideUp || s == SideDown
}

// ParseSide accepts UP/DOWN and the YES/NO and Higher/Lower outcome labels.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UP", "YES", "HIGHER", "A":
		return SideUp, nil
	case "DOWN", "NO", "LOWER", "B":
		return SideDown, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// MarshalText encodes the side as its name.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a side name.
func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
