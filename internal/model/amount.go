package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AmountScale is the number of Amount units in one currency unit
const AmountScale = 1_000_000

// Amount is a fixed-point currency value in micro-units. Integer storage
// keeps sums exact and lets the store increment totals atomically.
type Amount int64

// AmountFromFloat converts a decimal currency value, rounding to the nearest micro-unit
func AmountFromFloat(v float64) Amount {
	return Amount(math.Round(v * AmountScale))
}

// ParseAmount parses a decimal string such as "12.50"
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return AmountFromFloat(v), nil
}

// Float64 returns the amount in currency units
func (a Amount) Float64() float64 {
	return float64(a) / AmountScale
}

// String formats the amount with the shortest exact decimal representation
func (a Amount) String() string {
	return strconv.FormatFloat(a.Float64(), 'f', -1, 64)
}

// MarshalJSON encodes the amount as a decimal number
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a decimal number or a quoted decimal string
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*a = AmountFromFloat(v)
	case string:
		parsed, err := ParseAmount(v)
		if err != nil {
			return err
		}
		*a = parsed
	case nil:
		*a = 0
	default:
		return fmt.Errorf("cannot decode %T into amount", raw)
	}
	return nil
}
