// Package money converts between integer cents and decimal amounts typed by
// people.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ParseCents parses "12.50", "12" or "0.5" into cents. More than two decimal
// places, negative amounts and values beyond int64 are rejected.
func ParseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q is negative", s)
	}
	c := d.Mul(hundred)
	if !c.Equal(c.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than two decimal places", s)
	}
	if !c.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q is too large", s)
	}
	return c.IntPart(), nil
}

// ParseCentsPtr is ParseCents for optional values; empty input yields nil.
func ParseCentsPtr(s string) (*int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := ParseCents(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// FormatCents renders cents with exactly two decimal places.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// FormatCentsPtr renders nil as "-".
func FormatCentsPtr(cents *int64) string {
	if cents == nil {
		return "-"
	}
	return FormatCents(*cents)
}
