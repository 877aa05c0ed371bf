// Package money defines the currency amount used across billing and the ledger.
//
// DESIGN: Amounts are integer cents. Per-second cost accrual is computed from the
// cumulative elapsed time and floored, so the sum of incremental charges never
// exceeds the continuous cost of the time actually observed.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is an amount of USD in cents.
type Cents int64

// String formats the amount as dollars, e.g. "$12.05".
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

// Dollars returns the amount as a float for display and JSON output.
func (c Cents) Dollars() float64 {
	return float64(c) / 100
}

// ParseDollars parses "12.5", "$12.50" or "12" into cents.
// More than two decimal places is an error rather than a silent rounding.
func ParseDollars(s string) (Cents, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimal places", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	c := Cents(w*100 + f)
	if neg {
		c = -c
	}
	return c, nil
}

// CostFor returns the cost of seconds of metered time at ratePerMinute,
// floored to whole cents.
func CostFor(seconds int64, ratePerMinute Cents) Cents {
	if seconds <= 0 || ratePerMinute <= 0 {
		return 0
	}
	return Cents(seconds * int64(ratePerMinute) / 60)
}

// SecondsAffordable returns how many whole seconds balance covers at ratePerMinute.
func SecondsAffordable(balance, ratePerMinute Cents) int64 {
	if balance <= 0 || ratePerMinute <= 0 {
		return 0
	}
	return int64(balance) * 60 / int64(ratePerMinute)
}
