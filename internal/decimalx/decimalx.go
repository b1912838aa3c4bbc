// Package decimalx normalizes upstream numeric strings into exact
// fixed-precision decimals, per spec.md §4.A. It never falls back to
// float64 — shopspring/decimal already parses scientific notation
// ("5E-8", "1e2") and the "0E-8" sentinel, which a hand-rolled parser
// would have to reimplement and would get wrong at the edges.
package decimalx

import (
	"strings"

	"github.com/shopspring/decimal"

	"marketpulse/internal/domain"
)

// Precision is the fractional-digit target spec.md §4.A requires.
const Precision = 8

// Parse normalizes raw into an exact decimal rounded to Precision
// fractional digits. On unparseable input it returns
// domain.ErrInvalidNumber; callers substitute decimal.Zero and log a
// warning rather than aborting.
func Parse(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, domain.ErrInvalidNumber
	}

	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, domain.ErrInvalidNumber
	}

	return d.Round(Precision), nil
}

// MustZeroOnError normalizes raw and substitutes decimal.Zero on
// failure, returning whether the input was valid. The caller is
// expected to log a warning when ok is false.
func MustZeroOnError(raw string) (value decimal.Decimal, ok bool) {
	d, err := Parse(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// String renders d the way every wire payload in this system must:
// a plain fixed-point string, never scientific notation.
func String(d decimal.Decimal) string {
	return d.StringFixed(Precision)
}
