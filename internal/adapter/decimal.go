package adapter

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/depth/internal/book"
)

// Venue JSON carries prices and sizes as decimal strings. They are parsed
// exactly and only then converted, so "0.1" becomes 1000 in Price4 rather
// than whatever float64(0.1)*1e4 truncates to.

// ParseFixed parses a decimal string into a fixed-point price with E's
// decimals. Digits beyond that precision are rounded half away from zero.
func ParseFixed[E book.Exponent](s string) (book.Fixed[E], error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	var e E
	scaled := d.Shift(int32(e.Decimals())).Round(0)
	if !scaled.IsInteger() || scaled.Abs().GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, fmt.Errorf("parse price %q: out of range", s)
	}
	return book.Fixed[E](scaled.IntPart()), nil
}

// ParseFloat parses a decimal string into a float price.
func ParseFloat(s string) (book.Float, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return book.Float(d.InexactFloat64()), nil
}

// ParseQty parses a non-negative decimal amount.
func ParseQty(s string) (book.Qty, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse qty %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("parse qty %q: negative", s)
	}
	return book.Qty(d.InexactFloat64()), nil
}
