package domain

import (
	"fmt"
	"math"
)

// Money is an amount in minor currency units (cents, centavos).
type Money int64

// Times multiplies by an integer quantity.
func (m Money) Times(n int) Money { return m * Money(n) }

// MulRate multiplies by a real factor, rounding half away from zero.
func (m Money) MulRate(rate float64) Money {
	return Money(math.Round(float64(m) * rate))
}

// Decimal renders the amount with two fractional digits, e.g. "784.00".
func (m Money) Decimal() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Format renders the amount for display with its currency code.
func (m Money) Format(currency string) string {
	return currency + " " + m.Decimal()
}
