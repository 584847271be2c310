package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyScale is the fixed-point scale used for all internal money and price
// arithmetic. Prices arrive with at most two decimals; four gives headroom for
// intermediate per-unit math without loss.
const MoneyScale int64 = 10000

// Money is a fixed-point monetary amount at scale 10^4.
// All prices, fees and margin figures inside the engine use this type;
// decimal.Decimal is used only at the boundaries (CLI flags, broker payloads).
type Money int64

// MoneyFromDecimal converts a boundary decimal into fixed-point money.
// The value is truncated beyond four decimal places.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Mul(decimal.NewFromInt(MoneyScale)).IntPart())
}

// MoneyFromString parses a decimal string ("100.00") into Money.
func MoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid money value %q: %w", s, err)
	}
	return MoneyFromDecimal(d), nil
}

// MoneyFromFloat converts a float into Money. Intended for test fixtures and
// broker payloads; production paths should prefer MoneyFromDecimal.
func MoneyFromFloat(f float64) Money {
	return MoneyFromDecimal(decimal.NewFromFloat(f))
}

// MoneyFromRupees builds Money from a whole-unit integer amount.
func MoneyFromRupees(units int64) Money {
	return Money(units * MoneyScale)
}

// Decimal converts Money back into a decimal for boundary output.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), 0).Div(decimal.NewFromInt(MoneyScale))
}

// Float64 returns the approximate floating-point value. Display only.
func (m Money) Float64() float64 {
	f, _ := m.Decimal().Float64()
	return f
}

// String renders the amount with two decimal places.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// MulQty multiplies a per-unit price by a quantity.
func (m Money) MulQty(qty int64) Money {
	return Money(int64(m) * qty)
}

// RoundHalfUp2 rounds the amount half-up to two decimal places.
// Fee components are rounded with this before summation.
func (m Money) RoundHalfUp2() Money {
	const step = MoneyScale / 100 // 0.01 in fixed point
	v := int64(m)
	if v >= 0 {
		return Money(((v + step/2) / step) * step)
	}
	return Money(-(((-v + step/2) / step) * step))
}

// IsMultipleOf reports whether the amount is an exact multiple of tick.
// Used for tick-size alignment validation; tick must be positive.
func (m Money) IsMultipleOf(tick Money) bool {
	if tick <= 0 {
		return false
	}
	return int64(m)%int64(tick) == 0
}

// PercentOf computes pct% of m, keeping full fixed-point precision.
func PercentOf(m Money, pct decimal.Decimal) Money {
	return MoneyFromDecimal(m.Decimal().Mul(pct).Div(decimal.NewFromInt(100)))
}
