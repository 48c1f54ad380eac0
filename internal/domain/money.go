package domain

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Money is a UAH amount that always travels with two decimals ("2300.00").
type Money struct {
	decimal.Decimal
}

// NewMoney rounds d to two places.
func NewMoney(d decimal.Decimal) Money {
	return Money{Decimal: Round2(d)}
}

// MoneyFromString parses a decimal string, panicking on bad input. Meant for
// constants and tests.
func MoneyFromString(s string) Money {
	return NewMoney(decimal.RequireFromString(s))
}

// MoneyFromInt returns a whole-hryvnia amount.
func MoneyFromInt(v int64) Money {
	return Money{Decimal: decimal.NewFromInt(v)}
}

func (m Money) String() string {
	return m.StringFixed(2)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.StringFixed(2) + `"`), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	return m.Decimal.UnmarshalJSON(b)
}

// Round2 rounds half away from zero to two decimals. All money math in the
// checkout path goes through it so client and server agree on every line.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// DiscountedPrice returns round2(price × (1 − percent/100)).
func DiscountedPrice(price, percent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(percent.Div(hundred))
	return Round2(price.Mul(factor))
}

// MaxPercent returns the larger of two discount percentages.
func MaxPercent(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
