package model

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ToPaise converts a rupee amount to paise, rounding half away from zero.
func ToPaise(rupees decimal.Decimal) int64 {
	return rupees.Mul(hundred).Round(0).IntPart()
}

// RupeesToPaise converts a float rupee amount (as decoded from JSON) to paise.
func RupeesToPaise(rupees float64) int64 {
	return ToPaise(decimal.NewFromFloat(rupees))
}

// ParsePaise parses a rupee string such as "123.45" into paise.
func ParsePaise(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return ToPaise(d), nil
}

// FromPaise converts paise back to rupees for display.
func FromPaise(paise int64) float64 {
	f, _ := decimal.NewFromInt(paise).Div(hundred).Float64()
	return f
}

// Percent returns num/den*100 rounded to two places, or 0 when den is 0.
func Percent(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	f, _ := decimal.NewFromInt(num).Mul(hundred).Div(decimal.NewFromInt(den)).Round(2).Float64()
	return f
}
