package receipt

import "github.com/shopspring/decimal"

// RoundingMode selects the rounding rule for deductible computation. Half-up
// is the contract default; banker's rounding is a declared configuration
// switch, never a silent change.
type RoundingMode string

const (
	RoundHalfUp  RoundingMode = "half-up"
	RoundBankers RoundingMode = "bankers"
)

// Round applies the mode at 2-decimal precision.
func (m RoundingMode) Round(d decimal.Decimal) decimal.Decimal {
	if m == RoundBankers {
		return d.RoundBank(2)
	}
	return d.Round(2)
}

// Deductible computes round(original * pct / 100, 2) under the mode.
func Deductible(original decimal.Decimal, pct int, mode RoundingMode) decimal.Decimal {
	return mode.Round(original.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100)))
}
