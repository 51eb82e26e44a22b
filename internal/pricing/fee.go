package pricing

import "github.com/shopspring/decimal"

// DefaultFeeRate is the platform fee charged on both buys and sells.
var DefaultFeeRate = decimal.RequireFromString("0.02")

// AmountScale is the number of decimal places kept for money amounts.
const AmountScale int32 = 8

// FeeSchedule computes the platform fee. The rate is configuration, not
// negotiable per trade.
type FeeSchedule struct {
	Rate decimal.Decimal
}

// NewFeeSchedule returns a schedule with the given rate; a negative rate
// falls back to DefaultFeeRate.
func NewFeeSchedule(rate decimal.Decimal) FeeSchedule {
	if rate.IsNegative() {
		rate = DefaultFeeRate
	}
	return FeeSchedule{Rate: rate}
}

// Fee returns principal * rate.
func (f FeeSchedule) Fee(principal decimal.Decimal) decimal.Decimal {
	return principal.Mul(f.Rate).Round(AmountScale)
}

// TotalCost is what a buyer pays: principal plus fee.
func (f FeeSchedule) TotalCost(principal decimal.Decimal) decimal.Decimal {
	return principal.Add(f.Fee(principal))
}

// NetProceeds is what a seller receives: principal minus fee.
func (f FeeSchedule) NetProceeds(principal decimal.Decimal) decimal.Decimal {
	return principal.Sub(f.Fee(principal))
}
