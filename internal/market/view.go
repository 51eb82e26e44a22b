package market

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

// Trend is the direction of the last price move.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
)

// View is a market with its payout coefficients and last move.
type View struct {
	model.Market
	YesCoefficient decimal.Decimal `json:"yes_coefficient"`
	NoCoefficient  decimal.Decimal `json:"no_coefficient"`
	YesChange      decimal.Decimal `json:"yes_change"`
	NoChange       decimal.Decimal `json:"no_change"`
	YesTrend       Trend           `json:"yes_trend"`
	NoTrend        Trend           `json:"no_trend"`
}

// Coefficients computes the View of m. Coefficients are 1/price and the
// changes are absolute; both are rounded to two places. The trend follows
// the sign of the unrounded move, so a sub-cent move still has a direction;
// a flat market reads as down.
func Coefficients(m model.Market) View {
	one := decimal.NewFromInt(1)
	yesChange := m.YesPrice.Sub(m.PreviousYesPrice)
	noChange := m.NoPrice.Sub(m.PreviousNoPrice)

	return View{
		Market:         m,
		YesCoefficient: one.DivRound(m.YesPrice, 2),
		NoCoefficient:  one.DivRound(m.NoPrice, 2),
		YesChange:      yesChange.Abs().Round(2),
		NoChange:       noChange.Abs().Round(2),
		YesTrend:       trend(yesChange),
		NoTrend:        trend(noChange),
	}
}

func trend(change decimal.Decimal) Trend {
	if change.IsPositive() {
		return TrendUp
	}
	return TrendDown
}
