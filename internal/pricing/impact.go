// Package pricing implements the linear price-impact curve and the platform
// fee schedule for binary yes/no markets.
//
// A trade of signed quantity q moves the traded outcome's price by
// q * LiquidityFactor, bounded in magnitude by MaxImpact. The other outcome is
// always the complement, so yes + no == 1 holds exactly.
//
// All monetary values use shopspring/decimal. Never float64 for money.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/apperr"
	"github.com/atmx/prediction-ledger/internal/model"
)

var (
	// MinPrice is the lowest allowed outcome price.
	MinPrice = decimal.RequireFromString("0.01")

	// MaxPrice is the highest allowed outcome price.
	MaxPrice = decimal.RequireFromString("0.99")

	// DefaultLiquidityFactor is the price move per contract traded.
	DefaultLiquidityFactor = decimal.RequireFromString("0.0001")

	// DefaultMaxImpact bounds the price move of a single trade.
	DefaultMaxImpact = decimal.RequireFromString("0.1")

	one = decimal.NewFromInt(1)
)

// PriceScale is the number of decimal places kept for prices and impact.
const PriceScale int32 = 4

// Engine computes the effect of a trade on market prices.
// It is stateless; market prices are passed in, not stored.
type Engine struct {
	LiquidityFactor decimal.Decimal
	MaxImpact       decimal.Decimal
}

// NewEngine returns an engine with the given parameters. Non-positive values
// fall back to the defaults.
func NewEngine(liquidityFactor, maxImpact decimal.Decimal) Engine {
	if !liquidityFactor.IsPositive() {
		liquidityFactor = DefaultLiquidityFactor
	}
	if !maxImpact.IsPositive() {
		maxImpact = DefaultMaxImpact
	}
	return Engine{LiquidityFactor: liquidityFactor, MaxImpact: maxImpact}
}

// DefaultEngine is the engine with the default liquidity parameters.
func DefaultEngine() Engine {
	return NewEngine(DefaultLiquidityFactor, DefaultMaxImpact)
}

// Quote is the outcome of ApplyTrade.
type Quote struct {
	YesPrice decimal.Decimal `json:"yes_price"`
	NoPrice  decimal.Decimal `json:"no_price"`
	Impact   decimal.Decimal `json:"price_impact"`
}

// Impact returns the bounded, sign-preserving impact of a signed quantity.
func (e Engine) Impact(signedQty decimal.Decimal) decimal.Decimal {
	impact := signedQty.Mul(e.LiquidityFactor)
	if impact.Abs().GreaterThan(e.MaxImpact) {
		if impact.IsNegative() {
			return e.MaxImpact.Neg()
		}
		return e.MaxImpact
	}
	return impact
}

// ApplyTrade computes the new prices after trading signedQty contracts of
// outcome against the given prices. Positive quantity is a buy, negative a
// sell. The traded price is clamped to [MinPrice, MaxPrice] and rounded to
// PriceScale; the complement is derived from the rounded value.
func (e Engine) ApplyTrade(yesPrice, noPrice decimal.Decimal, outcome model.Outcome, signedQty decimal.Decimal) (Quote, error) {
	if !outcome.Valid() {
		return Quote{}, apperr.New(apperr.CodeInvalidOutcome, "outcome must be yes or no, got %q", outcome)
	}

	impact := e.Impact(signedQty)

	var q Quote
	switch outcome {
	case model.OutcomeYes:
		q.YesPrice = clamp(yesPrice.Add(impact)).Round(PriceScale)
		q.NoPrice = one.Sub(q.YesPrice)
	case model.OutcomeNo:
		q.NoPrice = clamp(noPrice.Add(impact)).Round(PriceScale)
		q.YesPrice = one.Sub(q.NoPrice)
	}
	q.Impact = impact.Round(PriceScale)

	return q, nil
}

// CheckInvariant verifies that a price pair sums to 1 and stays in bounds.
// A failure means the engine is broken; callers must abort the operation.
func CheckInvariant(yesPrice, noPrice decimal.Decimal) error {
	if !yesPrice.Add(noPrice).Equal(one) {
		return apperr.New(apperr.CodeConsistency, "prices %s + %s do not sum to 1", yesPrice, noPrice)
	}
	for _, p := range []decimal.Decimal{yesPrice, noPrice} {
		if p.LessThan(MinPrice) || p.GreaterThan(MaxPrice) {
			return apperr.New(apperr.CodeConsistency, "price %s outside [%s, %s]", p, MinPrice, MaxPrice)
		}
	}
	return nil
}

func clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}
