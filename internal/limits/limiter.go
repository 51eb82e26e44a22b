// Package limits implements optional caps on how many contracts a user may
// hold. A buy is checked against three scopes:
//
//   - the single position being bought (market + outcome)
//   - the market, summing both outcomes (yes and no on one question are
//     correlated exposure)
//   - the user's whole book
//
// A zero limit disables that scope.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

var (
	// ErrPerPositionLimitExceeded is returned when a buy would push a single
	// position beyond the per-position maximum.
	ErrPerPositionLimitExceeded = errors.New("limits: per-position limit exceeded")

	// ErrPerMarketLimitExceeded is returned when a buy would push the user's
	// combined yes and no holdings in one market beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("limits: per-market limit exceeded")

	// ErrPerUserLimitExceeded is returned when a buy would push the user's
	// total holdings beyond the per-user maximum.
	ErrPerUserLimitExceeded = errors.New("limits: per-user limit exceeded")
)

// Key identifies a position within one user's book.
type Key struct {
	MarketID string
	Outcome  model.Outcome
}

// PositionLimiter enforces holding limits.
type PositionLimiter struct {
	MaxPerPosition decimal.Decimal
	MaxPerMarket   decimal.Decimal
	MaxPerUser     decimal.Decimal
}

// NewPositionLimiter creates a limiter. Pass decimal.Zero for any scope that
// should be unlimited.
func NewPositionLimiter(maxPerPosition, maxPerMarket, maxPerUser decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerPosition: maxPerPosition,
		MaxPerMarket:   maxPerMarket,
		MaxPerUser:     maxPerUser,
	}
}

// Enabled reports whether any scope is limited.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerPosition.IsPositive() || l.MaxPerMarket.IsPositive() || l.MaxPerUser.IsPositive())
}

// Holdings builds the map CheckLimit expects from a user's positions.
func Holdings(positions []model.Position) map[Key]decimal.Decimal {
	held := make(map[Key]decimal.Decimal, len(positions))
	for _, p := range positions {
		k := Key{MarketID: p.MarketID, Outcome: p.Outcome}
		held[k] = held[k].Add(p.Quantity)
	}
	return held
}

// CheckLimit validates whether buying qty of target respects the limits,
// given the user's current holdings. Returns nil if the buy fits.
func (l *PositionLimiter) CheckLimit(target Key, qty decimal.Decimal, holdings map[Key]decimal.Decimal) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-position.
	newPosition := holdings[target].Add(qty)
	if exceeds(newPosition, l.MaxPerPosition) {
		return ErrPerPositionLimitExceeded
	}

	// 2. Per-market and per-user totals.
	inMarket := newPosition
	total := newPosition
	for k, held := range holdings {
		if k == target {
			continue // already counted via newPosition above
		}
		if k.MarketID == target.MarketID {
			inMarket = inMarket.Add(held)
		}
		total = total.Add(held)
	}

	if exceeds(inMarket, l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}
	if exceeds(total, l.MaxPerUser) {
		return ErrPerUserLimitExceeded
	}
	return nil
}

func exceeds(v, limit decimal.Decimal) bool {
	return limit.IsPositive() && v.GreaterThan(limit)
}
