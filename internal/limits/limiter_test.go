package limits

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	m1Yes = Key{MarketID: "m1", Outcome: model.OutcomeYes}
	m1No  = Key{MarketID: "m1", Outcome: model.OutcomeNo}
	m2Yes = Key{MarketID: "m2", Outcome: model.OutcomeYes}
)

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(1500), d(5000))

	err := limiter.CheckLimit(m1Yes, d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerPositionExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000), d(5000))

	// Existing position of 950 + new 100 = 1050 > 1000.
	held := map[Key]decimal.Decimal{m1Yes: d(950)}

	err := limiter.CheckLimit(m1Yes, d(100), held)
	if err != ErrPerPositionLimitExceeded {
		t.Errorf("expected ErrPerPositionLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerPositionAtLimit(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), decimal.Zero, decimal.Zero)

	held := map[Key]decimal.Decimal{m1Yes: d(900)}

	if err := limiter.CheckLimit(m1Yes, d(100), held); err != nil {
		t.Errorf("exactly at the limit should pass, got %v", err)
	}
}

func TestCheckLimit_PerMarketCountsBothOutcomes(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(1200), d(5000))

	held := map[Key]decimal.Decimal{
		m1No:  d(800),
		m2Yes: d(900), // other market, not counted
	}

	// 800 no + 500 yes = 1300 > 1200 in m1.
	err := limiter.CheckLimit(m1Yes, d(500), held)
	if err != ErrPerMarketLimitExceeded {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerUserExceeded(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero, d(2000))

	held := map[Key]decimal.Decimal{
		m1Yes: d(800),
		m2Yes: d(900),
	}

	err := limiter.CheckLimit(m1No, d(400), held)
	if err != ErrPerUserLimitExceeded {
		t.Errorf("expected ErrPerUserLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_DisabledLimiter(t *testing.T) {
	var nilLimiter *PositionLimiter
	if err := nilLimiter.CheckLimit(m1Yes, d(1e9), nil); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}

	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero, decimal.Zero)
	if limiter.Enabled() {
		t.Error("all-zero limiter should be disabled")
	}
	if err := limiter.CheckLimit(m1Yes, d(1e9), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestHoldings(t *testing.T) {
	held := Holdings([]model.Position{
		{MarketID: "m1", Outcome: model.OutcomeYes, Quantity: d(10)},
		{MarketID: "m1", Outcome: model.OutcomeNo, Quantity: d(5)},
	})
	if !held[m1Yes].Equal(d(10)) || !held[m1No].Equal(d(5)) {
		t.Errorf("unexpected holdings %v", held)
	}
	if len(held) != 2 {
		t.Errorf("expected 2 keys, got %d", len(held))
	}
}
