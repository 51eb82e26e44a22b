package pricing

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/apperr"
	"github.com/atmx/prediction-ledger/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNewEngine_Defaults(t *testing.T) {
	e := NewEngine(decimal.Zero, d(-1))
	if !e.LiquidityFactor.Equal(DefaultLiquidityFactor) {
		t.Errorf("expected default liquidity factor, got %s", e.LiquidityFactor)
	}
	if !e.MaxImpact.Equal(DefaultMaxImpact) {
		t.Errorf("expected default max impact, got %s", e.MaxImpact)
	}
}

// --- ApplyTrade ---

func TestApplyTrade_BuyYesMovesPriceUp(t *testing.T) {
	q, err := DefaultEngine().ApplyTrade(d(0.5), d(0.5), model.OutcomeYes, d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.YesPrice.Equal(d(0.51)) {
		t.Errorf("expected yes=0.51, got %s", q.YesPrice)
	}
	if !q.NoPrice.Equal(d(0.49)) {
		t.Errorf("expected no=0.49, got %s", q.NoPrice)
	}
	if !q.Impact.Equal(d(0.01)) {
		t.Errorf("expected impact=0.01, got %s", q.Impact)
	}
}

func TestApplyTrade_BuyNoMovesYesDown(t *testing.T) {
	q, err := DefaultEngine().ApplyTrade(d(0.62), d(0.38), model.OutcomeNo, d(200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.NoPrice.Equal(d(0.40)) {
		t.Errorf("expected no=0.40, got %s", q.NoPrice)
	}
	if !q.YesPrice.Equal(d(0.60)) {
		t.Errorf("expected yes=0.60, got %s", q.YesPrice)
	}
}

func TestApplyTrade_SellIsNegativeBuy(t *testing.T) {
	e := DefaultEngine()
	up, _ := e.ApplyTrade(d(0.5), d(0.5), model.OutcomeYes, d(300))
	down, _ := e.ApplyTrade(up.YesPrice, up.NoPrice, model.OutcomeYes, d(-300))

	if !down.YesPrice.Equal(d(0.5)) {
		t.Errorf("buy then sell of equal size should restore price, got %s", down.YesPrice)
	}
	if !down.Impact.Equal(d(-0.03)) {
		t.Errorf("expected impact=-0.03, got %s", down.Impact)
	}
}

func TestApplyTrade_InvalidOutcome(t *testing.T) {
	_, err := DefaultEngine().ApplyTrade(d(0.5), d(0.5), model.Outcome("maybe"), d(10))
	if !errors.Is(err, apperr.ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestApplyTrade_ImpactBounded(t *testing.T) {
	e := DefaultEngine()
	tests := []struct {
		name string
		qty  decimal.Decimal
	}{
		{"huge buy", d(1e12)},
		{"huge sell", d(-1e12)},
		{"just above cap", d(1001)},
		{"exactly at cap", d(1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := e.ApplyTrade(d(0.5), d(0.5), model.OutcomeYes, tt.qty)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if q.Impact.Abs().GreaterThan(DefaultMaxImpact) {
				t.Errorf("|impact| %s exceeds max %s", q.Impact, DefaultMaxImpact)
			}
			if q.Impact.Sign() != tt.qty.Sign() {
				t.Errorf("impact %s should keep sign of quantity %s", q.Impact, tt.qty)
			}
		})
	}
}

func TestApplyTrade_ClampedToBounds(t *testing.T) {
	e := DefaultEngine()

	q, _ := e.ApplyTrade(d(0.95), d(0.05), model.OutcomeYes, d(1000))
	if !q.YesPrice.Equal(MaxPrice) {
		t.Errorf("expected yes clamped to %s, got %s", MaxPrice, q.YesPrice)
	}
	if !q.NoPrice.Equal(MinPrice) {
		t.Errorf("expected no=%s, got %s", MinPrice, q.NoPrice)
	}

	q, _ = e.ApplyTrade(d(0.03), d(0.97), model.OutcomeYes, d(-1000))
	if !q.YesPrice.Equal(MinPrice) {
		t.Errorf("expected yes clamped to %s, got %s", MinPrice, q.YesPrice)
	}
}

func TestApplyTrade_RoundsToFourPlaces(t *testing.T) {
	q, _ := DefaultEngine().ApplyTrade(d(0.5), d(0.5), model.OutcomeYes, d(1.23456))
	if q.YesPrice.Exponent() < -PriceScale {
		t.Errorf("yes price %s has more than %d decimals", q.YesPrice, PriceScale)
	}
	if !q.YesPrice.Equal(d(0.5001)) {
		t.Errorf("expected 0.5001, got %s", q.YesPrice)
	}
}

// Property: for random sequences of trades the pair always sums to exactly 1
// and stays in bounds.
func TestApplyTrade_InvariantHoldsUnderRandomSequences(t *testing.T) {
	e := DefaultEngine()
	rng := rand.New(rand.NewSource(42))

	yes, no := d(0.5), d(0.5)
	for i := 0; i < 5000; i++ {
		outcome := model.OutcomeYes
		if rng.Intn(2) == 1 {
			outcome = model.OutcomeNo
		}
		qty := decimal.NewFromInt(int64(rng.Intn(4001) - 2000))
		q, err := e.ApplyTrade(yes, no, outcome, qty)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if err := CheckInvariant(q.YesPrice, q.NoPrice); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		yes, no = q.YesPrice, q.NoPrice
	}
}

func TestCheckInvariant_RejectsBrokenPairs(t *testing.T) {
	tests := []struct {
		name    string
		yes, no float64
	}{
		{"sum above one", 0.6, 0.5},
		{"below min", 0.005, 0.995},
		{"above max", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckInvariant(d(tt.yes), d(tt.no))
			if !errors.Is(err, apperr.ErrConsistency) {
				t.Errorf("expected ErrConsistency, got %v", err)
			}
		})
	}
}
