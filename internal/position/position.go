// Package position keeps per-user holdings of one outcome in one market,
// with a weighted-average cost basis.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/apperr"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/pricing"
	"github.com/atmx/prediction-ledger/internal/store"
)

// OpenOrIncrease adds qty contracts bought at price to the user's position,
// creating it on first purchase. The cost basis becomes the quantity-weighted
// average of the old basis and price.
func OpenOrIncrease(ctx context.Context, tx store.Tx, userID, marketID string, outcome model.Outcome, qty, price, fee decimal.Decimal, now time.Time) (*model.Position, error) {
	if !qty.IsPositive() {
		return nil, apperr.New(apperr.CodeNonPositiveQuantity, "quantity %s must be positive", qty)
	}

	p, err := tx.FindPosition(ctx, userID, marketID, outcome)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p = &model.Position{
			ID:            uuid.New().String(),
			UserID:        userID,
			MarketID:      marketID,
			Outcome:       outcome,
			Quantity:      qty,
			PurchasePrice: price,
			CurrentPrice:  price,
			TotalInvested: qty.Mul(price),
			TotalFees:     fee,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertPosition(ctx, p); err != nil {
			return nil, err
		}
		return p, nil
	case err != nil:
		return nil, fmt.Errorf("find position: %w", err)
	}

	newQty := p.Quantity.Add(qty)
	p.PurchasePrice = p.Quantity.Mul(p.PurchasePrice).
		Add(qty.Mul(price)).
		DivRound(newQty, pricing.AmountScale)
	p.Quantity = newQty
	p.CurrentPrice = price
	p.TotalInvested = p.TotalInvested.Add(qty.Mul(price))
	p.TotalFees = p.TotalFees.Add(fee)
	p.UpdatedAt = now
	if err := tx.UpdatePosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Decrease removes qty contracts sold at price. A position that reaches zero
// is deleted; the returned position then has zero quantity. The realized PnL
// is (price - purchasePrice) * qty.
func Decrease(ctx context.Context, tx store.Tx, positionID string, qty, price decimal.Decimal, now time.Time) (*model.Position, decimal.Decimal, error) {
	if !qty.IsPositive() {
		return nil, decimal.Zero, apperr.New(apperr.CodeNonPositiveQuantity, "quantity %s must be positive", qty)
	}

	p, err := Load(ctx, tx, positionID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if qty.GreaterThan(p.Quantity) {
		return nil, decimal.Zero, apperr.New(apperr.CodeInsufficientQuantity,
			"position %s holds %s, cannot remove %s", p.ID, p.Quantity, qty)
	}

	realized := price.Sub(p.PurchasePrice).Mul(qty)

	p.Quantity = p.Quantity.Sub(qty)
	p.CurrentPrice = price
	p.TotalInvested = p.TotalInvested.Sub(qty.Mul(p.PurchasePrice))
	p.UpdatedAt = now

	if p.Quantity.IsZero() {
		p.TotalInvested = decimal.Zero
		if err := tx.DeletePosition(ctx, p.ID); err != nil {
			return nil, decimal.Zero, err
		}
		return p, realized, nil
	}
	if err := tx.UpdatePosition(ctx, p); err != nil {
		return nil, decimal.Zero, err
	}
	return p, realized, nil
}

// Load reads a position, mapping a missing row to NotFound.
func Load(ctx context.Context, r store.Reader, id string) (*model.Position, error) {
	p, err := r.GetPosition(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "position %s not found", id)
		}
		return nil, fmt.Errorf("load position %s: %w", id, err)
	}
	return p, nil
}

// Reprice marks p to marketPrice. Nothing is persisted.
func Reprice(p model.Position, marketPrice decimal.Decimal) model.Valuation {
	value := p.Quantity.Mul(marketPrice)
	return model.Valuation{
		Position:      p,
		MarketPrice:   marketPrice,
		CurrentValue:  value,
		UnrealizedPnL: value.Sub(p.TotalInvested),
	}
}
