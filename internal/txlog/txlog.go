// Package txlog is the append-only record of completed economic events.
// Entries are never updated or deleted.
package txlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/store"
)

// PlatformAccount is the counterparty of every deposit and payout.
const PlatformAccount = "platform"

// Entry is the input to Record.
type Entry struct {
	UserID      string
	Type        model.TransactionType
	Amount      decimal.Decimal
	Source      string
	Destination string
	Metadata    model.TransactionMetadata
}

// Record appends a completed transaction and returns it.
func Record(ctx context.Context, tx store.Tx, e Entry, now time.Time) (*model.Transaction, error) {
	t := &model.Transaction{
		ID:          uuid.New().String(),
		UserID:      e.UserID,
		Type:        e.Type,
		Amount:      e.Amount,
		Status:      model.TxCompleted,
		Source:      e.Source,
		Destination: e.Destination,
		Metadata:    e.Metadata,
		CreatedAt:   now,
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("record %s for %s: %w", e.Type, e.UserID, err)
	}
	return t, nil
}

// List returns a user's transactions in the order they were recorded.
func List(ctx context.Context, r store.Reader, userID string) ([]model.Transaction, error) {
	txs, err := r.ListUserTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions of %s: %w", userID, err)
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	return txs, nil
}

// signed returns the cash effect of t on the user: payouts add, deposits subtract.
func signed(t model.Transaction) decimal.Decimal {
	if t.Type == model.TxPayout {
		return t.Amount
	}
	return t.Amount.Neg()
}

// Cashflow folds txs into the user's running net cash position. txs must be
// in recording order, as List returns them.
func Cashflow(txs []model.Transaction) []model.CashflowPoint {
	out := make([]model.CashflowPoint, 0, len(txs))
	balance := decimal.Zero
	for _, t := range txs {
		balance = balance.Add(signed(t))
		out = append(out, model.CashflowPoint{
			Timestamp:     t.CreatedAt,
			TransactionID: t.ID,
			Type:          t.Type,
			Amount:        t.Amount,
			Balance:       balance,
		})
	}
	return out
}

// Monthly groups txs by UTC calendar month. Months between the first and
// last active month are included with zero flows.
func Monthly(txs []model.Transaction) []model.MonthlyFlow {
	if len(txs) == 0 {
		return []model.MonthlyFlow{}
	}

	first, last := monthOf(txs[0].CreatedAt), monthOf(txs[0].CreatedAt)
	flows := make(map[time.Time]*model.MonthlyFlow)
	for _, t := range txs {
		m := monthOf(t.CreatedAt)
		if m.Before(first) {
			first = m
		}
		if m.After(last) {
			last = m
		}
		f, ok := flows[m]
		if !ok {
			f = &model.MonthlyFlow{Deposits: decimal.Zero, Payouts: decimal.Zero}
			flows[m] = f
		}
		switch t.Type {
		case model.TxDeposit:
			f.Deposits = f.Deposits.Add(t.Amount)
		case model.TxPayout:
			f.Payouts = f.Payouts.Add(t.Amount)
		}
	}

	var out []model.MonthlyFlow
	for m := first; !m.After(last); m = m.AddDate(0, 1, 0) {
		f := model.MonthlyFlow{Deposits: decimal.Zero, Payouts: decimal.Zero}
		if got, ok := flows[m]; ok {
			f = *got
		}
		f.Month = m.Format("2006-01")
		f.Net = f.Payouts.Sub(f.Deposits)
		out = append(out, f)
	}
	return out
}

func monthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
