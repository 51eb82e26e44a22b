// Package settlement implements the two-phase sell: a request freezes the
// price and reserves quantity, then an approver confirms or cancels it.
//
//	pending ──confirm──▶ completed
//	   └─────cancel───▶ cancelled
//
// Terminal requests stay on record so a repeated decision answers
// AlreadyProcessed instead of executing twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/apperr"
	"github.com/atmx/prediction-ledger/internal/approval"
	"github.com/atmx/prediction-ledger/internal/market"
	"github.com/atmx/prediction-ledger/internal/metrics"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/position"
	"github.com/atmx/prediction-ledger/internal/pricing"
	"github.com/atmx/prediction-ledger/internal/store"
	"github.com/atmx/prediction-ledger/internal/txlog"
)

// Workflow runs sell requests through their lifecycle.
type Workflow struct {
	store    store.Store
	book     *market.Book
	fees     pricing.FeeSchedule
	verifier approval.Verifier
	notifier approval.Channel
	now      func() time.Time
}

// NewWorkflow wires a workflow. A nil verifier accepts any non-empty
// signature; a nil notifier logs.
func NewWorkflow(st store.Store, book *market.Book, fees pricing.FeeSchedule, verifier approval.Verifier, notifier approval.Channel) *Workflow {
	if verifier == nil {
		verifier = approval.AcceptAny{}
	}
	if notifier == nil {
		notifier = approval.LogChannel{}
	}
	return &Workflow{
		store:    st,
		book:     book,
		fees:     fees,
		verifier: verifier,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (w *Workflow) SetClock(now func() time.Time) {
	w.now = now
}

// SellRequestInput is the input to RequestSell.
type SellRequestInput struct {
	UserID     string          `json:"user_id"`
	PositionID string          `json:"position_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	MinPrice   decimal.Decimal `json:"min_price"`
}

// Payout is where the proceeds of a confirmed sell go.
type Payout struct {
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
	Username    string          `json:"username,omitempty"`
}

// Settlement is the result of a confirmed sell.
type Settlement struct {
	Request     model.SellRequest `json:"request"`
	Transaction model.Transaction `json:"transaction"`
	Payout      Payout            `json:"payout"`
	Market      model.Market      `json:"market"`
	Point       model.PricePoint  `json:"price_point"`
	RealizedPnL decimal.Decimal   `json:"realized_pnl"`
}

// RequestSell creates a pending request for part or all of a position. The
// current price is frozen as the requested price; the quantity is reserved
// against later requests on the same position. The approver is notified
// after commit and a failed notification does not fail the request.
func (w *Workflow) RequestSell(ctx context.Context, in SellRequestInput) (*model.SellRequest, error) {
	if !in.Quantity.IsPositive() {
		return nil, apperr.New(apperr.CodeNonPositiveQuantity, "quantity %s must be positive", in.Quantity)
	}
	if in.MinPrice.IsNegative() {
		return nil, apperr.New(apperr.CodeInvalidRequest, "min price %s must not be negative", in.MinPrice)
	}

	// A position never changes market, so its market id can be read outside
	// the transaction. Rows are then locked market first, as Buy and
	// ConfirmSell do.
	held, err := position.Load(ctx, w.store, in.PositionID)
	if err != nil {
		return nil, err
	}

	var (
		req  *model.SellRequest
		user model.User
		m    *model.Market
	)
	err = w.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		m, err = market.Load(ctx, tx, held.MarketID)
		if err != nil {
			return err
		}
		p, err := position.Load(ctx, tx, in.PositionID)
		if err != nil {
			return err
		}
		if p.UserID != in.UserID {
			return apperr.New(apperr.CodeUnauthorized, "position %s does not belong to %s", p.ID, in.UserID)
		}

		reserved, err := tx.PendingQuantity(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("reserved quantity of %s: %w", p.ID, err)
		}
		available := p.Quantity.Sub(reserved)
		if in.Quantity.GreaterThan(available) {
			return apperr.New(apperr.CodeInsufficientQuantity,
				"position %s has %s available (%s reserved), requested %s", p.ID, available, reserved, in.Quantity)
		}

		if err := market.RequireOpen(m); err != nil {
			return err
		}
		current := m.Price(p.Outcome)
		if in.MinPrice.GreaterThan(current) {
			return apperr.New(apperr.CodeMinPriceAboveMarket, "min price %s above current %s", in.MinPrice, current)
		}

		if u, err := tx.GetUser(ctx, in.UserID); err == nil {
			user = *u
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load user %s: %w", in.UserID, err)
		}

		principal := in.Quantity.Mul(current).Round(pricing.AmountScale)
		req = &model.SellRequest{
			ID:             uuid.New().String(),
			UserID:         in.UserID,
			PositionID:     p.ID,
			MarketID:       p.MarketID,
			Outcome:        p.Outcome,
			Quantity:       in.Quantity,
			RequestedPrice: current,
			MinPrice:       in.MinPrice,
			Principal:      principal,
			Fee:            w.fees.Fee(principal),
			NetProceeds:    w.fees.NetProceeds(principal),
			Status:         model.SellPending,
			CreatedAt:      w.now(),
		}
		return tx.InsertSellRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	metrics.SellRequestsTotal.WithLabelValues(string(req.Outcome)).Inc()
	metrics.PendingSells.Inc()
	slog.Info("sell requested",
		"request", req.ID,
		"user", req.UserID,
		"market", req.MarketID,
		"outcome", req.Outcome,
		"qty", req.Quantity.String(),
		"price", req.RequestedPrice.String(),
	)

	if err := w.notifier.Notify(ctx, approval.NewSummary(*req, user, *m)); err != nil {
		slog.Warn("approval notification not sent", "request", req.ID, "err", err)
	}
	return req, nil
}

// ConfirmSell executes a pending request at its frozen price. The market
// moves by the sold quantity, the position shrinks, a payout is recorded and
// the request completes, all in one store transaction. Rejections leave the
// request pending.
func (w *Workflow) ConfirmSell(ctx context.Context, requestID, signature string) (*Settlement, error) {
	if signature == "" {
		return nil, apperr.ErrMissingSignature
	}

	var out Settlement
	err := w.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		req, err := loadPending(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := w.verifier.Verify(req.ID, signature); err != nil {
			return apperr.Wrap(apperr.CodeInvalidSignature, err, "signature for %s rejected", req.ID)
		}

		m, err := market.Load(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		if err := market.RequireOpen(m); err != nil {
			return err
		}
		if current := m.Price(req.Outcome); current.LessThan(req.MinPrice) {
			return apperr.New(apperr.CodePriceBelowFloor, "current price %s below floor %s", current, req.MinPrice)
		}

		p, err := tx.GetPosition(ctx, req.PositionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return apperr.New(apperr.CodeInsufficientQuantity, "position %s no longer exists", req.PositionID)
		case err != nil:
			return fmt.Errorf("load position %s: %w", req.PositionID, err)
		}
		if p.Quantity.LessThan(req.Quantity) {
			return apperr.New(apperr.CodeInsufficientQuantity,
				"position %s holds %s, request is for %s", p.ID, p.Quantity, req.Quantity)
		}

		now := w.now()
		trade, err := w.book.RecordTrade(ctx, tx, m, req.Outcome, req.Quantity.Neg(), model.KindSell, now)
		if err != nil {
			return err
		}
		_, realized, err := position.Decrease(ctx, tx, p.ID, req.Quantity, req.RequestedPrice, now)
		if err != nil {
			return err
		}

		payout := Payout{Amount: req.NetProceeds, Destination: req.UserID}
		if u, err := tx.GetUser(ctx, req.UserID); err == nil {
			payout.Username = u.Username
			if u.WalletAddress != "" {
				payout.Destination = u.WalletAddress
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load user %s: %w", req.UserID, err)
		}

		t, err := txlog.Record(ctx, tx, txlog.Entry{
			UserID:      req.UserID,
			Type:        model.TxPayout,
			Amount:      req.NetProceeds,
			Source:      txlog.PlatformAccount,
			Destination: payout.Destination,
			Metadata: model.TransactionMetadata{
				MarketID:          req.MarketID,
				Outcome:           req.Outcome,
				Quantity:          req.Quantity,
				Price:             req.RequestedPrice,
				Principal:         req.Principal,
				Fee:               req.Fee,
				PriceImpact:       trade.Quote.Impact,
				SellRequestID:     req.ID,
				RealizedPnL:       realized,
				ApproverSignature: signature,
			},
		}, now)
		if err != nil {
			return err
		}

		req.Status = model.SellCompleted
		req.CompletedAt = &now
		req.ApproverSignature = signature
		req.TransactionID = t.ID
		if err := tx.UpdateSellRequest(ctx, req); err != nil {
			return err
		}

		out = Settlement{
			Request:     *req,
			Transaction: *t,
			Payout:      payout,
			Market:      *m,
			Point:       trade.Point,
			RealizedPnL: realized,
		}
		return nil
	})
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("completed").Inc()
	metrics.PendingSells.Dec()
	metrics.MarketVolume.WithLabelValues(out.Market.ID, "sell").Add(out.Request.Quantity.InexactFloat64())
	slog.Info("sell confirmed",
		"request", out.Request.ID,
		"tx", out.Transaction.ID,
		"payout", out.Payout.Amount.String(),
		"destination", out.Payout.Destination,
		"new_yes", out.Market.YesPrice.String(),
	)
	return &out, nil
}

// CancelSell closes a pending request without touching the market, the
// position or the transaction log.
func (w *Workflow) CancelSell(ctx context.Context, requestID, signature, reason string) (*model.SellRequest, error) {
	var req *model.SellRequest
	err := w.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		req, err = loadPending(ctx, tx, requestID)
		if err != nil {
			return err
		}
		now := w.now()
		req.Status = model.SellCancelled
		req.CancelledAt = &now
		req.ApproverSignature = signature
		req.CancellationReason = reason
		return tx.UpdateSellRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("cancelled").Inc()
	metrics.PendingSells.Dec()
	slog.Info("sell cancelled", "request", req.ID, "reason", reason)
	return req, nil
}

// ListPending returns pending requests, oldest first.
func (w *Workflow) ListPending(ctx context.Context) ([]model.SellRequest, error) {
	reqs, err := w.store.ListPendingSellRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending sells: %w", err)
	}
	if reqs == nil {
		reqs = []model.SellRequest{}
	}
	return reqs, nil
}

// Get returns a request in any state.
func (w *Workflow) Get(ctx context.Context, requestID string) (*model.SellRequest, error) {
	return load(ctx, w.store, requestID)
}

func load(ctx context.Context, r store.Reader, id string) (*model.SellRequest, error) {
	req, err := r.GetSellRequest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.CodeRequestNotFound, "sell request %s not found", id)
		}
		return nil, fmt.Errorf("load sell request %s: %w", id, err)
	}
	return req, nil
}

func loadPending(ctx context.Context, r store.Reader, id string) (*model.SellRequest, error) {
	req, err := load(ctx, r, id)
	if err != nil {
		return nil, err
	}
	if req.Status != model.SellPending {
		return nil, apperr.New(apperr.CodeAlreadyProcessed, "sell request %s is %s", id, req.Status)
	}
	return req, nil
}
