// Package trade is the façade over the ledger: buys, the sell workflow, market
// administration and the reporting reads, with per-market serialization.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/apperr"
	"github.com/atmx/prediction-ledger/internal/limits"
	"github.com/atmx/prediction-ledger/internal/market"
	"github.com/atmx/prediction-ledger/internal/metrics"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/position"
	"github.com/atmx/prediction-ledger/internal/pricing"
	"github.com/atmx/prediction-ledger/internal/settlement"
	"github.com/atmx/prediction-ledger/internal/store"
	"github.com/atmx/prediction-ledger/internal/txlog"
)

// Service runs every mutating operation under its market's lock, so trades on
// one market never interleave while different markets proceed in parallel.
type Service struct {
	store   store.Store
	book    *market.Book
	fees    pricing.FeeSchedule
	limiter *limits.PositionLimiter
	sells   *settlement.Workflow
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
	locks   *keyedMutex
	now     func() time.Time
}

// NewService creates a trade service. limiter and hub may be nil.
func NewService(st store.Store, book *market.Book, fees pricing.FeeSchedule, limiter *limits.PositionLimiter, sells *settlement.Workflow, hub *WSHub) *Service {
	return &Service{
		store:   st,
		book:    book,
		fees:    fees,
		limiter: limiter,
		sells:   sells,
		wsHub:   hub,
		locks:   newKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source of the service and its sell workflow.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.sells.SetClock(now)
}

// BuyRequest is the input to Buy.
type BuyRequest struct {
	UserID     string          `json:"user_id"`
	Username   string          `json:"username,omitempty"`
	MarketID   string          `json:"market_id"`
	Outcome    model.Outcome   `json:"outcome"`
	Quantity   decimal.Decimal `json:"quantity"`
	OfferPrice decimal.Decimal `json:"offer_price"`
	PaymentRef string          `json:"payment_ref"`
}

// BuyResult is the outcome of a Buy.
type BuyResult struct {
	Position    model.Position    `json:"position"`
	Transaction model.Transaction `json:"transaction"`
	YesPrice    decimal.Decimal   `json:"yes_price"`
	NoPrice     decimal.Decimal   `json:"no_price"`
	PriceImpact decimal.Decimal   `json:"price_impact"`
}

// Buy executes immediately at the market's current price, before this
// trade's impact. The buyer pays principal plus fee, referenced by PaymentRef.
func (s *Service) Buy(ctx context.Context, in BuyRequest) (*BuyResult, error) {
	if strings.TrimSpace(in.UserID) == "" || in.MarketID == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "user_id and market_id are required")
	}
	if !in.Outcome.Valid() {
		return nil, apperr.New(apperr.CodeInvalidOutcome, "outcome %q must be yes or no", in.Outcome)
	}
	if !in.Quantity.IsPositive() {
		return nil, apperr.New(apperr.CodeNonPositiveQuantity, "quantity %s must be positive", in.Quantity)
	}
	if strings.TrimSpace(in.PaymentRef) == "" {
		return nil, apperr.ErrMissingPaymentProof
	}

	start := time.Now()
	unlock := s.locks.Lock(in.MarketID)
	defer unlock()

	var res BuyResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := market.Load(ctx, tx, in.MarketID)
		if err != nil {
			return err
		}
		if err := market.RequireOpen(m); err != nil {
			return err
		}
		price := m.Price(in.Outcome)
		if in.OfferPrice.LessThan(price) {
			return apperr.New(apperr.CodeOfferTooLow, "offer %s below current price %s", in.OfferPrice, price)
		}

		if s.limiter.Enabled() {
			held, err := tx.ListUserPositions(ctx, in.UserID)
			if err != nil {
				return fmt.Errorf("positions of %s: %w", in.UserID, err)
			}
			key := limits.Key{MarketID: m.ID, Outcome: in.Outcome}
			if err := s.limiter.CheckLimit(key, in.Quantity, limits.Holdings(held)); err != nil {
				metrics.PositionLimitRejections.Inc()
				return apperr.Wrap(apperr.CodePositionLimitExceeded, err, "buy of %s rejected", in.Quantity)
			}
		}

		now := s.now()
		if err := s.ensureUser(ctx, tx, in.UserID, in.Username, now); err != nil {
			return err
		}

		principal := in.Quantity.Mul(price).Round(pricing.AmountScale)
		fee := s.fees.Fee(principal)

		trade, err := s.book.RecordTrade(ctx, tx, m, in.Outcome, in.Quantity, model.KindBuy, now)
		if err != nil {
			return err
		}
		p, err := position.OpenOrIncrease(ctx, tx, in.UserID, m.ID, in.Outcome, in.Quantity, price, fee, now)
		if err != nil {
			return err
		}
		t, err := txlog.Record(ctx, tx, txlog.Entry{
			UserID:      in.UserID,
			Type:        model.TxDeposit,
			Amount:      s.fees.TotalCost(principal),
			Source:      in.PaymentRef,
			Destination: txlog.PlatformAccount,
			Metadata: model.TransactionMetadata{
				MarketID:    m.ID,
				Outcome:     in.Outcome,
				Quantity:    in.Quantity,
				Price:       price,
				Principal:   principal,
				Fee:         fee,
				PriceImpact: trade.Quote.Impact,
			},
		}, now)
		if err != nil {
			return err
		}

		res = BuyResult{
			Position:    *p,
			Transaction: *t,
			YesPrice:    m.YesPrice,
			NoPrice:     m.NoPrice,
			PriceImpact: trade.Quote.Impact,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.BuysTotal.WithLabelValues(string(in.Outcome)).Inc()
	metrics.MarketVolume.WithLabelValues(in.MarketID, "buy").Add(in.Quantity.InexactFloat64())
	metrics.OperationLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())

	slog.Info("buy executed",
		"tx", res.Transaction.ID,
		"user", in.UserID,
		"market", in.MarketID,
		"outcome", in.Outcome,
		"qty", in.Quantity.String(),
		"amount", res.Transaction.Amount.String(),
		"new_yes", res.YesPrice.String(),
	)

	s.broadcast(WSMessage{
		Type:     EventPriceUpdate,
		MarketID: in.MarketID,
		YesPrice: res.YesPrice.String(),
		NoPrice:  res.NoPrice.String(),
		Outcome:  string(in.Outcome),
		Quantity: in.Quantity.String(),
		Impact:   res.PriceImpact.String(),
	})
	return &res, nil
}

// RequestSell opens a sell request on a position. See settlement.Workflow.
func (s *Service) RequestSell(ctx context.Context, in settlement.SellRequestInput) (*model.SellRequest, error) {
	// The position's market is fixed, so it can be read before locking.
	if p, err := s.store.GetPosition(ctx, in.PositionID); err == nil {
		unlock := s.locks.Lock(p.MarketID)
		defer unlock()
	}
	start := time.Now()
	req, err := s.sells.RequestSell(ctx, in)
	if err != nil {
		return nil, err
	}
	metrics.OperationLatency.WithLabelValues("request_sell").Observe(time.Since(start).Seconds())
	return req, nil
}

// ConfirmSell settles a pending request. See settlement.Workflow.
func (s *Service) ConfirmSell(ctx context.Context, requestID, signature string) (*settlement.Settlement, error) {
	if signature == "" {
		return nil, apperr.ErrMissingSignature
	}
	req, err := s.sells.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	unlock := s.locks.Lock(req.MarketID)
	defer unlock()

	res, err := s.sells.ConfirmSell(ctx, requestID, signature)
	if err != nil {
		return nil, err
	}
	metrics.OperationLatency.WithLabelValues("confirm_sell").Observe(time.Since(start).Seconds())

	s.broadcast(WSMessage{
		Type:      EventSellCompleted,
		MarketID:  res.Market.ID,
		YesPrice:  res.Market.YesPrice.String(),
		NoPrice:   res.Market.NoPrice.String(),
		Outcome:   string(res.Request.Outcome),
		Quantity:  res.Request.Quantity.String(),
		Impact:    res.Point.PriceImpact.String(),
		RequestID: res.Request.ID,
		Amount:    res.Payout.Amount.String(),
	})
	return res, nil
}

// CancelSell cancels a pending request. See settlement.Workflow.
func (s *Service) CancelSell(ctx context.Context, requestID, signature, reason string) (*model.SellRequest, error) {
	req, err := s.sells.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.MarketID)
	defer unlock()

	req, err = s.sells.CancelSell(ctx, requestID, signature, reason)
	if err != nil {
		return nil, err
	}
	s.broadcast(WSMessage{
		Type:      EventSellCancelled,
		MarketID:  req.MarketID,
		Outcome:   string(req.Outcome),
		Quantity:  req.Quantity.String(),
		RequestID: req.ID,
	})
	return req, nil
}

// ListPendingSells returns pending requests, oldest first.
func (s *Service) ListPendingSells(ctx context.Context) ([]model.SellRequest, error) {
	return s.sells.ListPending(ctx)
}

// --- Markets ---

// CreateMarket opens a new market.
func (s *Service) CreateMarket(ctx context.Context, req market.OpenRequest) (*model.Market, error) {
	var m *model.Market
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		m, err = s.book.Open(ctx, tx, req, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.OpenMarkets.Inc()
	slog.Info("market created", "id", m.ID, "title", m.Title, "yes", m.YesPrice.String())
	return m, nil
}

// EnsureMarkets opens each market whose id does not exist yet and seeds the
// open-markets and pending-sells gauges from the store.
func (s *Service) EnsureMarkets(ctx context.Context, reqs []market.OpenRequest) error {
	for _, req := range reqs {
		if req.ID != "" {
			if _, err := s.store.GetMarket(ctx, req.ID); err == nil {
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("seed market %s: %w", req.ID, err)
			}
		}
		if _, err := s.CreateMarket(ctx, req); err != nil {
			return fmt.Errorf("seed market %q: %w", req.Title, err)
		}
	}

	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("count markets: %w", err)
	}
	open := 0
	for _, m := range markets {
		if m.Status == model.MarketOpen {
			open++
		}
	}
	metrics.OpenMarkets.Set(float64(open))

	// Requests persisted before a restart are still pending.
	pending, err := s.store.ListPendingSellRequests(ctx)
	if err != nil {
		return fmt.Errorf("count pending sells: %w", err)
	}
	metrics.PendingSells.Set(float64(len(pending)))
	return nil
}

// CloseMarket stops trading on a market.
func (s *Service) CloseMarket(ctx context.Context, marketID string) (*model.Market, error) {
	unlock := s.locks.Lock(marketID)
	defer unlock()

	var (
		m       *model.Market
		wasOpen bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		before, err := market.Load(ctx, tx, marketID)
		if err != nil {
			return err
		}
		wasOpen = before.Status == model.MarketOpen
		m, err = s.book.Close(ctx, tx, marketID, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	if wasOpen {
		metrics.OpenMarkets.Dec()
		slog.Info("market closed", "id", m.ID)
	}
	return m, nil
}

// GetMarket returns a market with its coefficients and trends.
func (s *Service) GetMarket(ctx context.Context, marketID string) (*market.View, error) {
	m, err := market.Load(ctx, s.store, marketID)
	if err != nil {
		return nil, err
	}
	v := market.Coefficients(*m)
	return &v, nil
}

// ListMarkets returns every market, oldest first.
func (s *Service) ListMarkets(ctx context.Context) ([]market.View, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	views := make([]market.View, 0, len(markets))
	for _, m := range markets {
		views = append(views, market.Coefficients(m))
	}
	return views, nil
}

// PriceHistory returns a market's price points in the order they happened.
func (s *Service) PriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	if _, err := market.Load(ctx, s.store, marketID); err != nil {
		return nil, err
	}
	points, err := s.store.ListPriceHistory(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("price history of %s: %w", marketID, err)
	}
	if points == nil {
		points = []model.PricePoint{}
	}
	return points, nil
}

// --- Users and reporting ---

// GetUser returns a user.
func (s *Service) GetUser(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "user %s not found", userID)
		}
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return u, nil
}

// LinkWalletRequest is the input to LinkWallet.
type LinkWalletRequest struct {
	WalletAddress string `json:"wallet_address"`
	Username      string `json:"username,omitempty"`
}

// LinkWallet sets the payout address of a user, creating the user if needed.
func (s *Service) LinkWallet(ctx context.Context, userID string, in LinkWalletRequest) (*model.User, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(in.WalletAddress) == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "user id and wallet_address are required")
	}

	var u *model.User
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.now()
		existing, err := tx.GetUser(ctx, userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			u = &model.User{ID: userID, Status: model.UserActive, CreatedAt: now}
		case err != nil:
			return fmt.Errorf("get user %s: %w", userID, err)
		default:
			u = existing
		}
		u.WalletAddress = in.WalletAddress
		if in.Username != "" {
			u.Username = in.Username
		}
		u.UpdatedAt = now
		return tx.SaveUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("wallet linked", "user", userID)
	return u, nil
}

// ListPositions returns the user's positions marked to current prices.
func (s *Service) ListPositions(ctx context.Context, userID string) ([]model.Valuation, error) {
	positions, err := s.store.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("positions of %s: %w", userID, err)
	}

	markets := make(map[string]*model.Market)
	out := make([]model.Valuation, 0, len(positions))
	for _, p := range positions {
		m, ok := markets[p.MarketID]
		if !ok {
			if m, err = market.Load(ctx, s.store, p.MarketID); err != nil {
				return nil, err
			}
			markets[p.MarketID] = m
		}
		out = append(out, position.Reprice(p, m.Price(p.Outcome)))
	}
	return out, nil
}

// Portfolio aggregates the user's repriced positions.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	vals, err := s.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	pf := &model.Portfolio{
		UserID:           userID,
		Positions:        vals,
		TotalInvested:    decimal.Zero,
		TotalValue:       decimal.Zero,
		TotalPnL:         decimal.Zero,
		ExposureByMarket: make(map[string]decimal.Decimal),
	}
	for _, v := range vals {
		pf.TotalInvested = pf.TotalInvested.Add(v.TotalInvested)
		pf.TotalValue = pf.TotalValue.Add(v.CurrentValue)
		pf.TotalPnL = pf.TotalPnL.Add(v.UnrealizedPnL)
		pf.ExposureByMarket[v.MarketID] = pf.ExposureByMarket[v.MarketID].Add(v.Quantity)
	}
	return pf, nil
}

// ListTransactions returns the user's transactions in recording order.
func (s *Service) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return txlog.List(ctx, s.store, userID)
}

// PortfolioHistory marks the user's current holdings at each day's last
// recorded price, across every day any held market has a price point.
// Markets with no price yet on a given day contribute nothing to it.
func (s *Service) PortfolioHistory(ctx context.Context, userID string) ([]model.ValuePoint, error) {
	positions, err := s.store.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("positions of %s: %w", userID, err)
	}

	histories := make(map[string][]model.PricePoint)
	var held []model.Position
	var days []string
	for _, p := range positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		held = append(held, p)
		if _, ok := histories[p.MarketID]; ok {
			continue
		}
		points, err := s.store.ListPriceHistory(ctx, p.MarketID)
		if err != nil {
			return nil, fmt.Errorf("price history of %s: %w", p.MarketID, err)
		}
		histories[p.MarketID] = points
		for _, pt := range points {
			days = append(days, dayOf(pt.Timestamp))
		}
	}
	slices.Sort(days)
	days = slices.Compact(days)

	out := make([]model.ValuePoint, 0, len(days))
	for _, day := range days {
		value := decimal.Zero
		for _, p := range held {
			if pt, ok := closeOn(histories[p.MarketID], day); ok {
				price := pt.YesPrice
				if p.Outcome == model.OutcomeNo {
					price = pt.NoPrice
				}
				value = value.Add(price.Mul(p.Quantity))
			}
		}
		out = append(out, model.ValuePoint{Date: day, Value: value})
	}
	return out, nil
}

// CashflowHistory returns the user's running net cash position, one point per
// transaction.
func (s *Service) CashflowHistory(ctx context.Context, userID string) ([]model.CashflowPoint, error) {
	txs, err := txlog.List(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}
	return txlog.Cashflow(txs), nil
}

// MonthlyPerformance returns the user's deposits and payouts per month.
func (s *Service) MonthlyPerformance(ctx context.Context, userID string) ([]model.MonthlyFlow, error) {
	txs, err := txlog.List(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}
	return txlog.Monthly(txs), nil
}

func dayOf(t time.Time) string { return t.UTC().Format(time.DateOnly) }

// closeOn returns the last point recorded on or before day. points are in
// insertion order, which is chronological.
func closeOn(points []model.PricePoint, day string) (model.PricePoint, bool) {
	var last model.PricePoint
	found := false
	for _, pt := range points {
		if dayOf(pt.Timestamp) > day {
			break
		}
		last, found = pt, true
	}
	return last, found
}

func (s *Service) ensureUser(ctx context.Context, tx store.Tx, userID, username string, now time.Time) error {
	u, err := tx.GetUser(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return tx.SaveUser(ctx, &model.User{
			ID:        userID,
			Username:  username,
			Status:    model.UserActive,
			CreatedAt: now,
			UpdatedAt: now,
		})
	case err != nil:
		return fmt.Errorf("get user %s: %w", userID, err)
	case username != "" && u.Username == "":
		u.Username = username
		u.UpdatedAt = now
		return tx.SaveUser(ctx, u)
	}
	return nil
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}
