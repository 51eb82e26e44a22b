// Package market owns market price state: applying trades through the
// pricing engine, keeping the append-only price history, and the
// coefficient/trend view shown to traders.
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/apperr"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/pricing"
	"github.com/atmx/prediction-ledger/internal/store"
)

// VolumeWindow is the trailing window of Volume24h.
const VolumeWindow = 24 * time.Hour

var (
	// DefaultOpeningPrice is the yes price of a newly opened market.
	DefaultOpeningPrice = decimal.RequireFromString("0.5")

	volatilityDecay = decimal.RequireFromString("0.9")
	volatilityGain  = decimal.RequireFromString("0.1")
)

// Book applies trades to markets. It holds no state of its own.
type Book struct {
	engine pricing.Engine
}

// NewBook returns a Book pricing trades with engine.
func NewBook(engine pricing.Engine) *Book {
	return &Book{engine: engine}
}

// Engine returns the pricing engine used by the book.
func (b *Book) Engine() pricing.Engine {
	return b.engine
}

// Trade is the effect of RecordTrade.
type Trade struct {
	Quote pricing.Quote
	Point model.PricePoint
}

// RecordTrade moves m's prices by a trade of signedQty contracts of outcome,
// appends a price point and persists m. Positive quantity is a buy. m is
// updated in place.
func (b *Book) RecordTrade(ctx context.Context, tx store.Tx, m *model.Market, outcome model.Outcome, signedQty decimal.Decimal, kind model.TradeKind, now time.Time) (Trade, error) {
	q, err := b.engine.ApplyTrade(m.YesPrice, m.NoPrice, outcome, signedQty)
	if err != nil {
		return Trade{}, err
	}
	if err := pricing.CheckInvariant(q.YesPrice, q.NoPrice); err != nil {
		return Trade{}, err
	}

	volume := signedQty.Abs()
	recent, err := tx.SumVolumeSince(ctx, m.ID, now.Add(-VolumeWindow))
	if err != nil {
		return Trade{}, fmt.Errorf("volume window of %s: %w", m.ID, err)
	}

	m.PreviousYesPrice, m.PreviousNoPrice = m.YesPrice, m.NoPrice
	m.YesPrice, m.NoPrice = q.YesPrice, q.NoPrice
	m.TotalVolume = m.TotalVolume.Add(volume)
	m.Volume24h = recent.Add(volume)
	m.Volatility = m.Volatility.Mul(volatilityDecay).
		Add(q.Impact.Abs().Mul(volatilityGain)).
		Round(pricing.AmountScale)
	m.UpdatedAt = now

	point := model.PricePoint{
		MarketID:        m.ID,
		Timestamp:       now,
		YesPrice:        m.YesPrice,
		NoPrice:         m.NoPrice,
		Volume:          volume,
		PriceImpact:     q.Impact,
		TransactionType: kind,
	}
	if err := tx.AppendPricePoint(ctx, &point); err != nil {
		return Trade{}, err
	}
	if err := tx.UpdateMarket(ctx, m); err != nil {
		return Trade{}, err
	}
	return Trade{Quote: q, Point: point}, nil
}

// OpenRequest describes a new market.
type OpenRequest struct {
	ID          string          `json:"id,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	YesPrice    decimal.Decimal `json:"yes_price"`
}

// Open creates a market and records its opening tick. A zero YesPrice opens
// at DefaultOpeningPrice; an empty ID gets a generated one.
func (b *Book) Open(ctx context.Context, tx store.Tx, req OpenRequest, now time.Time) (*model.Market, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "market title is required")
	}
	yes := req.YesPrice
	if yes.IsZero() {
		yes = DefaultOpeningPrice
	}
	yes = yes.Round(pricing.PriceScale)
	no := decimal.NewFromInt(1).Sub(yes)
	if err := pricing.CheckInvariant(yes, no); err != nil {
		return nil, apperr.New(apperr.CodeInvalidRequest, "opening price %s outside [%s, %s]", yes, pricing.MinPrice, pricing.MaxPrice)
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	m := &model.Market{
		ID:               id,
		Title:            req.Title,
		Description:      req.Description,
		Status:           model.MarketOpen,
		YesPrice:         yes,
		NoPrice:          no,
		PreviousYesPrice: yes,
		PreviousNoPrice:  no,
		TotalVolume:      decimal.Zero,
		Volume24h:        decimal.Zero,
		Volatility:       decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.CreateMarket(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Wrap(apperr.CodeInvalidRequest, err, "market %s already exists", id)
		}
		return nil, err
	}
	err := tx.AppendPricePoint(ctx, &model.PricePoint{
		MarketID:        m.ID,
		Timestamp:       now,
		YesPrice:        yes,
		NoPrice:         no,
		Volume:          decimal.Zero,
		PriceImpact:     decimal.Zero,
		TransactionType: model.KindOpen,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Close stops trading on a market. Pending sell requests stay pending and
// can still be cancelled; confirming them fails with MarketClosed.
func (b *Book) Close(ctx context.Context, tx store.Tx, id string, now time.Time) (*model.Market, error) {
	m, err := Load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == model.MarketClosed {
		return m, nil
	}
	m.Status = model.MarketClosed
	m.UpdatedAt = now
	if err := tx.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads a market, mapping a missing row to MarketNotFound.
func Load(ctx context.Context, r store.Reader, id string) (*model.Market, error) {
	m, err := r.GetMarket(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.CodeMarketNotFound, "market %s not found", id)
		}
		return nil, fmt.Errorf("load market %s: %w", id, err)
	}
	return m, nil
}

// RequireOpen fails with MarketClosed unless m accepts trades.
func RequireOpen(m *model.Market) error {
	if m.Status != model.MarketOpen {
		return apperr.New(apperr.CodeMarketClosed, "market %s is %s", m.ID, m.Status)
	}
	return nil
}
