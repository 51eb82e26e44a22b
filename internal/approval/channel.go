// Package approval delivers pending sell requests to a human approver and
// checks the approver's signature when they answer.
//
// Delivery is fire-and-forget: a Channel may fail, and the request stays
// visible through the pending list either way.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

// Summary is what an approver needs to decide on a sell request.
type Summary struct {
	RequestID      string          `json:"request_id"`
	UserID         string          `json:"user_id"`
	Username       string          `json:"username,omitempty"`
	WalletAddress  string          `json:"wallet_address,omitempty"`
	MarketID       string          `json:"market_id"`
	MarketTitle    string          `json:"market_title"`
	Outcome        model.Outcome   `json:"outcome"`
	Quantity       decimal.Decimal `json:"quantity"`
	RequestedPrice decimal.Decimal `json:"requested_price"`
	MinPrice       decimal.Decimal `json:"min_price"`
	NetProceeds    decimal.Decimal `json:"net_proceeds"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewSummary builds a Summary from a request and its context.
func NewSummary(req model.SellRequest, user model.User, m model.Market) Summary {
	return Summary{
		RequestID:      req.ID,
		UserID:         req.UserID,
		Username:       user.Username,
		WalletAddress:  user.WalletAddress,
		MarketID:       req.MarketID,
		MarketTitle:    m.Title,
		Outcome:        req.Outcome,
		Quantity:       req.Quantity,
		RequestedPrice: req.RequestedPrice,
		MinPrice:       req.MinPrice,
		NetProceeds:    req.NetProceeds,
		CreatedAt:      req.CreatedAt,
	}
}

// Channel notifies an approver about a pending sell request.
type Channel interface {
	Notify(ctx context.Context, s Summary) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, s Summary) error

func (f ChannelFunc) Notify(ctx context.Context, s Summary) error { return f(ctx, s) }

// Fanout notifies every channel and joins their errors.
type Fanout []Channel

func (f Fanout) Notify(ctx context.Context, s Summary) error {
	var errs []error
	for _, ch := range f {
		if err := ch.Notify(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogChannel writes the summary to a structured log. Useful when no external
// channel is configured.
type LogChannel struct {
	Logger *slog.Logger
}

func (c LogChannel) Notify(_ context.Context, s Summary) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("sell request awaiting approval",
		"request", s.RequestID,
		"user", s.UserID,
		"market", s.MarketID,
		"outcome", s.Outcome,
		"quantity", s.Quantity.String(),
		"price", s.RequestedPrice.String(),
		"net_proceeds", s.NetProceeds.String(),
	)
	return nil
}
