// Package model defines the core domain types shared across the ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Valid reports whether o is yes or no.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Market statuses.
const (
	MarketOpen   = "open"
	MarketClosed = "closed"
)

// User statuses.
const (
	UserActive = "active"
)

// TradeKind labels a price history point.
type TradeKind string

const (
	KindOpen TradeKind = "open"
	KindBuy  TradeKind = "buy"
	KindSell TradeKind = "sell"
)

// User is a trader. Created on first contact, never deleted.
type User struct {
	ID            string    `json:"id"`
	Username      string    `json:"username,omitempty"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Market is the price state of one binary market.
// YesPrice + NoPrice is always exactly 1.
type Market struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Status           string          `json:"status"`
	YesPrice         decimal.Decimal `json:"yes_price"`
	NoPrice          decimal.Decimal `json:"no_price"`
	PreviousYesPrice decimal.Decimal `json:"previous_yes_price"`
	PreviousNoPrice  decimal.Decimal `json:"previous_no_price"`
	TotalVolume      decimal.Decimal `json:"total_volume"`
	Volume24h        decimal.Decimal `json:"volume_24h"`
	Volatility       decimal.Decimal `json:"volatility"` // EMA of |impact|
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Price returns the current price of the given outcome.
func (m *Market) Price(o Outcome) decimal.Decimal {
	if o == OutcomeNo {
		return m.NoPrice
	}
	return m.YesPrice
}

// PricePoint is one append-only tick of a market's price history.
type PricePoint struct {
	MarketID        string          `json:"market_id"`
	Timestamp       time.Time       `json:"timestamp"`
	YesPrice        decimal.Decimal `json:"yes_price"`
	NoPrice         decimal.Decimal `json:"no_price"`
	Volume          decimal.Decimal `json:"volume"`
	PriceImpact     decimal.Decimal `json:"price_impact"`
	TransactionType TradeKind       `json:"transaction_type"`
}

// Position is a user's holding of one outcome in one market.
// (UserID, MarketID, Outcome) is unique.
type Position struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	MarketID      string          `json:"market_id"`
	Outcome       Outcome         `json:"outcome"`
	Quantity      decimal.Decimal `json:"quantity"`
	PurchasePrice decimal.Decimal `json:"purchase_price"` // weighted-average cost basis
	CurrentPrice  decimal.Decimal `json:"current_price"`  // last mark
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Valuation is a mark-to-market view of a position. It is never persisted.
type Valuation struct {
	Position
	MarketPrice   decimal.Decimal `json:"market_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Transaction types.
type TransactionType string

const (
	TxDeposit TransactionType = "deposit" // buy
	TxPayout  TransactionType = "payout"  // sell
)

// Transaction statuses.
const (
	TxCompleted = "completed"
)

// TransactionMetadata carries the trade details of a Transaction.
type TransactionMetadata struct {
	MarketID          string          `json:"market_id"`
	Outcome           Outcome         `json:"outcome"`
	Quantity          decimal.Decimal `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	Principal         decimal.Decimal `json:"principal"`
	Fee               decimal.Decimal `json:"fee"`
	PriceImpact       decimal.Decimal `json:"price_impact"`
	SellRequestID     string          `json:"sell_request_id,omitempty"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	ApproverSignature string          `json:"approver_signature,omitempty"`
}

// Transaction is an immutable record of a completed economic event.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	Type        TransactionType     `json:"type"`
	Amount      decimal.Decimal     `json:"amount"`
	Status      string              `json:"status"`
	Source      string              `json:"source"`
	Destination string              `json:"destination"`
	Metadata    TransactionMetadata `json:"metadata"`
	CreatedAt   time.Time           `json:"created_at"`
}

// SellStatus is the state of a SellRequest.
type SellStatus string

const (
	SellPending   SellStatus = "pending"
	SellCompleted SellStatus = "completed"
	SellCancelled SellStatus = "cancelled"
)

// Terminal reports whether s is absorbing.
func (s SellStatus) Terminal() bool {
	return s == SellCompleted || s == SellCancelled
}

// SellRequest is a sell awaiting off-band approval. RequestedPrice is frozen
// at creation and reused at confirmation.
type SellRequest struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	PositionID         string          `json:"position_id"`
	MarketID           string          `json:"market_id"`
	Outcome            Outcome         `json:"outcome"`
	Quantity           decimal.Decimal `json:"quantity"`
	RequestedPrice     decimal.Decimal `json:"requested_price"`
	MinPrice           decimal.Decimal `json:"min_price"`
	Principal          decimal.Decimal `json:"principal"`
	Fee                decimal.Decimal `json:"fee"`
	NetProceeds        decimal.Decimal `json:"net_proceeds"`
	Status             SellStatus      `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	ApproverSignature  string          `json:"approver_signature,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	TransactionID      string          `json:"transaction_id,omitempty"`
}

// Portfolio aggregates a user's repriced positions.
type Portfolio struct {
	UserID           string                     `json:"user_id"`
	Positions        []Valuation                `json:"positions"`
	TotalInvested    decimal.Decimal            `json:"total_invested"`
	TotalValue       decimal.Decimal            `json:"total_value"`
	TotalPnL         decimal.Decimal            `json:"total_pnl"`
	ExposureByMarket map[string]decimal.Decimal `json:"exposure_by_market"` // marketID → quantity held
}

// ValuePoint is the mark of a user's current holdings at the last price
// recorded on or before Date (UTC, YYYY-MM-DD).
type ValuePoint struct {
	Date  string          `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// MonthlyFlow is a user's cash flow for one calendar month (UTC, YYYY-MM).
// Net is Payouts minus Deposits.
type MonthlyFlow struct {
	Month    string          `json:"month"`
	Deposits decimal.Decimal `json:"deposits"`
	Payouts  decimal.Decimal `json:"payouts"`
	Net      decimal.Decimal `json:"net"`
}

// CashflowPoint is a user's running net cash position after one transaction.
type CashflowPoint struct {
	Timestamp     time.Time       `json:"timestamp"`
	TransactionID string          `json:"transaction_id"`
	Type          TransactionType `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Balance       decimal.Decimal `json:"balance"` // payouts received minus deposits paid so far
}
