// Package store defines the persistence interface for the ledger.
// Implementations include PostgreSQL (source of truth), SQLite (single-file
// deployments), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Reader is the read side of the store. Inside InTx the same methods read the
// transaction's view and, where the backend supports it, lock the rows they
// return (markets, positions, sell requests).
type Reader interface {
	// --- Users ---

	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Markets ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, oldest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListPriceHistory returns a market's price points in insertion order.
	ListPriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error)

	// SumVolumeSince sums the volume of price points at or after since.
	SumVolumeSince(ctx context.Context, marketID string, since time.Time) (decimal.Decimal, error)

	// --- Positions ---

	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// FindPosition looks a position up by its natural key.
	FindPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error)

	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Sell requests ---

	GetSellRequest(ctx context.Context, id string) (*model.SellRequest, error)

	// ListPendingSellRequests returns pending requests, oldest first.
	ListPendingSellRequests(ctx context.Context) ([]model.SellRequest, error)

	// PendingQuantity is the quantity reserved by pending requests on a position.
	PendingQuantity(ctx context.Context, positionID string) (decimal.Decimal, error)

	// --- Immutable transaction log ---

	ListUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error)
}

// Tx is a unit of work. Writes become visible to other readers only when the
// enclosing InTx call returns nil.
type Tx interface {
	Reader

	// SaveUser inserts or updates a user.
	SaveUser(ctx context.Context, u *model.User) error

	CreateMarket(ctx context.Context, m *model.Market) error
	UpdateMarket(ctx context.Context, m *model.Market) error
	AppendPricePoint(ctx context.Context, p *model.PricePoint) error

	InsertPosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p *model.Position) error
	DeletePosition(ctx context.Context, id string) error

	// InsertTransaction appends to the transaction log. There is no update.
	InsertTransaction(ctx context.Context, t *model.Transaction) error

	InsertSellRequest(ctx context.Context, r *model.SellRequest) error
	UpdateSellRequest(ctx context.Context, r *model.SellRequest) error
}

// Store is the persistence interface.
type Store interface {
	Reader

	// InTx runs fn in a transaction. If fn returns an error every write made
	// through tx is discarded and the error is returned unchanged.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
