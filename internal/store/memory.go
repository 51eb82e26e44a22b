package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Committed state is never mutated. InTx works on a clone and swaps it in on
// success, so a failed operation leaves nothing behind.
type MemoryStore struct {
	txMu  sync.Mutex // serializes writers
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	users        map[string]model.User
	markets      map[string]model.Market
	history      map[string][]model.PricePoint
	positions    map[string]model.Position
	requests     map[string]model.SellRequest
	transactions []model.Transaction
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			users:     make(map[string]model.User),
			markets:   make(map[string]model.Market),
			history:   make(map[string][]model.PricePoint),
			positions: make(map[string]model.Position),
			requests:  make(map[string]model.SellRequest),
		},
	}
}

// clone copies the maps. Slices are clipped so appends in the clone never
// write into arrays shared with the committed state.
func (st *memState) clone() *memState {
	history := make(map[string][]model.PricePoint, len(st.history))
	for k, v := range st.history {
		history[k] = slices.Clip(v)
	}
	return &memState{
		users:        maps.Clone(st.users),
		markets:      maps.Clone(st.markets),
		history:      history,
		positions:    maps.Clone(st.positions),
		requests:     maps.Clone(st.requests),
		transactions: slices.Clip(st.transactions),
	}
}

func (s *MemoryStore) snapshot() memReader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memReader{st: s.state}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memTx{memReader{st: work}}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.snapshot().GetUser(ctx, id)
}

func (s *MemoryStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.snapshot().GetMarket(ctx, id)
}

func (s *MemoryStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.snapshot().ListMarkets(ctx)
}

func (s *MemoryStore) ListPriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	return s.snapshot().ListPriceHistory(ctx, marketID)
}

func (s *MemoryStore) SumVolumeSince(ctx context.Context, marketID string, since time.Time) (decimal.Decimal, error) {
	return s.snapshot().SumVolumeSince(ctx, marketID, since)
}

func (s *MemoryStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.snapshot().GetPosition(ctx, id)
}

func (s *MemoryStore) FindPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	return s.snapshot().FindPosition(ctx, userID, marketID, outcome)
}

func (s *MemoryStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.snapshot().ListUserPositions(ctx, userID)
}

func (s *MemoryStore) GetSellRequest(ctx context.Context, id string) (*model.SellRequest, error) {
	return s.snapshot().GetSellRequest(ctx, id)
}

func (s *MemoryStore) ListPendingSellRequests(ctx context.Context) ([]model.SellRequest, error) {
	return s.snapshot().ListPendingSellRequests(ctx)
}

func (s *MemoryStore) PendingQuantity(ctx context.Context, positionID string) (decimal.Decimal, error) {
	return s.snapshot().PendingQuantity(ctx, positionID)
}

func (s *MemoryStore) ListUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.snapshot().ListUserTransactions(ctx, userID)
}

// --- Reader over one state ---

type memReader struct {
	st *memState
}

func (r memReader) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := r.st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (r memReader) GetMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := r.st.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (r memReader) ListMarkets(_ context.Context) ([]model.Market, error) {
	markets := make([]model.Market, 0, len(r.st.markets))
	for _, m := range r.st.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if !markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].CreatedAt.Before(markets[j].CreatedAt)
		}
		return markets[i].ID < markets[j].ID
	})
	return markets, nil
}

func (r memReader) ListPriceHistory(_ context.Context, marketID string) ([]model.PricePoint, error) {
	return slices.Clone(r.st.history[marketID]), nil
}

func (r memReader) SumVolumeSince(_ context.Context, marketID string, since time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range r.st.history[marketID] {
		if !p.Timestamp.Before(since) {
			sum = sum.Add(p.Volume)
		}
	}
	return sum, nil
}

func (r memReader) GetPosition(_ context.Context, id string) (*model.Position, error) {
	p, ok := r.st.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (r memReader) FindPosition(_ context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	for _, p := range r.st.positions {
		if p.UserID == userID && p.MarketID == marketID && p.Outcome == outcome {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, outcome, ErrNotFound)
}

func (r memReader) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	for _, p := range r.st.positions {
		if p.UserID == userID {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		if !positions[i].CreatedAt.Equal(positions[j].CreatedAt) {
			return positions[i].CreatedAt.Before(positions[j].CreatedAt)
		}
		return positions[i].ID < positions[j].ID
	})
	return positions, nil
}

func (r memReader) GetSellRequest(_ context.Context, id string) (*model.SellRequest, error) {
	req, ok := r.st.requests[id]
	if !ok {
		return nil, fmt.Errorf("sell request %s: %w", id, ErrNotFound)
	}
	return &req, nil
}

func (r memReader) ListPendingSellRequests(_ context.Context) ([]model.SellRequest, error) {
	var pending []model.SellRequest
	for _, req := range r.st.requests {
		if req.Status == model.SellPending {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

func (r memReader) PendingQuantity(_ context.Context, positionID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, req := range r.st.requests {
		if req.PositionID == positionID && req.Status == model.SellPending {
			sum = sum.Add(req.Quantity)
		}
	}
	return sum, nil
}

func (r memReader) ListUserTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	var result []model.Transaction
	for _, t := range r.st.transactions {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Writes ---

type memTx struct {
	memReader
}

func (t *memTx) SaveUser(_ context.Context, u *model.User) error {
	t.st.users[u.ID] = *u
	return nil
}

func (t *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.st.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrDuplicate)
	}
	t.st.markets[m.ID] = *m
	return nil
}

func (t *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.st.markets[m.ID]; !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	t.st.markets[m.ID] = *m
	return nil
}

func (t *memTx) AppendPricePoint(_ context.Context, p *model.PricePoint) error {
	t.st.history[p.MarketID] = append(t.st.history[p.MarketID], *p)
	return nil
}

func (t *memTx) InsertPosition(_ context.Context, p *model.Position) error {
	if _, ok := t.st.positions[p.ID]; ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrDuplicate)
	}
	for _, existing := range t.st.positions {
		if existing.UserID == p.UserID && existing.MarketID == p.MarketID && existing.Outcome == p.Outcome {
			return fmt.Errorf("position %s/%s/%s: %w", p.UserID, p.MarketID, p.Outcome, ErrDuplicate)
		}
	}
	t.st.positions[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePosition(_ context.Context, p *model.Position) error {
	if _, ok := t.st.positions[p.ID]; !ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	t.st.positions[p.ID] = *p
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, id string) error {
	if _, ok := t.st.positions[id]; !ok {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	delete(t.st.positions, id)
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	t.st.transactions = append(t.st.transactions, *tr)
	return nil
}

func (t *memTx) InsertSellRequest(_ context.Context, r *model.SellRequest) error {
	if _, ok := t.st.requests[r.ID]; ok {
		return fmt.Errorf("sell request %s: %w", r.ID, ErrDuplicate)
	}
	t.st.requests[r.ID] = *r
	return nil
}

func (t *memTx) UpdateSellRequest(_ context.Context, r *model.SellRequest) error {
	if _, ok := t.st.requests[r.ID]; !ok {
		return fmt.Errorf("sell request %s: %w", r.ID, ErrNotFound)
	}
	t.st.requests[r.ID] = *r
	return nil
}
