package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// markets and users. Writes go to the primary store inside InTx; the keys
// they touched are invalidated after commit. Reads made through a Tx always
// hit the primary so that locking and consistency are unaffected.
//
// Each cached key has a version counter bumped on invalidation. A miss
// records the version before reading the primary and fills the cache only
// if it is unchanged, so a read that raced a commit never re-caches the
// pre-commit row.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write path (write to primary, invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tracked := &trackingTx{}
	err := s.primary.InTx(ctx, func(ctx context.Context, tx Tx) error {
		tracked.Tx = tx
		tracked.keys = tracked.keys[:0]
		return fn(ctx, tracked)
	})
	if err != nil {
		return err
	}

	if len(tracked.keys) > 0 {
		s.invalidate(ctx, tracked.keys)
	}
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Incr(ctx, versionKey(k))
			p.Expire(ctx, versionKey(k), versionTTL)
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// trackingTx records the cache keys a transaction writes.
type trackingTx struct {
	Tx
	keys []string
}

func (t *trackingTx) SaveUser(ctx context.Context, u *model.User) error {
	t.keys = append(t.keys, userKey(u.ID))
	return t.Tx.SaveUser(ctx, u)
}

func (t *trackingTx) CreateMarket(ctx context.Context, m *model.Market) error {
	t.keys = append(t.keys, marketKey(m.ID))
	return t.Tx.CreateMarket(ctx, m)
}

func (t *trackingTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	t.keys = append(t.keys, marketKey(m.ID))
	return t.Tx.UpdateMarket(ctx, m)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.getCached(ctx, marketKey(id), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	ver := s.version(ctx, marketKey(id))
	got, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, marketKey(id), ver, got)
	return got, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.getCached(ctx, userKey(id), &u) {
		return &u, nil
	}

	ver := s.version(ctx, userKey(id))
	got, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, userKey(id), ver, got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	return s.primary.ListPriceHistory(ctx, marketID)
}

func (s *CachedStore) SumVolumeSince(ctx context.Context, marketID string, since time.Time) (decimal.Decimal, error) {
	return s.primary.SumVolumeSince(ctx, marketID, since)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) FindPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	return s.primary.FindPosition(ctx, userID, marketID, outcome)
}

func (s *CachedStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListUserPositions(ctx, userID)
}

func (s *CachedStore) GetSellRequest(ctx context.Context, id string) (*model.SellRequest, error) {
	return s.primary.GetSellRequest(ctx, id)
}

func (s *CachedStore) ListPendingSellRequests(ctx context.Context) ([]model.SellRequest, error) {
	return s.primary.ListPendingSellRequests(ctx)
}

func (s *CachedStore) PendingQuantity(ctx context.Context, positionID string) (decimal.Decimal, error) {
	return s.primary.PendingQuantity(ctx, positionID)
}

func (s *CachedStore) ListUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListUserTransactions(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) getCached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// version returns the invalidation counter of key; a missing counter is 0.
func (s *CachedStore) version(ctx context.Context, key string) int64 {
	v, err := s.rdb.Get(ctx, versionKey(key)).Int64()
	if err != nil {
		return 0
	}
	return v
}

var errStaleRead = errors.New("store: cache fill raced an invalidation")

// fill caches v under key unless key was invalidated since ver was read.
func (s *CachedStore) fill(ctx context.Context, key string, ver int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	vk := versionKey(key)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != ver {
			return errStaleRead
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, vk)
	if err != nil && !errors.Is(err, errStaleRead) && !errors.Is(err, redis.TxFailedErr) {
		slog.Debug("cache fill skipped", "key", key, "err", err)
	}
}

func marketKey(id string) string   { return fmt.Sprintf("ledger:market:%s", id) }
func userKey(id string) string     { return fmt.Sprintf("ledger:user:%s", id) }
func versionKey(key string) string { return key + ":ver" }

// versionTTL bounds how long an invalidation counter is kept. It only has
// to outlive a primary read.
const versionTTL = 24 * time.Hour
