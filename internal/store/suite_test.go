package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]any{"want %s, got %s", want, got}, msgAndArgs...)...)
}

// base is truncated to microseconds so every backend round-trips it exactly.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.SaveUser(ctx, &model.User{
			ID: "u1", Username: "alice", Status: model.UserActive, CreatedAt: base, UpdatedAt: base,
		}))
		require.NoError(t, tx.CreateMarket(ctx, &model.Market{
			ID: "m1", Title: "Will it rain?", Status: model.MarketOpen,
			YesPrice: d("0.51"), NoPrice: d("0.49"),
			PreviousYesPrice: d("0.5"), PreviousNoPrice: d("0.5"),
			TotalVolume: d("100"), Volume24h: d("100"), Volatility: d("0.001"),
			CreatedAt: base, UpdatedAt: base,
		}))
		require.NoError(t, tx.CreateMarket(ctx, &model.Market{
			ID: "m2", Title: "Second", Status: model.MarketOpen,
			YesPrice: d("0.5"), NoPrice: d("0.5"), PreviousYesPrice: d("0.5"), PreviousNoPrice: d("0.5"),
			TotalVolume: decimal.Zero, Volume24h: decimal.Zero, Volatility: decimal.Zero,
			CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute),
		}))
		for i, p := range []model.PricePoint{
			{Timestamp: base.Add(-48 * time.Hour), YesPrice: d("0.5"), NoPrice: d("0.5"), Volume: d("0"), PriceImpact: d("0"), TransactionType: model.KindOpen},
			{Timestamp: base.Add(-30 * time.Hour), YesPrice: d("0.6"), NoPrice: d("0.4"), Volume: d("1000"), PriceImpact: d("0.1"), TransactionType: model.KindBuy},
			{Timestamp: base.Add(-time.Hour), YesPrice: d("0.51"), NoPrice: d("0.49"), Volume: d("100"), PriceImpact: d("0.01"), TransactionType: model.KindBuy},
		} {
			p.MarketID = "m1"
			require.NoError(t, tx.AppendPricePoint(ctx, &p), "point %d", i)
		}
		require.NoError(t, tx.InsertPosition(ctx, &model.Position{
			ID: "p1", UserID: "u1", MarketID: "m1", Outcome: model.OutcomeYes,
			Quantity: d("100"), PurchasePrice: d("0.5"), CurrentPrice: d("0.5"),
			TotalInvested: d("50"), TotalFees: d("1"), CreatedAt: base, UpdatedAt: base,
		}))
		require.NoError(t, tx.InsertSellRequest(ctx, &model.SellRequest{
			ID: "r1", UserID: "u1", PositionID: "p1", MarketID: "m1", Outcome: model.OutcomeYes,
			Quantity: d("30"), RequestedPrice: d("0.51"), MinPrice: d("0.45"),
			Principal: d("15.3"), Fee: d("0.306"), NetProceeds: d("14.994"),
			Status: model.SellPending, CreatedAt: base.Add(time.Second),
		}))
		require.NoError(t, tx.InsertSellRequest(ctx, &model.SellRequest{
			ID: "r0", UserID: "u1", PositionID: "p1", MarketID: "m1", Outcome: model.OutcomeYes,
			Quantity: d("20"), RequestedPrice: d("0.51"), MinPrice: d("0"),
			Principal: d("10.2"), Fee: d("0.204"), NetProceeds: d("9.996"),
			Status: model.SellPending, CreatedAt: base,
		}))
		return tx.InsertTransaction(ctx, &model.Transaction{
			ID: "t1", UserID: "u1", Type: model.TxDeposit, Amount: d("51"),
			Status: model.TxCompleted, Source: "pay-1", Destination: "platform",
			Metadata: model.TransactionMetadata{
				MarketID: "m1", Outcome: model.OutcomeYes, Quantity: d("100"), Price: d("0.5"),
				Principal: d("50"), Fee: d("1"), PriceImpact: d("0.01"),
			},
			CreatedAt: base,
		})
	})
	require.NoError(t, err)
}

// runSuite exercises the Store contract against any backend.
func runSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("reads after commit", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		u, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Username)

		m, err := s.GetMarket(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "Will it rain?", m.Title)
		assertDecimal(t, "0.51", m.YesPrice)
		assertDecimal(t, "0.49", m.NoPrice)
		assertDecimal(t, "0.001", m.Volatility)
		assert.True(t, base.Equal(m.CreatedAt))

		markets, err := s.ListMarkets(ctx)
		require.NoError(t, err)
		require.Len(t, markets, 2)
		assert.Equal(t, "m1", markets[0].ID)
		assert.Equal(t, "m2", markets[1].ID)

		history, err := s.ListPriceHistory(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, model.KindOpen, history[0].TransactionType)
		assertDecimal(t, "0.51", history[2].YesPrice)

		p, err := s.FindPosition(ctx, "u1", "m1", model.OutcomeYes)
		require.NoError(t, err)
		assert.Equal(t, "p1", p.ID)
		assertDecimal(t, "100", p.Quantity)

		positions, err := s.ListUserPositions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, positions, 1)

		txs, err := s.ListUserTransactions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, model.TxDeposit, txs[0].Type)
		assertDecimal(t, "51", txs[0].Amount)
		assertDecimal(t, "0.01", txs[0].Metadata.PriceImpact)
		assert.Equal(t, "pay-1", txs[0].Source)
	})

	t.Run("volume window", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		sum, err := s.SumVolumeSince(ctx, "m1", base.Add(-24*time.Hour))
		require.NoError(t, err)
		assertDecimal(t, "100", sum)

		sum, err = s.SumVolumeSince(ctx, "m1", base.Add(-72*time.Hour))
		require.NoError(t, err)
		assertDecimal(t, "1100", sum)

		sum, err = s.SumVolumeSince(ctx, "unknown", base)
		require.NoError(t, err)
		assert.True(t, sum.IsZero())
	})

	t.Run("pending requests and reservation", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		pending, err := s.ListPendingSellRequests(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "r0", pending[0].ID, "oldest first")
		assert.Equal(t, "r1", pending[1].ID)

		reserved, err := s.PendingQuantity(ctx, "p1")
		require.NoError(t, err)
		assertDecimal(t, "50", reserved)

		err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			req, err := tx.GetSellRequest(ctx, "r1")
			if err != nil {
				return err
			}
			now := base.Add(time.Hour)
			req.Status = model.SellCompleted
			req.CompletedAt = &now
			req.ApproverSignature = "sig"
			req.TransactionID = "t2"
			return tx.UpdateSellRequest(ctx, req)
		})
		require.NoError(t, err)

		req, err := s.GetSellRequest(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.SellCompleted, req.Status)
		require.NotNil(t, req.CompletedAt)
		assert.True(t, base.Add(time.Hour).Equal(*req.CompletedAt))
		assert.Nil(t, req.CancelledAt)
		assert.Equal(t, "sig", req.ApproverSignature)

		reserved, err = s.PendingQuantity(ctx, "p1")
		require.NoError(t, err)
		assertDecimal(t, "20", reserved)

		pending, err = s.ListPendingSellRequests(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		boom := errors.New("boom")

		err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			m, err := tx.GetMarket(ctx, "m1")
			if err != nil {
				return err
			}
			m.YesPrice, m.NoPrice = d("0.9"), d("0.1")
			if err := tx.UpdateMarket(ctx, m); err != nil {
				return err
			}
			if err := tx.DeletePosition(ctx, "p1"); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		m, err := s.GetMarket(ctx, "m1")
		require.NoError(t, err)
		assertDecimal(t, "0.51", m.YesPrice)

		_, err = s.GetPosition(ctx, "p1")
		require.NoError(t, err)
	})

	t.Run("not found and duplicates", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		_, err := s.GetMarket(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetSellRequest(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.FindPosition(ctx, "u1", "m1", model.OutcomeNo)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetUser(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			m, err := tx.GetMarket(ctx, "m1")
			if err != nil {
				return err
			}
			return tx.CreateMarket(ctx, m)
		})
		assert.ErrorIs(t, err, store.ErrDuplicate)

		err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.DeletePosition(ctx, "nope")
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("position lifecycle", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			p, err := tx.GetPosition(ctx, "p1")
			if err != nil {
				return err
			}
			p.Quantity = d("40")
			p.CurrentPrice = d("0.55")
			if err := tx.UpdatePosition(ctx, p); err != nil {
				return err
			}
			u, err := tx.GetUser(ctx, "u1")
			if err != nil {
				return err
			}
			u.WalletAddress = "wallet-1"
			return tx.SaveUser(ctx, u)
		})
		require.NoError(t, err)

		p, err := s.GetPosition(ctx, "p1")
		require.NoError(t, err)
		assertDecimal(t, "40", p.Quantity)
		assertDecimal(t, "0.55", p.CurrentPrice)

		u, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "wallet-1", u.WalletAddress)

		err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.DeletePosition(ctx, "p1")
		})
		require.NoError(t, err)

		_, err = s.GetPosition(ctx, "p1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runSuite(t, func(t *testing.T) store.Store { return store.NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runSuite(t, func(t *testing.T) store.Store {
		s, err := store.OpenSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
