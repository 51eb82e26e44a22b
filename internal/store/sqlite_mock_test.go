package store_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/store"
)

func newMockStore(t *testing.T) (*store.SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewSQLiteStore(db), mock
}

func TestSQLiteStore_InTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.SaveUser(ctx, &model.User{ID: "u1", Status: model.UserActive, CreatedAt: base, UpdatedAt: base}); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_InTxReportsCommitFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error { return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_UpdateMissingRowIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE markets`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateMarket(ctx, &model.Market{ID: "ghost"})
	})

	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_PendingQuantitySumsExactly(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT quantity FROM sell_requests WHERE position_id = ? AND status = ?`)).
		WithArgs("p1", string(model.SellPending)).
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}).AddRow("0.1").AddRow("0.2"))

	sum, err := s.PendingQuantity(context.Background(), "p1")
	require.NoError(t, err)
	assertDecimal(t, "0.3", sum)
	assert.NoError(t, mock.ExpectationsWereMet())
}
