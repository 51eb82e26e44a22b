package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/store/migrations"
)

// SQLiteStore implements Store on a single SQLite file (pure Go, no CGo).
// Decimals are kept as TEXT and timestamps as unix nanoseconds. SQLite is a
// single writer, so the pool is pinned to one connection and transactions
// serialize on it.
type SQLiteStore struct {
	sqlReader
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := NewSQLiteStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database. The caller owns migrations.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{sqlReader: sqlReader{q: db}, db: db}
}

// Migrate applies the embedded schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return migrations.ApplySQLite(ctx, s.db)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqlTx{sqlReader{q: tx}}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlRow interface {
	Scan(dest ...any) error
}

type sqlReader struct {
	q sqlQuerier
}

func (r sqlReader) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var created, updated int64
	err := r.q.QueryRowContext(ctx,
		`SELECT id, username, wallet_address, status, created_at, updated_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.WalletAddress, &u.Status, &created, &updated)
	if err != nil {
		return nil, sqlErr(err, "get user %s", id)
	}
	u.CreatedAt, u.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &u, nil
}

const sqlMarketColumns = `id, title, description, status,
	yes_price, no_price, previous_yes_price, previous_no_price,
	total_volume, volume_24h, volatility, created_at, updated_at`

func scanSQLMarket(row sqlRow) (*model.Market, error) {
	var m model.Market
	var s [7]string
	var created, updated int64
	if err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Status,
		&s[0], &s[1], &s[2], &s[3], &s[4], &s[5], &s[6],
		&created, &updated); err != nil {
		return nil, err
	}
	m.CreatedAt, m.UpdatedAt = fromNanos(created), fromNanos(updated)
	err := parseDecimals(s[:], &m.YesPrice, &m.NoPrice, &m.PreviousYesPrice, &m.PreviousNoPrice,
		&m.TotalVolume, &m.Volume24h, &m.Volatility)
	return &m, err
}

func (r sqlReader) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanSQLMarket(r.q.QueryRowContext(ctx,
		`SELECT `+sqlMarketColumns+` FROM markets WHERE id = ?`, id))
	if err != nil {
		return nil, sqlErr(err, "get market %s", id)
	}
	return m, nil
}

func (r sqlReader) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+sqlMarketColumns+` FROM markets ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanSQLMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (r sqlReader) ListPriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT market_id, ts, yes_price, no_price, volume, price_impact, transaction_type
		 FROM price_points WHERE market_id = ? ORDER BY seq`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list price history %s: %w", marketID, err)
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var s [4]string
		var ts int64
		var kind string
		if err := rows.Scan(&p.MarketID, &ts, &s[0], &s[1], &s[2], &s[3], &kind); err != nil {
			return nil, fmt.Errorf("scan price point: %w", err)
		}
		if err := parseDecimals(s[:], &p.YesPrice, &p.NoPrice, &p.Volume, &p.PriceImpact); err != nil {
			return nil, err
		}
		p.Timestamp = fromNanos(ts)
		p.TransactionType = model.TradeKind(kind)
		points = append(points, p)
	}
	return points, rows.Err()
}

// SumVolumeSince adds the volumes in Go; SQLite would sum TEXT as REAL.
func (r sqlReader) SumVolumeSince(ctx context.Context, marketID string, since time.Time) (decimal.Decimal, error) {
	return r.sumDecimals(ctx,
		`SELECT volume FROM price_points WHERE market_id = ? AND ts >= ?`,
		marketID, since.UnixNano())
}

const sqlPositionColumns = `id, user_id, market_id, outcome,
	quantity, purchase_price, current_price, total_invested, total_fees, created_at, updated_at`

func scanSQLPosition(row sqlRow) (*model.Position, error) {
	var p model.Position
	var s [5]string
	var outcome string
	var created, updated int64
	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &outcome,
		&s[0], &s[1], &s[2], &s[3], &s[4], &created, &updated); err != nil {
		return nil, err
	}
	p.Outcome = model.Outcome(outcome)
	p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(updated)
	err := parseDecimals(s[:], &p.Quantity, &p.PurchasePrice, &p.CurrentPrice, &p.TotalInvested, &p.TotalFees)
	return &p, err
}

func (r sqlReader) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanSQLPosition(r.q.QueryRowContext(ctx,
		`SELECT `+sqlPositionColumns+` FROM positions WHERE id = ?`, id))
	if err != nil {
		return nil, sqlErr(err, "get position %s", id)
	}
	return p, nil
}

func (r sqlReader) FindPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	p, err := scanSQLPosition(r.q.QueryRowContext(ctx,
		`SELECT `+sqlPositionColumns+` FROM positions WHERE user_id = ? AND market_id = ? AND outcome = ?`,
		userID, marketID, string(outcome)))
	if err != nil {
		return nil, sqlErr(err, "find position %s/%s/%s", userID, marketID, outcome)
	}
	return p, nil
}

func (r sqlReader) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+sqlPositionColumns+` FROM positions WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", userID, err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanSQLPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

const sqlSellRequestColumns = `id, user_id, position_id, market_id, outcome,
	quantity, requested_price, min_price, principal, fee, net_proceeds,
	status, created_at, completed_at, cancelled_at, approver_signature, cancellation_reason, transaction_id`

func scanSQLSellRequest(row sqlRow) (*model.SellRequest, error) {
	var req model.SellRequest
	var s [6]string
	var outcome, status string
	var created int64
	var completed, cancelled sql.NullInt64
	if err := row.Scan(&req.ID, &req.UserID, &req.PositionID, &req.MarketID, &outcome,
		&s[0], &s[1], &s[2], &s[3], &s[4], &s[5],
		&status, &created, &completed, &cancelled,
		&req.ApproverSignature, &req.CancellationReason, &req.TransactionID); err != nil {
		return nil, err
	}
	req.Outcome = model.Outcome(outcome)
	req.Status = model.SellStatus(status)
	req.CreatedAt = fromNanos(created)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		req.CompletedAt = &t
	}
	if cancelled.Valid {
		t := fromNanos(cancelled.Int64)
		req.CancelledAt = &t
	}
	err := parseDecimals(s[:], &req.Quantity, &req.RequestedPrice, &req.MinPrice,
		&req.Principal, &req.Fee, &req.NetProceeds)
	return &req, err
}

func (r sqlReader) GetSellRequest(ctx context.Context, id string) (*model.SellRequest, error) {
	req, err := scanSQLSellRequest(r.q.QueryRowContext(ctx,
		`SELECT `+sqlSellRequestColumns+` FROM sell_requests WHERE id = ?`, id))
	if err != nil {
		return nil, sqlErr(err, "get sell request %s", id)
	}
	return req, nil
}

func (r sqlReader) ListPendingSellRequests(ctx context.Context) ([]model.SellRequest, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+sqlSellRequestColumns+` FROM sell_requests WHERE status = ? ORDER BY created_at, id`,
		string(model.SellPending))
	if err != nil {
		return nil, fmt.Errorf("list pending sell requests: %w", err)
	}
	defer rows.Close()

	var pending []model.SellRequest
	for rows.Next() {
		req, err := scanSQLSellRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sell request: %w", err)
		}
		pending = append(pending, *req)
	}
	return pending, rows.Err()
}

func (r sqlReader) PendingQuantity(ctx context.Context, positionID string) (decimal.Decimal, error) {
	return r.sumDecimals(ctx,
		`SELECT quantity FROM sell_requests WHERE position_id = ? AND status = ?`,
		positionID, string(model.SellPending))
}

func (r sqlReader) ListUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, user_id, type, amount, status, source, destination, metadata, created_at
		 FROM transactions WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", userID, err)
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var kind, amount, metadata string
		var created int64
		if err := rows.Scan(&t.ID, &t.UserID, &kind, &amount, &t.Status,
			&t.Source, &t.Destination, &metadata, &created); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(kind)
		t.CreatedAt = fromNanos(created)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amount, err)
		}
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", t.ID, err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (r sqlReader) sumDecimals(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, fmt.Errorf("scan sum: %w", err)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
		}
		sum = sum.Add(v)
	}
	return sum, rows.Err()
}

// --- Writes ---

type sqlTx struct {
	sqlReader
}

func (t *sqlTx) SaveUser(ctx context.Context, u *model.User) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO users (id, username, wallet_address, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET username = excluded.username, wallet_address = excluded.wallet_address,
		     status = excluded.status, updated_at = excluded.updated_at`,
		u.ID, u.Username, u.WalletAddress, u.Status, u.CreatedAt.UnixNano(), u.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

func (t *sqlTx) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO markets (`+sqlMarketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, m.Description, m.Status,
		m.YesPrice.String(), m.NoPrice.String(), m.PreviousYesPrice.String(), m.PreviousNoPrice.String(),
		m.TotalVolume.String(), m.Volume24h.String(), m.Volatility.String(),
		m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano())
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("market %s: %w", m.ID, ErrDuplicate)
		}
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	return nil
}

func (t *sqlTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE markets
		 SET title = ?, description = ?, status = ?,
		     yes_price = ?, no_price = ?, previous_yes_price = ?, previous_no_price = ?,
		     total_volume = ?, volume_24h = ?, volatility = ?, updated_at = ?
		 WHERE id = ?`,
		m.Title, m.Description, m.Status,
		m.YesPrice.String(), m.NoPrice.String(), m.PreviousYesPrice.String(), m.PreviousNoPrice.String(),
		m.TotalVolume.String(), m.Volume24h.String(), m.Volatility.String(), m.UpdatedAt.UnixNano(),
		m.ID)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	return requireAffected(res, "market %s", m.ID)
}

func (t *sqlTx) AppendPricePoint(ctx context.Context, p *model.PricePoint) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO price_points (market_id, ts, yes_price, no_price, volume, price_impact, transaction_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.MarketID, p.Timestamp.UnixNano(),
		p.YesPrice.String(), p.NoPrice.String(), p.Volume.String(), p.PriceImpact.String(),
		string(p.TransactionType))
	if err != nil {
		return fmt.Errorf("append price point %s: %w", p.MarketID, err)
	}
	return nil
}

func (t *sqlTx) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO positions (`+sqlPositionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.MarketID, string(p.Outcome),
		p.Quantity.String(), p.PurchasePrice.String(), p.CurrentPrice.String(),
		p.TotalInvested.String(), p.TotalFees.String(),
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("position %s: %w", p.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func (t *sqlTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE positions
		 SET quantity = ?, purchase_price = ?, current_price = ?, total_invested = ?, total_fees = ?, updated_at = ?
		 WHERE id = ?`,
		p.Quantity.String(), p.PurchasePrice.String(), p.CurrentPrice.String(),
		p.TotalInvested.String(), p.TotalFees.String(), p.UpdatedAt.UnixNano(),
		p.ID)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	return requireAffected(res, "position %s", p.ID)
}

func (t *sqlTx) DeletePosition(ctx context.Context, id string) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	return requireAffected(res, "position %s", id)
}

func (t *sqlTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	metadata, err := json.Marshal(tr.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata of %s: %w", tr.ID, err)
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, source, destination, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.UserID, string(tr.Type), tr.Amount.String(), tr.Status,
		tr.Source, tr.Destination, string(metadata), tr.CreatedAt.UnixNano())
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("transaction %s: %w", tr.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert transaction %s: %w", tr.ID, err)
	}
	return nil
}

func (t *sqlTx) InsertSellRequest(ctx context.Context, r *model.SellRequest) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO sell_requests (`+sqlSellRequestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.PositionID, r.MarketID, string(r.Outcome),
		r.Quantity.String(), r.RequestedPrice.String(), r.MinPrice.String(),
		r.Principal.String(), r.Fee.String(), r.NetProceeds.String(),
		string(r.Status), r.CreatedAt.UnixNano(), nullNanos(r.CompletedAt), nullNanos(r.CancelledAt),
		r.ApproverSignature, r.CancellationReason, r.TransactionID)
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("sell request %s: %w", r.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert sell request %s: %w", r.ID, err)
	}
	return nil
}

func (t *sqlTx) UpdateSellRequest(ctx context.Context, r *model.SellRequest) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE sell_requests
		 SET status = ?, completed_at = ?, cancelled_at = ?,
		     approver_signature = ?, cancellation_reason = ?, transaction_id = ?
		 WHERE id = ?`,
		string(r.Status), nullNanos(r.CompletedAt), nullNanos(r.CancelledAt),
		r.ApproverSignature, r.CancellationReason, r.TransactionID,
		r.ID)
	if err != nil {
		return fmt.Errorf("update sell request %s: %w", r.ID, err)
	}
	return requireAffected(res, "sell request %s", r.ID)
}

// --- Helpers shared by the SQL stores ---

// parseDecimals parses vals[i] into dsts[i].
func parseDecimals(vals []string, dsts ...*decimal.Decimal) error {
	for i, dst := range dsts {
		v, err := decimal.NewFromString(vals[i])
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", vals[i], err)
		}
		*dst = v
	}
	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func sqlErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func requireAffected(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return nil
}

// isSQLiteConstraint reports a UNIQUE or PRIMARY KEY violation.
func isSQLiteConstraint(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
