package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/store/migrations"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies the embedded schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migrations.ApplyPostgres(ctx, s.pool)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{pgReader{q: tx, lock: " FOR UPDATE"}}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
)

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgReader runs reads against a pool or a transaction. Inside a transaction
// lock is " FOR UPDATE" so single-row reads hold the row until commit.
type pgReader struct {
	q    pgQuerier
	lock string
}

const pgUserColumns = `id, username, wallet_address, status, created_at, updated_at`

func (r pgReader) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.q.QueryRow(ctx,
		`SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.WalletAddress, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, pgErr(err, "get user %s", id)
	}
	return &u, nil
}

const pgMarketColumns = `id, title, description, status,
	yes_price::TEXT, no_price::TEXT, previous_yes_price::TEXT, previous_no_price::TEXT,
	total_volume::TEXT, volume_24h::TEXT, volatility::TEXT,
	created_at, updated_at`

func scanPgMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var s [7]string
	if err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Status,
		&s[0], &s[1], &s[2], &s[3], &s[4], &s[5], &s[6],
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	err := parseDecimals(s[:], &m.YesPrice, &m.NoPrice, &m.PreviousYesPrice, &m.PreviousNoPrice,
		&m.TotalVolume, &m.Volume24h, &m.Volatility)
	return &m, err
}

func (r pgReader) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanPgMarket(r.q.QueryRow(ctx,
		`SELECT `+pgMarketColumns+` FROM markets WHERE id = $1`+r.lock, id))
	if err != nil {
		return nil, pgErr(err, "get market %s", id)
	}
	return m, nil
}

func (r pgReader) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+pgMarketColumns+` FROM markets ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanPgMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (r pgReader) ListPriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	rows, err := r.q.Query(ctx,
		`SELECT market_id, ts, yes_price::TEXT, no_price::TEXT, volume::TEXT, price_impact::TEXT, transaction_type
		 FROM price_points WHERE market_id = $1 ORDER BY seq`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list price history %s: %w", marketID, err)
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var s [4]string
		if err := rows.Scan(&p.MarketID, &p.Timestamp, &s[0], &s[1], &s[2], &s[3], &p.TransactionType); err != nil {
			return nil, fmt.Errorf("scan price point: %w", err)
		}
		if err := parseDecimals(s[:], &p.YesPrice, &p.NoPrice, &p.Volume, &p.PriceImpact); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (r pgReader) SumVolumeSince(ctx context.Context, marketID string, since time.Time) (decimal.Decimal, error) {
	var sum string
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(volume), 0)::TEXT FROM price_points WHERE market_id = $1 AND ts >= $2`,
		marketID, since).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum volume %s: %w", marketID, err)
	}
	return decimal.NewFromString(sum)
}

const pgPositionColumns = `id, user_id, market_id, outcome,
	quantity::TEXT, purchase_price::TEXT, current_price::TEXT, total_invested::TEXT, total_fees::TEXT,
	created_at, updated_at`

func scanPgPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var s [5]string
	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &p.Outcome,
		&s[0], &s[1], &s[2], &s[3], &s[4],
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	err := parseDecimals(s[:], &p.Quantity, &p.PurchasePrice, &p.CurrentPrice, &p.TotalInvested, &p.TotalFees)
	return &p, err
}

func (r pgReader) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPgPosition(r.q.QueryRow(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE id = $1`+r.lock, id))
	if err != nil {
		return nil, pgErr(err, "get position %s", id)
	}
	return p, nil
}

func (r pgReader) FindPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	p, err := scanPgPosition(r.q.QueryRow(ctx,
		`SELECT `+pgPositionColumns+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome = $3`+r.lock,
		userID, marketID, string(outcome)))
	if err != nil {
		return nil, pgErr(err, "find position %s/%s/%s", userID, marketID, outcome)
	}
	return p, nil
}

func (r pgReader) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", userID, err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPgPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

const pgSellRequestColumns = `id, user_id, position_id, market_id, outcome,
	quantity::TEXT, requested_price::TEXT, min_price::TEXT, principal::TEXT, fee::TEXT, net_proceeds::TEXT,
	status, created_at, completed_at, cancelled_at, approver_signature, cancellation_reason, transaction_id`

func scanPgSellRequest(row pgx.Row) (*model.SellRequest, error) {
	var req model.SellRequest
	var s [6]string
	if err := row.Scan(&req.ID, &req.UserID, &req.PositionID, &req.MarketID, &req.Outcome,
		&s[0], &s[1], &s[2], &s[3], &s[4], &s[5],
		&req.Status, &req.CreatedAt, &req.CompletedAt, &req.CancelledAt,
		&req.ApproverSignature, &req.CancellationReason, &req.TransactionID); err != nil {
		return nil, err
	}
	err := parseDecimals(s[:], &req.Quantity, &req.RequestedPrice, &req.MinPrice,
		&req.Principal, &req.Fee, &req.NetProceeds)
	return &req, err
}

func (r pgReader) GetSellRequest(ctx context.Context, id string) (*model.SellRequest, error) {
	req, err := scanPgSellRequest(r.q.QueryRow(ctx,
		`SELECT `+pgSellRequestColumns+` FROM sell_requests WHERE id = $1`+r.lock, id))
	if err != nil {
		return nil, pgErr(err, "get sell request %s", id)
	}
	return req, nil
}

func (r pgReader) ListPendingSellRequests(ctx context.Context) ([]model.SellRequest, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+pgSellRequestColumns+` FROM sell_requests
		 WHERE status = $1 ORDER BY created_at, id`, string(model.SellPending))
	if err != nil {
		return nil, fmt.Errorf("list pending sell requests: %w", err)
	}
	defer rows.Close()

	var pending []model.SellRequest
	for rows.Next() {
		req, err := scanPgSellRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sell request: %w", err)
		}
		pending = append(pending, *req)
	}
	return pending, rows.Err()
}

func (r pgReader) PendingQuantity(ctx context.Context, positionID string) (decimal.Decimal, error) {
	var sum string
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)::TEXT FROM sell_requests WHERE position_id = $1 AND status = $2`,
		positionID, string(model.SellPending)).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pending quantity %s: %w", positionID, err)
	}
	return decimal.NewFromString(sum)
}

func (r pgReader) ListUserTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, status, source, destination, metadata::TEXT, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", userID, err)
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var amount, metadata string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &amount, &t.Status,
			&t.Source, &t.Destination, &metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
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

// --- Writes ---

type pgTx struct {
	pgReader
}

func (t *pgTx) SaveUser(ctx context.Context, u *model.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, username, wallet_address, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET username = EXCLUDED.username, wallet_address = EXCLUDED.wallet_address,
		     status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		u.ID, u.Username, u.WalletAddress, u.Status, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO markets (id, title, description, status,
		                      yes_price, no_price, previous_yes_price, previous_no_price,
		                      total_volume, volume_24h, volatility, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		m.ID, m.Title, m.Description, m.Status,
		m.YesPrice.String(), m.NoPrice.String(), m.PreviousYesPrice.String(), m.PreviousNoPrice.String(),
		m.TotalVolume.String(), m.Volume24h.String(), m.Volatility.String(),
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("market %s: %w", m.ID, ErrDuplicate)
		}
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE markets
		 SET title = $2, description = $3, status = $4,
		     yes_price = $5::NUMERIC, no_price = $6::NUMERIC,
		     previous_yes_price = $7::NUMERIC, previous_no_price = $8::NUMERIC,
		     total_volume = $9::NUMERIC, volume_24h = $10::NUMERIC, volatility = $11::NUMERIC,
		     updated_at = $12
		 WHERE id = $1`,
		m.ID, m.Title, m.Description, m.Status,
		m.YesPrice.String(), m.NoPrice.String(), m.PreviousYesPrice.String(), m.PreviousNoPrice.String(),
		m.TotalVolume.String(), m.Volume24h.String(), m.Volatility.String(),
		m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) AppendPricePoint(ctx context.Context, p *model.PricePoint) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO price_points (market_id, ts, yes_price, no_price, volume, price_impact, transaction_type)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		p.MarketID, p.Timestamp,
		p.YesPrice.String(), p.NoPrice.String(), p.Volume.String(), p.PriceImpact.String(),
		string(p.TransactionType))
	if err != nil {
		return fmt.Errorf("append price point %s: %w", p.MarketID, err)
	}
	return nil
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, outcome,
		                        quantity, purchase_price, current_price, total_invested, total_fees,
		                        created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		p.ID, p.UserID, p.MarketID, string(p.Outcome),
		p.Quantity.String(), p.PurchasePrice.String(), p.CurrentPrice.String(),
		p.TotalInvested.String(), p.TotalFees.String(),
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("position %s: %w", p.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE positions
		 SET quantity = $2::NUMERIC, purchase_price = $3::NUMERIC, current_price = $4::NUMERIC,
		     total_invested = $5::NUMERIC, total_fees = $6::NUMERIC, updated_at = $7
		 WHERE id = $1`,
		p.ID, p.Quantity.String(), p.PurchasePrice.String(), p.CurrentPrice.String(),
		p.TotalInvested.String(), p.TotalFees.String(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	metadata, err := json.Marshal(tr.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata of %s: %w", tr.ID, err)
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, status, source, destination, metadata, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8::JSONB, $9)`,
		tr.ID, tr.UserID, string(tr.Type), tr.Amount.String(), tr.Status,
		tr.Source, tr.Destination, string(metadata), tr.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("transaction %s: %w", tr.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert transaction %s: %w", tr.ID, err)
	}
	return nil
}

func (t *pgTx) InsertSellRequest(ctx context.Context, r *model.SellRequest) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO sell_requests (id, user_id, position_id, market_id, outcome,
		                            quantity, requested_price, min_price, principal, fee, net_proceeds,
		                            status, created_at, completed_at, cancelled_at,
		                            approver_signature, cancellation_reason, transaction_id)
		 VALUES ($1, $2, $3, $4, $5,
		         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12, $13, $14, $15, $16, $17, $18)`,
		r.ID, r.UserID, r.PositionID, r.MarketID, string(r.Outcome),
		r.Quantity.String(), r.RequestedPrice.String(), r.MinPrice.String(),
		r.Principal.String(), r.Fee.String(), r.NetProceeds.String(),
		string(r.Status), r.CreatedAt, r.CompletedAt, r.CancelledAt,
		r.ApproverSignature, r.CancellationReason, r.TransactionID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("sell request %s: %w", r.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert sell request %s: %w", r.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateSellRequest(ctx context.Context, r *model.SellRequest) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE sell_requests
		 SET status = $2, completed_at = $3, cancelled_at = $4,
		     approver_signature = $5, cancellation_reason = $6, transaction_id = $7
		 WHERE id = $1`,
		r.ID, string(r.Status), r.CompletedAt, r.CancelledAt,
		r.ApproverSignature, r.CancellationReason, r.TransactionID)
	if err != nil {
		return fmt.Errorf("update sell request %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sell request %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// pgErr maps pgx.ErrNoRows to ErrNotFound and wraps everything else.
func pgErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
