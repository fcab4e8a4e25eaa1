package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger persists balances and the nonce in PostgreSQL. Every Update
// runs in one transaction that first locks the single ledger_state row, which
// serializes all mutating operations across processes.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS balances (
		principal  TEXT        NOT NULL,
		asset      TEXT        NOT NULL,
		amount     BIGINT      NOT NULL CHECK (amount >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (principal, asset)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_state (
		id    SMALLINT PRIMARY KEY CHECK (id = 1),
		nonce BIGINT   NOT NULL CHECK (nonce >= 0)
	)`,
	`INSERT INTO ledger_state (id, nonce) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id           TEXT        PRIMARY KEY,
		principal    TEXT        NOT NULL,
		asset        TEXT        NOT NULL,
		amount       BIGINT      NOT NULL CHECK (amount > 0),
		status       TEXT        NOT NULL CHECK (status IN ('pending', 'accepted', 'rejected')),
		reason       TEXT        NOT NULL DEFAULT '',
		nonce        BIGINT,
		created_at   TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS withdrawal_requests_status_idx ON withdrawal_requests (status, created_at)`,
}

// Migrate creates the ledger tables when they do not exist yet.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

// Balance returns the recorded balance, or 0 when no entry exists.
func (l *PostgresLedger) Balance(ctx context.Context, principal, asset string) (int64, error) {
	return balanceFor(ctx, l.db, principal, asset)
}

// Nonce returns the current execution nonce.
func (l *PostgresLedger) Nonce(ctx context.Context) (uint64, error) {
	var n int64
	if err := l.db.QueryRow(ctx, `SELECT nonce FROM ledger_state WHERE id = 1`).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("ledger state not initialized")
		}
		return 0, err
	}
	return decodeNonce(n)
}

// Totals sums recorded balances per asset.
func (l *PostgresLedger) Totals(ctx context.Context) (map[string]int64, error) {
	rows, err := l.db.Query(ctx, `SELECT asset, COALESCE(SUM(amount), 0)::BIGINT FROM balances GROUP BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var asset string
		var total int64
		if err := rows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		totals[asset] = total
	}
	return totals, rows.Err()
}

// Update runs fn inside a single database transaction.
func (l *PostgresLedger) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var n int64
	if err := tx.QueryRow(ctx, `SELECT nonce FROM ledger_state WHERE id = 1 FOR UPDATE`).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("ledger state not initialized")
		}
		return err
	}

	current, err := decodeNonce(n)
	if err != nil {
		return err
	}
	if err := fn(ctx, &pgTx{tx: tx, nonce: current}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type pgTx struct {
	tx    pgx.Tx
	nonce uint64
}

func (t *pgTx) Balance(ctx context.Context, principal, asset string) (int64, error) {
	return balanceFor(ctx, t.tx, principal, asset)
}

func (t *pgTx) SetBalance(ctx context.Context, principal, asset string, amount int64) error {
	if amount < 0 {
		return ErrInsufficientBalance
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO balances (principal, asset, amount) VALUES ($1, $2, $3)
        ON CONFLICT (principal, asset) DO UPDATE SET amount = EXCLUDED.amount, updated_at = now()`,
		principal, asset, amount)
	return err
}

func (t *pgTx) Nonce(_ context.Context) (uint64, error) {
	return t.nonce, nil
}

func (t *pgTx) SetNonce(ctx context.Context, n uint64) error {
	v, err := encodeNonce(n)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `UPDATE ledger_state SET nonce = $1 WHERE id = 1`, v); err != nil {
		return err
	}
	t.nonce = n
	return nil
}

func (t *pgTx) WithdrawalRequest(ctx context.Context, id string) (WithdrawalRequest, error) {
	return requestFor(ctx, t.tx, id, true)
}

func (t *pgTx) PutWithdrawalRequest(ctx context.Context, r WithdrawalRequest) error {
	var nonce *int64
	if r.Nonce != nil {
		v, err := encodeNonce(*r.Nonce)
		if err != nil {
			return err
		}
		nonce = &v
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO withdrawal_requests
        (id, principal, asset, amount, status, reason, nonce, created_at, processed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason,
            nonce = EXCLUDED.nonce, processed_at = EXCLUDED.processed_at`,
		r.ID, r.User, r.Asset, r.Amount, r.Status, r.Reason, nonce, r.CreatedAt, r.ProcessedAt)
	return err
}

// WithdrawalRequest loads one request by id.
func (l *PostgresLedger) WithdrawalRequest(ctx context.Context, id string) (WithdrawalRequest, error) {
	return requestFor(ctx, l.db, id, false)
}

// WithdrawalRequests lists requests oldest first.
func (l *PostgresLedger) WithdrawalRequests(ctx context.Context, status string, limit int) ([]WithdrawalRequest, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := l.db.Query(ctx, `SELECT `+requestColumns+` FROM withdrawal_requests
        WHERE ($1 = '' OR status = $1) ORDER BY created_at, id LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]WithdrawalRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const requestColumns = `id, principal, asset, amount, status, reason, nonce, created_at, processed_at`

func requestFor(ctx context.Context, q queryRower, id string, forUpdate bool) (WithdrawalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM withdrawal_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanRequest(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return WithdrawalRequest{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return r, err
}

func scanRequest(row pgx.Row) (WithdrawalRequest, error) {
	var (
		r         WithdrawalRequest
		nonce     *int64
		processed *time.Time
	)
	if err := row.Scan(&r.ID, &r.User, &r.Asset, &r.Amount, &r.Status, &r.Reason, &nonce, &r.CreatedAt, &processed); err != nil {
		return WithdrawalRequest{}, err
	}
	if nonce != nil {
		n, err := decodeNonce(*nonce)
		if err != nil {
			return WithdrawalRequest{}, err
		}
		r.Nonce = &n
	}
	r.ProcessedAt = processed
	return r, nil
}

// The nonce column is BIGINT, so this backend stops at math.MaxInt64 rather
// than math.MaxUint64.
func encodeNonce(n uint64) (int64, error) {
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d does not fit a BIGINT column", ErrNonceRange, n)
	}
	return int64(n), nil
}

func decodeNonce(v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: stored nonce %d is negative", ErrNonceRange, v)
	}
	return uint64(v), nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func balanceFor(ctx context.Context, q queryRower, principal, asset string) (int64, error) {
	const query = `SELECT amount FROM balances WHERE principal = $1 AND asset = $2`
	var balance int64
	if err := q.QueryRow(ctx, query, principal, asset).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}
