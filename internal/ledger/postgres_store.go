package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"decenterai/internal/database"
)

// PostgresStore persists claims and records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createClaimsSQL = `
CREATE TABLE IF NOT EXISTS payment_claims (
    transaction_hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    state TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createRecordsSQL = `
CREATE TABLE IF NOT EXISTS payment_records (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    wallet_address TEXT NOT NULL,
    transaction_hash TEXT NOT NULL UNIQUE,
    reward_transaction_hash TEXT,
    amount_usdc NUMERIC(20, 6) NOT NULL,
    credits BIGINT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    verified_at TIMESTAMPTZ
);
`

const createStatusIndexSQL = `
CREATE INDEX IF NOT EXISTS payment_records_status_created_idx
    ON payment_records (status, created_at);
`

// NewPostgresStore ensures the tables exist on the given pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if err := database.Migrate(ctx, pool, createClaimsSQL, createRecordsSQL, createStatusIndexSQL); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

const selectRecordSQL = `
SELECT id::text, user_id, wallet_address, transaction_hash, COALESCE(reward_transaction_hash, ''),
       amount_usdc::text, credits, status, created_at, verified_at
FROM payment_records
`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		amount string
		status string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.WalletAddress, &rec.TransactionHash, &rec.RewardTransactionHash,
		&amount, &rec.Credits, &status, &rec.CreatedAt, &rec.VerifiedAt); err != nil {
		return Record{}, err
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return Record{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	rec.AmountUSDC = dec
	rec.Status = Status(status)
	return rec, nil
}

func (p *PostgresStore) Get(ctx context.Context, txHash string) (*Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, selectRecordSQL+`WHERE transaction_hash = $1`, NormalizeHash(txHash)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) Reserve(ctx context.Context, txHash, userID string) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO payment_claims (transaction_hash, user_id, state)
VALUES ($1, $2, $3)
`, NormalizeHash(txHash), userID, string(ReservationReserved))
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) MarkReservation(ctx context.Context, txHash string, state ReservationState) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE payment_claims SET state = $2, updated_at = NOW()
WHERE transaction_hash = $1
`, NormalizeHash(txHash), string(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListReservations(ctx context.Context, state ReservationState, limit int) ([]Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT transaction_hash, user_id, state, created_at
FROM payment_claims
WHERE state = $1
ORDER BY created_at ASC
LIMIT $2
`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var (
			res   Reservation
			state string
		)
		if err := rows.Scan(&res.TransactionHash, &res.UserID, &state, &res.CreatedAt); err != nil {
			return nil, err
		}
		res.State = ReservationState(state)
		out = append(out, res)
	}
	return out, rows.Err()
}

// Release deletes the claim row only while it is disbursement_failed and no
// record exists for the hash.
func (p *PostgresStore) Release(ctx context.Context, txHash string) error {
	key := NormalizeHash(txHash)
	tag, err := p.pool.Exec(ctx, `
DELETE FROM payment_claims c
WHERE c.transaction_hash = $1 AND c.state = $2
  AND NOT EXISTS (SELECT 1 FROM payment_records r WHERE r.transaction_hash = c.transaction_hash)
`, key, string(ReservationDisbursementFailed))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_claims WHERE transaction_hash = $1)`, key).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotReleasable
}

func (p *PostgresStore) Insert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var reward *string
	if rec.RewardTransactionHash != "" {
		reward = &rec.RewardTransactionHash
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO payment_records (id, user_id, wallet_address, transaction_hash, reward_transaction_hash,
                             amount_usdc, credits, status, created_at, verified_at)
VALUES ($1, $2, $3, $4, $5, CAST($6 AS TEXT)::numeric, $7, $8, $9, $10)
`, rec.ID, rec.UserID, rec.WalletAddress, NormalizeHash(rec.TransactionHash), reward,
		rec.AmountUSDC.String(), rec.Credits, string(rec.Status), rec.CreatedAt, rec.VerifiedAt)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, txHash string, status Status, verifiedAt *time.Time) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE payment_records SET status = $2, verified_at = $3
WHERE transaction_hash = $1
`, NormalizeHash(txHash), string(status), verifiedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, createdBefore time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	if createdBefore.IsZero() {
		createdBefore = time.Now().Add(time.Hour)
	}
	rows, err := p.pool.Query(ctx, selectRecordSQL+`
WHERE status = $1 AND created_at < $2
ORDER BY created_at ASC
LIMIT $3
`, string(status), createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumCredits(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(SUM(credits), 0)::bigint FROM payment_records WHERE user_id = $1`, userID).Scan(&total)
	return total, err
}
