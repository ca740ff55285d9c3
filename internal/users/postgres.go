package users

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"decenterai/internal/database"
)

const createProfilesSQL = `
CREATE TABLE IF NOT EXISTS user_profiles (
    id UUID PRIMARY KEY,
    wallet TEXT NOT NULL,
    email TEXT,
    unreal_token TEXT,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    is_admin BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createWalletIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS user_profiles_wallet_lower_idx ON user_profiles (LOWER(wallet));
`

type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(ctx context.Context, pool *pgxpool.Pool) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if err := database.Migrate(ctx, pool, createProfilesSQL, createWalletIndexSQL); err != nil {
		return nil, err
	}
	return &PostgresDirectory{pool: pool}, nil
}

const selectUserSQL = `
SELECT id::text, wallet, COALESCE(email, ''), COALESCE(unreal_token, ''), is_active, is_admin, created_at
FROM user_profiles
`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Wallet, &u.Email, &u.UnrealToken, &u.IsActive, &u.IsAdmin, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (d *PostgresDirectory) GetUserByWallet(ctx context.Context, wallet string) (*User, error) {
	if strings.TrimSpace(wallet) == "" {
		return nil, ErrMissingWallet
	}
	return scanUser(d.pool.QueryRow(ctx, selectUserSQL+`WHERE LOWER(wallet) = $1`, normalizeWallet(wallet)))
}

func (d *PostgresDirectory) GetOrCreateUser(ctx context.Context, email, wallet string) (*User, bool, error) {
	if strings.TrimSpace(wallet) == "" {
		return nil, false, ErrMissingWallet
	}
	if email != "" {
		u, err := scanUser(d.pool.QueryRow(ctx, selectUserSQL+`WHERE LOWER(email) = LOWER($1) LIMIT 1`, email))
		if err == nil {
			return u, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	var emailArg *string
	if email != "" {
		emailArg = &email
	}
	u, err := scanUser(d.pool.QueryRow(ctx, `
INSERT INTO user_profiles (id, wallet, email, is_active, is_admin)
VALUES ($1, $2, $3, TRUE, FALSE)
ON CONFLICT ((LOWER(wallet))) DO NOTHING
RETURNING id::text, wallet, COALESCE(email, ''), COALESCE(unreal_token, ''), is_active, is_admin, created_at
`, uuid.NewString(), strings.TrimSpace(wallet), emailArg))
	if errors.Is(err, ErrNotFound) {
		existing, err := d.GetUserByWallet(ctx, wallet)
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

func (d *PostgresDirectory) UpdateUserUnrealToken(ctx context.Context, wallet, token string) error {
	return d.setToken(ctx, wallet, &token)
}

func (d *PostgresDirectory) DeleteUnrealTokenByWallet(ctx context.Context, wallet string) error {
	return d.setToken(ctx, wallet, nil)
}

func (d *PostgresDirectory) setToken(ctx context.Context, wallet string, token *string) error {
	if strings.TrimSpace(wallet) == "" {
		return ErrMissingWallet
	}
	tag, err := d.pool.Exec(ctx, `UPDATE user_profiles SET unreal_token = $2 WHERE LOWER(wallet) = $1`, normalizeWallet(wallet), token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
