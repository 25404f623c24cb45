package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tyemirov/contactsauth/internal/authkit"
)

const uniqueViolationCode = "23505"

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type querier interface {
	execer
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// PostgresCredentialStore persists principals through a pgx pool.
type PostgresCredentialStore struct {
	db    querier
	clock authkit.Clock
}

// NewPostgresCredentialStore constructs a Postgres store. db is usually a *pgxpool.Pool.
func NewPostgresCredentialStore(db querier, clock authkit.Clock) *PostgresCredentialStore {
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	return &PostgresCredentialStore{db: db, clock: clock}
}

// FindByEmail loads a principal by normalized email.
func (store *PostgresCredentialStore) FindByEmail(ctx context.Context, email string) (authkit.Principal, error) {
	var principal authkit.Principal
	row := store.db.QueryRow(ctx, `
SELECT id, email, password_hash, confirmed, refresh_token_digest, avatar_url, created_at
FROM principals
WHERE email = $1
`, authkit.NormalizeEmail(email))
	scanErr := row.Scan(
		&principal.ID,
		&principal.Email,
		&principal.PasswordHash,
		&principal.Confirmed,
		&principal.RefreshTokenDigest,
		&principal.AvatarURL,
		&principal.CreatedAt,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.Principal{}, fmt.Errorf("credential_store.find.pgx: %w", authkit.ErrPrincipalNotFound)
		}
		return authkit.Principal{}, fmt.Errorf("credential_store.find.pgx: %w", scanErr)
	}
	principal.CreatedAt = principal.CreatedAt.UTC()
	return principal, nil
}

// Create inserts a principal. A conflicting email yields ErrPrincipalExists.
func (store *PostgresCredentialStore) Create(ctx context.Context, principal authkit.Principal) (authkit.Principal, error) {
	principal.Email = authkit.NormalizeEmail(principal.Email)
	if principal.CreatedAt.IsZero() {
		principal.CreatedAt = store.clock.Now().UTC().Truncate(time.Microsecond)
	}
	row := store.db.QueryRow(ctx, `
INSERT INTO principals (email, password_hash, confirmed, refresh_token_digest, avatar_url, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (email) DO NOTHING
RETURNING id
`, principal.Email, principal.PasswordHash, principal.Confirmed, principal.RefreshTokenDigest, principal.AvatarURL, principal.CreatedAt)
	if scanErr := row.Scan(&principal.ID); scanErr != nil {
		var pgErr *pgconn.PgError
		if errors.Is(scanErr, pgx.ErrNoRows) || (errors.As(scanErr, &pgErr) && pgErr.Code == uniqueViolationCode) {
			return authkit.Principal{}, fmt.Errorf("credential_store.create.pgx: %w", authkit.ErrPrincipalExists)
		}
		return authkit.Principal{}, fmt.Errorf("credential_store.create.pgx: %w", scanErr)
	}
	return principal, nil
}

// SetRefreshToken overwrites the stored refresh digest.
func (store *PostgresCredentialStore) SetRefreshToken(ctx context.Context, principalID int64, digest string) error {
	return store.update(ctx, "set_refresh_token", `UPDATE principals SET refresh_token_digest = $2 WHERE id = $1`, principalID, digest)
}

// SwapRefreshToken replaces the refresh digest only if it still equals expectedDigest.
func (store *PostgresCredentialStore) SwapRefreshToken(ctx context.Context, principalID int64, expectedDigest string, nextDigest string) error {
	if expectedDigest == "" {
		return fmt.Errorf("credential_store.swap_refresh_token.pgx: %w", authkit.ErrRefreshTokenMismatch)
	}
	tag, err := store.db.Exec(ctx, `
UPDATE principals
SET refresh_token_digest = $3
WHERE id = $1 AND refresh_token_digest = $2
`, principalID, expectedDigest, nextDigest)
	if err != nil {
		return fmt.Errorf("credential_store.swap_refresh_token.pgx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if existsErr := store.ensureExists(ctx, principalID); existsErr != nil {
			return fmt.Errorf("credential_store.swap_refresh_token.pgx: %w", existsErr)
		}
		return fmt.Errorf("credential_store.swap_refresh_token.pgx: %w", authkit.ErrRefreshTokenMismatch)
	}
	return nil
}

// SetConfirmed flips the confirmed flag.
func (store *PostgresCredentialStore) SetConfirmed(ctx context.Context, principalID int64) error {
	return store.update(ctx, "set_confirmed", `UPDATE principals SET confirmed = TRUE WHERE id = $1`, principalID)
}

// SetPasswordHash replaces the password digest and clears the refresh digest.
func (store *PostgresCredentialStore) SetPasswordHash(ctx context.Context, principalID int64, digest string) error {
	return store.update(ctx, "set_password_hash", `UPDATE principals SET password_hash = $2, refresh_token_digest = '' WHERE id = $1`, principalID, digest)
}

// SetAvatar replaces the avatar reference.
func (store *PostgresCredentialStore) SetAvatar(ctx context.Context, principalID int64, avatarURL string) error {
	return store.update(ctx, "set_avatar", `UPDATE principals SET avatar_url = $2 WHERE id = $1`, principalID, avatarURL)
}

func (store *PostgresCredentialStore) update(ctx context.Context, operation string, statement string, arguments ...any) error {
	tag, err := store.db.Exec(ctx, statement, arguments...)
	if err != nil {
		return fmt.Errorf("credential_store.%s.pgx: %w", operation, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential_store.%s.pgx: %w", operation, authkit.ErrPrincipalNotFound)
	}
	return nil
}

func (store *PostgresCredentialStore) ensureExists(ctx context.Context, principalID int64) error {
	var found int
	err := store.db.QueryRow(ctx, `SELECT 1 FROM principals WHERE id = $1`, principalID).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return authkit.ErrPrincipalNotFound
	}
	return err
}
