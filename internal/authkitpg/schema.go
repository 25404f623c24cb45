package authkitpg

import (
	"context"
	"fmt"
)

// EnsureSchema creates the principals table if it does not exist.
func EnsureSchema(ctx context.Context, db execer) error {
	_, err := db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS principals (
    id BIGSERIAL PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    confirmed BOOLEAN NOT NULL DEFAULT FALSE,
    refresh_token_digest TEXT NOT NULL DEFAULT '',
    avatar_url TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("credential_store.migrate.pgx: %w", err)
	}
	return nil
}
