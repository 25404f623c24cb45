package authkit

import "context"

// CredentialStore persists principals through narrow single-field writes.
// Implementations return ErrPrincipalNotFound for unknown ids and emails.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (Principal, error)
	Create(ctx context.Context, principal Principal) (Principal, error)
	// SetRefreshToken overwrites the stored digest. An empty digest clears it.
	SetRefreshToken(ctx context.Context, principalID int64, digest string) error
	// SwapRefreshToken replaces expectedDigest with nextDigest atomically and
	// returns ErrRefreshTokenMismatch when the stored digest differs.
	SwapRefreshToken(ctx context.Context, principalID int64, expectedDigest string, nextDigest string) error
	SetConfirmed(ctx context.Context, principalID int64) error
	// SetPasswordHash replaces the password digest and clears the refresh digest in the same write.
	SetPasswordHash(ctx context.Context, principalID int64, digest string) error
	SetAvatar(ctx context.Context, principalID int64, avatarURL string) error
}
