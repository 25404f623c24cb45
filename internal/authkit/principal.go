package authkit

import (
	"strings"
	"time"
)

// Principal is the authenticated identity owned by the CredentialStore.
type Principal struct {
	ID                 int64     `json:"id"`
	Email              string    `json:"email"`
	PasswordHash       string    `json:"-"`
	Confirmed          bool      `json:"confirmed"`
	RefreshTokenDigest string    `json:"-"`
	AvatarURL          string    `json:"avatar_url,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Snapshot returns a copy stripped of the password hash and refresh token digest.
func (principal Principal) Snapshot() Principal {
	principal.PasswordHash = ""
	principal.RefreshTokenDigest = ""
	return principal
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
