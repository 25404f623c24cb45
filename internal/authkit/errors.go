package authkit

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials covers bad, expired, or forged tokens and failed logins.
	ErrInvalidCredentials = errors.New("auth.invalid_credentials")
	// ErrInvalidEmail indicates no principal is registered for the login email.
	ErrInvalidEmail = fmt.Errorf("auth.invalid_email: %w", ErrInvalidCredentials)
	// ErrInvalidPassword indicates the login password did not match.
	ErrInvalidPassword = fmt.Errorf("auth.invalid_password: %w", ErrInvalidCredentials)
	// ErrEmailNotConfirmed blocks login until the email address is confirmed.
	ErrEmailNotConfirmed = errors.New("auth.email_not_confirmed")
	// ErrInvalidOrExpiredToken covers every purpose-token failure.
	ErrInvalidOrExpiredToken = errors.New("auth.invalid_or_expired_token")
	// ErrAccountAlreadyExists is returned by Signup for a registered email.
	ErrAccountAlreadyExists = errors.New("auth.account_already_exists")
	// ErrStorageUnavailable wraps credential store failures.
	ErrStorageUnavailable = errors.New("auth.storage_unavailable")
	// ErrPasswordPolicy rejects passwords that cannot be accepted.
	ErrPasswordPolicy = errors.New("auth.password_policy")
	// ErrInvalidEmailAddress rejects syntactically invalid signup emails.
	ErrInvalidEmailAddress = errors.New("auth.invalid_email_address")
	// ErrInvalidAvatarURL rejects avatar references that are not absolute http(s) URLs.
	ErrInvalidAvatarURL = errors.New("auth.invalid_avatar_url")
)

var (
	// ErrPrincipalNotFound indicates no principal matched the lookup.
	ErrPrincipalNotFound = errors.New("credential_store.not_found")
	// ErrPrincipalExists indicates the email is already registered.
	ErrPrincipalExists = errors.New("credential_store.already_exists")
	// ErrRefreshTokenMismatch indicates a compare-and-swap lost against a newer refresh token.
	ErrRefreshTokenMismatch = errors.New("credential_store.refresh_mismatch")
)

var (
	// ErrMissingIssuer indicates the secret material has no issuer.
	ErrMissingIssuer = errors.New("secret_material.missing_issuer")
	// ErrMissingSigningKey indicates a token class has no signing key.
	ErrMissingSigningKey = errors.New("secret_material.missing_signing_key")
	// ErrSharedSigningKey indicates two token classes share a signing key.
	ErrSharedSigningKey = errors.New("secret_material.shared_signing_key")
	// ErrEmptySubject rejects minting tokens without a subject.
	ErrEmptySubject = errors.New("token_codec.empty_subject")
	// ErrUnknownIntent rejects purpose tokens for unsupported intents.
	ErrUnknownIntent = errors.New("token_codec.unknown_intent")
)

// storageFailure classifies a store error. Caller cancellation is reported as
// such rather than as an unavailable store.
func storageFailure(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return fmt.Errorf("%s: %w: %w", operation, ErrStorageUnavailable, err)
}
