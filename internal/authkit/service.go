package authkit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	minPasswordLength = 5
	maxPasswordLength = 128
	tokenTypeBearer   = "bearer"
)

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// ConfirmationOutcome distinguishes a fresh confirmation from a repeated one.
type ConfirmationOutcome string

const (
	OutcomeConfirmed        ConfirmationOutcome = "confirmed"
	OutcomeAlreadyConfirmed ConfirmationOutcome = "already_confirmed"
)

// ServiceDependencies wires collaborators into AuthService. Store, Hasher, and
// Codec are required; the rest default to no-op implementations.
type ServiceDependencies struct {
	Store    CredentialStore
	Hasher   PasswordHasher
	Codec    *TokenCodec
	Cache    VerificationCache
	CacheTTL time.Duration
	Mailer   Mailer
	Avatars  AvatarResolver
	Metrics  MetricsRecorder
	Logger   *zap.Logger
	Clock    Clock
}

// AuthService orchestrates login, verification, refresh rotation, and the
// out-of-band confirmation and reset flows.
type AuthService struct {
	store    CredentialStore
	hasher   PasswordHasher
	codec    *TokenCodec
	cache    VerificationCache
	cacheTTL time.Duration
	mailer   Mailer
	avatars  AvatarResolver
	metrics  MetricsRecorder
	logger   *zap.Logger
	clock    Clock
	locks    *subjectLocks
	misses   singleflight.Group

	dummyOnce sync.Once
	dummy     string
}

// NewAuthService validates dependencies and fills defaults.
func NewAuthService(dependencies ServiceDependencies) (*AuthService, error) {
	if dependencies.Store == nil {
		return nil, errors.New("auth.service.new: credential store is required")
	}
	if dependencies.Hasher == nil {
		return nil, errors.New("auth.service.new: password hasher is required")
	}
	if dependencies.Codec == nil {
		return nil, errors.New("auth.service.new: token codec is required")
	}
	service := &AuthService{
		store:    dependencies.Store,
		hasher:   dependencies.Hasher,
		codec:    dependencies.Codec,
		cache:    dependencies.Cache,
		cacheTTL: dependencies.CacheTTL,
		mailer:   dependencies.Mailer,
		avatars:  dependencies.Avatars,
		metrics:  dependencies.Metrics,
		logger:   dependencies.Logger,
		clock:    dependencies.Clock,
		locks:    newSubjectLocks(),
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	if service.cache == nil {
		service.cache = NoopVerificationCache{}
	}
	if service.mailer == nil {
		service.mailer = NewLogMailer(service.logger, "")
	}
	if service.metrics == nil {
		service.metrics = noopMetrics{}
	}
	if service.clock == nil {
		service.clock = NewSystemClock()
	}
	return service, nil
}

// Login verifies the password of a confirmed principal and issues a token pair.
// The stored refresh digest is the single write.
func (service *AuthService) Login(ctx context.Context, email string, password string) (TokenPair, error) {
	subject := NormalizeEmail(email)
	principal, findErr := service.store.FindByEmail(ctx, subject)
	if findErr != nil {
		service.metrics.Increment(metricLoginFailure)
		if errors.Is(findErr, ErrPrincipalNotFound) {
			service.hasher.Verify(password, service.dummyDigest())
			return TokenPair{}, fmt.Errorf("auth.login: %w", ErrInvalidEmail)
		}
		return TokenPair{}, storageFailure("auth.login", findErr)
	}
	if !service.hasher.Verify(password, principal.PasswordHash) {
		service.metrics.Increment(metricLoginFailure)
		return TokenPair{}, fmt.Errorf("auth.login: %w", ErrInvalidPassword)
	}
	if !principal.Confirmed {
		service.metrics.Increment(metricLoginFailure)
		return TokenPair{}, fmt.Errorf("auth.login: %w", ErrEmailNotConfirmed)
	}

	unlock := service.locks.Lock(principal.Email)
	defer unlock()

	pair, mintErr := service.mintPair(principal.Email)
	if mintErr != nil {
		return TokenPair{}, fmt.Errorf("auth.login: %w", mintErr)
	}
	if err := service.store.SetRefreshToken(ctx, principal.ID, DigestToken(pair.RefreshToken)); err != nil {
		return TokenPair{}, storageFailure("auth.login", err)
	}
	service.metrics.Increment(metricLoginSuccess)
	return pair, nil
}

// dummyDigest is a digest of a random password made with the configured
// hasher. Unknown emails are verified against it so Login costs the same
// whether or not the account exists.
func (service *AuthService) dummyDigest() string {
	service.dummyOnce.Do(func() {
		seed, err := randomBytes(18)
		if err == nil {
			service.dummy, err = service.hasher.Hash(base64.RawURLEncoding.EncodeToString(seed))
		}
		if err != nil {
			service.logger.Warn("dummy password digest unavailable",
				zap.String("code", "auth.login.dummy_digest_failed"),
				zap.Error(err),
			)
		}
	})
	return service.dummy
}

// AuthenticateRequest resolves an access token to its principal, consulting the
// cache first. Every verification failure is ErrInvalidCredentials.
func (service *AuthService) AuthenticateRequest(ctx context.Context, accessToken string) (Principal, error) {
	cached, hit, lookupErr := service.cache.Lookup(ctx, accessToken)
	if lookupErr != nil {
		service.logger.Warn("verification cache lookup failed",
			zap.String("code", "auth.cache.lookup_failed"),
			zap.Error(lookupErr),
		)
	}
	if hit {
		service.metrics.Increment(metricAuthenticateCacheHit)
		return cached, nil
	}
	service.metrics.Increment(metricAuthenticateCacheMiss)

	verified, verifyErr := service.codec.VerifyAccess(accessToken)
	if verifyErr != nil {
		service.metrics.Increment(metricAuthenticateFailure)
		service.logger.Debug("access token rejected", zap.Error(verifyErr))
		return Principal{}, fmt.Errorf("auth.authenticate: %w", ErrInvalidCredentials)
	}

	// The fill runs detached so one abandoned caller cannot fail the others
	// sharing it; each caller still returns as soon as its own ctx ends.
	fill := service.misses.DoChan(DigestToken(accessToken), func() (interface{}, error) {
		return service.resolveVerified(context.WithoutCancel(ctx), accessToken, verified)
	})
	select {
	case <-ctx.Done():
		return Principal{}, fmt.Errorf("auth.authenticate: %w", ctx.Err())
	case outcome := <-fill:
		if outcome.Err != nil {
			service.metrics.Increment(metricAuthenticateFailure)
			return Principal{}, outcome.Err
		}
		return outcome.Val.(Principal), nil
	}
}

// resolveVerified reconfirms the subject and fills the cache while holding the
// subject's shared lock, so a concurrent mutation cannot be followed by a stale Put.
func (service *AuthService) resolveVerified(ctx context.Context, accessToken string, verified VerifiedToken) (Principal, error) {
	unlock := service.locks.RLock(verified.Subject)
	defer unlock()

	principal, findErr := service.store.FindByEmail(ctx, verified.Subject)
	if findErr != nil {
		if errors.Is(findErr, ErrPrincipalNotFound) {
			return Principal{}, fmt.Errorf("auth.authenticate: %w", ErrInvalidCredentials)
		}
		return Principal{}, storageFailure("auth.authenticate", findErr)
	}
	snapshot := principal.Snapshot()
	ttl := verified.ExpiresAt.Sub(service.clock.Now())
	if service.cacheTTL > 0 && ttl > service.cacheTTL {
		ttl = service.cacheTTL
	}
	if putErr := service.cache.Put(ctx, accessToken, snapshot, ttl); putErr != nil {
		service.logger.Warn("verification cache put failed",
			zap.String("code", "auth.cache.put_failed"),
			zap.String("subject", verified.Subject),
			zap.Error(putErr),
		)
	}
	return snapshot, nil
}

// Refresh rotates the refresh token. A superseded token, or the loser of a
// concurrent rotation, receives ErrInvalidCredentials.
func (service *AuthService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	verified, verifyErr := service.codec.VerifyRefresh(refreshToken)
	if verifyErr != nil {
		service.metrics.Increment(metricRefreshFailure)
		service.logger.Debug("refresh token rejected", zap.Error(verifyErr))
		return TokenPair{}, fmt.Errorf("auth.refresh: %w", ErrInvalidCredentials)
	}

	unlock := service.locks.Lock(verified.Subject)
	defer unlock()

	principal, findErr := service.store.FindByEmail(ctx, verified.Subject)
	if findErr != nil {
		service.metrics.Increment(metricRefreshFailure)
		if errors.Is(findErr, ErrPrincipalNotFound) {
			return TokenPair{}, fmt.Errorf("auth.refresh: %w", ErrInvalidCredentials)
		}
		return TokenPair{}, storageFailure("auth.refresh", findErr)
	}
	presentedDigest := DigestToken(refreshToken)
	if !digestsEqual(principal.RefreshTokenDigest, presentedDigest) {
		service.reportRefreshReuse(verified.Subject)
		return TokenPair{}, fmt.Errorf("auth.refresh: %w", ErrInvalidCredentials)
	}

	pair, mintErr := service.mintPair(principal.Email)
	if mintErr != nil {
		return TokenPair{}, fmt.Errorf("auth.refresh: %w", mintErr)
	}
	if swapErr := service.store.SwapRefreshToken(ctx, principal.ID, presentedDigest, DigestToken(pair.RefreshToken)); swapErr != nil {
		if errors.Is(swapErr, ErrRefreshTokenMismatch) || errors.Is(swapErr, ErrPrincipalNotFound) {
			service.reportRefreshReuse(verified.Subject)
			return TokenPair{}, fmt.Errorf("auth.refresh: %w", ErrInvalidCredentials)
		}
		service.metrics.Increment(metricRefreshFailure)
		return TokenPair{}, storageFailure("auth.refresh", swapErr)
	}
	service.invalidate(ctx, principal.Email)
	service.metrics.Increment(metricRefreshSuccess)
	return pair, nil
}

func (service *AuthService) reportRefreshReuse(subject string) {
	service.metrics.Increment(metricRefreshReuse)
	service.logger.Warn("superseded refresh token presented",
		zap.String("code", "auth.refresh.reuse_detected"),
		zap.String("subject", subject),
	)
}

// Logout clears the stored refresh token and drops cached verifications.
// Outstanding access tokens stay valid until their own expiry.
func (service *AuthService) Logout(ctx context.Context, subject string) error {
	subject = NormalizeEmail(subject)
	unlock := service.locks.Lock(subject)
	defer unlock()

	principal, findErr := service.store.FindByEmail(ctx, subject)
	if findErr != nil {
		if errors.Is(findErr, ErrPrincipalNotFound) {
			return fmt.Errorf("auth.logout: %w", ErrInvalidCredentials)
		}
		return storageFailure("auth.logout", findErr)
	}
	if err := service.store.SetRefreshToken(ctx, principal.ID, ""); err != nil {
		return storageFailure("auth.logout", err)
	}
	service.invalidate(ctx, principal.Email)
	service.metrics.Increment(metricLogout)
	return nil
}

// RequestEmailConfirmation mails a confirmation link. It returns nil for
// unknown and already confirmed emails alike.
func (service *AuthService) RequestEmailConfirmation(ctx context.Context, email string) error {
	subject := NormalizeEmail(email)
	principal, findErr := service.store.FindByEmail(ctx, subject)
	if findErr != nil {
		if errors.Is(findErr, ErrPrincipalNotFound) {
			service.logger.Debug("confirmation requested for unknown email", zap.String("subject", subject))
			return nil
		}
		return storageFailure("auth.request_email_confirmation", findErr)
	}
	if principal.Confirmed {
		return nil
	}
	service.sendConfirmation(ctx, principal.Email)
	return nil
}

func (service *AuthService) sendConfirmation(ctx context.Context, subject string) {
	minted, mintErr := service.codec.MintPurpose(subject, IntentEmailVerification, "")
	if mintErr != nil {
		service.logger.Error("confirmation token mint failed",
			zap.String("code", "auth.mail.mint_failed"),
			zap.String("subject", subject),
			zap.Error(mintErr),
		)
		return
	}
	if sendErr := service.mailer.SendEmailConfirmation(ctx, subject, minted.Value); sendErr != nil {
		service.logger.Warn("confirmation mail failed",
			zap.String("code", "auth.mail.send_failed"),
			zap.String("subject", subject),
			zap.Error(sendErr),
		)
	}
}

// ConfirmEmail flips the confirmed flag. Repeating it reports OutcomeAlreadyConfirmed.
func (service *AuthService) ConfirmEmail(ctx context.Context, purposeToken string) (ConfirmationOutcome, error) {
	verified, verifyErr := service.codec.VerifyPurpose(purposeToken, IntentEmailVerification)
	if verifyErr != nil {
		service.logger.Debug("confirmation token rejected", zap.Error(verifyErr))
		return "", fmt.Errorf("auth.confirm_email: %w", ErrInvalidOrExpiredToken)
	}

	unlock := service.locks.Lock(verified.Subject)
	defer unlock()

	principal, findErr := service.store.FindByEmail(ctx, verified.Subject)
	if findErr != nil {
		if errors.Is(findErr, ErrPrincipalNotFound) {
			return "", fmt.Errorf("auth.confirm_email: %w", ErrInvalidOrExpiredToken)
		}
		return "", storageFailure("auth.confirm_email", findErr)
	}
	if principal.Confirmed {
		return OutcomeAlreadyConfirmed, nil
	}
	if err := service.store.SetConfirmed(ctx, principal.ID); err != nil {
		return "", storageFailure("auth.confirm_email", err)
	}
	service.invalidate(ctx, principal.Email)
	service.metrics.Increment(metricEmailConfirmed)
	return OutcomeConfirmed, nil
}

// RequestPasswordReset mails a reset link bound to the current password digest.
// It returns nil for unknown emails.
func (service *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	subject := NormalizeEmail(email)
	principal, findErr := service.store.FindByEmail(ctx, subject)
	if findErr != nil {
		if errors.Is(findErr, ErrPrincipalNotFound) {
			service.logger.Debug("password reset requested for unknown email", zap.String("subject", subject))
			return nil
		}
		return storageFailure("auth.request_password_reset", findErr)
	}
	minted, mintErr := service.codec.MintPurpose(principal.Email, IntentPasswordReset, PasswordFingerprint(principal.PasswordHash))
	if mintErr != nil {
		service.logger.Error("reset token mint failed",
			zap.String("code", "auth.mail.mint_failed"),
			zap.String("subject", principal.Email),
			zap.Error(mintErr),
		)
		return nil
	}
	if sendErr := service.mailer.SendPasswordReset(ctx, principal.Email, minted.Value); sendErr != nil {
		service.logger.Warn("password reset mail failed",
			zap.String("code", "auth.mail.send_failed"),
			zap.String("subject", principal.Email),
			zap.Error(sendErr),
		)
	}
	return nil
}

// ApplyPasswordReset replaces the password. The same write clears the refresh
// token, and the new digest invalidates the token's fingerprint.
func (service *AuthService) ApplyPasswordReset(ctx context.Context, purposeToken string, newPassword string) error {
	verified, verifyErr := service.codec.VerifyPurpose(purposeToken, IntentPasswordReset)
	if verifyErr != nil {
		service.logger.Debug("reset token rejected", zap.Error(verifyErr))
		return fmt.Errorf("auth.apply_password_reset: %w", ErrInvalidOrExpiredToken)
	}
	if err := checkPasswordPolicy(newPassword); err != nil {
		return fmt.Errorf("auth.apply_password_reset: %w", err)
	}
	digest, hashErr := service.hasher.Hash(newPassword)
	if hashErr != nil {
		return fmt.Errorf("auth.apply_password_reset: %w", hashErr)
	}

	unlock := service.locks.Lock(verified.Subject)
	defer unlock()

	principal, findErr := service.store.FindByEmail(ctx, verified.Subject)
	if findErr != nil {
		if errors.Is(findErr, ErrPrincipalNotFound) {
			return fmt.Errorf("auth.apply_password_reset: %w", ErrInvalidOrExpiredToken)
		}
		return storageFailure("auth.apply_password_reset", findErr)
	}
	if !digestsEqual(verified.Fingerprint, PasswordFingerprint(principal.PasswordHash)) {
		return fmt.Errorf("auth.apply_password_reset: %w", ErrInvalidOrExpiredToken)
	}
	if err := service.store.SetPasswordHash(ctx, principal.ID, digest); err != nil {
		return storageFailure("auth.apply_password_reset", err)
	}
	service.invalidate(ctx, principal.Email)
	service.metrics.Increment(metricPasswordReset)
	return nil
}

// Signup registers an unconfirmed principal and mails its confirmation link.
// Avatar and mail failures never abort it.
func (service *AuthService) Signup(ctx context.Context, email string, password string) (Principal, error) {
	subject, addressErr := normalizeAddress(email)
	if addressErr != nil {
		return Principal{}, fmt.Errorf("auth.signup: %w", addressErr)
	}
	if err := checkPasswordPolicy(password); err != nil {
		return Principal{}, fmt.Errorf("auth.signup: %w", err)
	}
	if _, findErr := service.store.FindByEmail(ctx, subject); findErr == nil {
		return Principal{}, fmt.Errorf("auth.signup: %w", ErrAccountAlreadyExists)
	} else if !errors.Is(findErr, ErrPrincipalNotFound) {
		return Principal{}, storageFailure("auth.signup", findErr)
	}
	digest, hashErr := service.hasher.Hash(password)
	if hashErr != nil {
		return Principal{}, fmt.Errorf("auth.signup: %w", hashErr)
	}
	candidate := Principal{Email: subject, PasswordHash: digest}
	if service.avatars != nil {
		if avatarURL, ok := service.avatars.Resolve(ctx, subject); ok {
			candidate.AvatarURL = avatarURL
		}
	}
	created, createErr := service.store.Create(ctx, candidate)
	if createErr != nil {
		if errors.Is(createErr, ErrPrincipalExists) {
			return Principal{}, fmt.Errorf("auth.signup: %w", ErrAccountAlreadyExists)
		}
		return Principal{}, storageFailure("auth.signup", createErr)
	}
	service.metrics.Increment(metricSignup)
	service.sendConfirmation(ctx, created.Email)
	return created.Snapshot(), nil
}

// UpdateAvatar stores a new avatar reference for subject.
func (service *AuthService) UpdateAvatar(ctx context.Context, subject string, avatarURL string) (Principal, error) {
	parsed, parseErr := url.ParseRequestURI(strings.TrimSpace(avatarURL))
	if parseErr != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
		return Principal{}, fmt.Errorf("auth.update_avatar: %w", ErrInvalidAvatarURL)
	}
	subject = NormalizeEmail(subject)
	unlock := service.locks.Lock(subject)
	defer unlock()

	principal, findErr := service.store.FindByEmail(ctx, subject)
	if findErr != nil {
		if errors.Is(findErr, ErrPrincipalNotFound) {
			return Principal{}, fmt.Errorf("auth.update_avatar: %w", ErrInvalidCredentials)
		}
		return Principal{}, storageFailure("auth.update_avatar", findErr)
	}
	if err := service.store.SetAvatar(ctx, principal.ID, parsed.String()); err != nil {
		return Principal{}, storageFailure("auth.update_avatar", err)
	}
	service.invalidate(ctx, principal.Email)
	principal.AvatarURL = parsed.String()
	return principal.Snapshot(), nil
}

func (service *AuthService) mintPair(subject string) (TokenPair, error) {
	access, accessErr := service.codec.MintAccess(subject)
	if accessErr != nil {
		return TokenPair{}, accessErr
	}
	refresh, refreshErr := service.codec.MintRefresh(subject)
	if refreshErr != nil {
		return TokenPair{}, refreshErr
	}
	return TokenPair{
		AccessToken:      access.Value,
		RefreshToken:     refresh.Value,
		TokenType:        tokenTypeBearer,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// invalidate runs after the durable write, so it ignores caller cancellation.
func (service *AuthService) invalidate(ctx context.Context, subject string) {
	if err := service.cache.Invalidate(context.WithoutCancel(ctx), subject); err != nil {
		service.logger.Error("verification cache invalidation failed",
			zap.String("code", "auth.cache.invalidate_failed"),
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

func checkPasswordPolicy(password string) error {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return ErrPasswordPolicy
	}
	return nil
}

func normalizeAddress(email string) (string, error) {
	normalized := NormalizeEmail(email)
	address, err := mail.ParseAddress(normalized)
	if err != nil || address.Address != normalized {
		return "", ErrInvalidEmailAddress
	}
	return normalized, nil
}
