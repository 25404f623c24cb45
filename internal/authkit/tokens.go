package authkit

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tyemirov/contactsauth/pkg/sessionvalidator"
)

// Scope and intent tags carried in the "scope" claim.
const (
	ScopeAccess             = "access"
	ScopeRefresh            = "refresh"
	IntentEmailVerification = "email_verification"
	IntentPasswordReset     = "password_reset"
)

const (
	keyIDAccess  = "access"
	keyIDRefresh = "refresh"
	keyIDPurpose = "purpose"
)

// MintedToken is a freshly signed token with its validity window.
type MintedToken struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// VerifiedToken carries the claims AuthService needs from a verified token.
type VerifiedToken struct {
	Subject     string
	ExpiresAt   time.Time
	Fingerprint string
}

type tokenClass struct {
	keyID      string
	signingKey []byte
	ttl        time.Duration
	validator  *sessionvalidator.Validator
}

// TokenCodec signs and verifies access, refresh, and purpose tokens, each class
// under its own secret.
type TokenCodec struct {
	issuer  string
	clock   Clock
	access  tokenClass
	refresh tokenClass
	purpose map[string]tokenClass
}

// NewTokenCodec validates the secret material and builds one validator per class.
func NewTokenCodec(secrets SecretMaterial, ttls TokenTTLs, clock Clock) (*TokenCodec, error) {
	if err := secrets.Validate(); err != nil {
		return nil, fmt.Errorf("token_codec.new: %w", err)
	}
	if ttls.Access <= 0 || ttls.Refresh <= 0 || ttls.Purpose <= 0 {
		return nil, fmt.Errorf("token_codec.new: non-positive ttl")
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	codec := &TokenCodec{
		issuer:  secrets.Issuer,
		clock:   clock,
		purpose: make(map[string]tokenClass, 2),
	}
	var err error
	if codec.access, err = codec.buildClass(keyIDAccess, ScopeAccess, secrets.AccessKey, ttls.Access); err != nil {
		return nil, err
	}
	if codec.refresh, err = codec.buildClass(keyIDRefresh, ScopeRefresh, secrets.RefreshKey, ttls.Refresh); err != nil {
		return nil, err
	}
	for _, intent := range []string{IntentEmailVerification, IntentPasswordReset} {
		class, classErr := codec.buildClass(keyIDPurpose, intent, secrets.PurposeKey, ttls.Purpose)
		if classErr != nil {
			return nil, classErr
		}
		codec.purpose[intent] = class
	}
	return codec, nil
}

func (codec *TokenCodec) buildClass(keyID string, scope string, signingKey []byte, ttl time.Duration) (tokenClass, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: signingKey,
		Issuer:     codec.issuer,
		Scope:      scope,
		Clock:      codec.clock,
	})
	if err != nil {
		return tokenClass{}, fmt.Errorf("token_codec.new.%s: %w", scope, err)
	}
	return tokenClass{keyID: keyID, signingKey: signingKey, ttl: ttl, validator: validator}, nil
}

// MintAccess signs a short-lived access token for subject.
func (codec *TokenCodec) MintAccess(subject string) (MintedToken, error) {
	return codec.mint(codec.access, subject, "")
}

// MintRefresh signs a long-lived refresh token for subject.
func (codec *TokenCodec) MintRefresh(subject string) (MintedToken, error) {
	return codec.mint(codec.refresh, subject, "")
}

// MintPurpose signs a single-intent token. The fingerprint is optional and is
// echoed back by VerifyPurpose.
func (codec *TokenCodec) MintPurpose(subject string, intent string, fingerprint string) (MintedToken, error) {
	class, ok := codec.purpose[intent]
	if !ok {
		return MintedToken{}, fmt.Errorf("token_codec.mint.%s: %w", intent, ErrUnknownIntent)
	}
	return codec.mint(class, subject, fingerprint)
}

// VerifyAccess checks signature, issuer, scope, and expiry of an access token.
func (codec *TokenCodec) VerifyAccess(tokenString string) (VerifiedToken, error) {
	return verifyWith(codec.access, tokenString)
}

// VerifyRefresh checks signature, issuer, scope, and expiry of a refresh token.
func (codec *TokenCodec) VerifyRefresh(tokenString string) (VerifiedToken, error) {
	return verifyWith(codec.refresh, tokenString)
}

// VerifyPurpose accepts only tokens minted for intent.
func (codec *TokenCodec) VerifyPurpose(tokenString string, intent string) (VerifiedToken, error) {
	class, ok := codec.purpose[intent]
	if !ok {
		return VerifiedToken{}, fmt.Errorf("token_codec.verify.%s: %w", intent, ErrUnknownIntent)
	}
	return verifyWith(class, tokenString)
}

func (codec *TokenCodec) mint(class tokenClass, subject string, fingerprint string) (MintedToken, error) {
	if strings.TrimSpace(subject) == "" {
		return MintedToken{}, fmt.Errorf("token_codec.mint.%s: %w", class.validator.Scope(), ErrEmptySubject)
	}
	issuedAt := codec.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(class.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		Scope:       class.validator.Scope(),
		Fingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    codec.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	token.Header["kid"] = class.keyID
	signed, err := token.SignedString(class.signingKey)
	if err != nil {
		return MintedToken{}, fmt.Errorf("token_codec.mint.%s: %w", class.validator.Scope(), err)
	}
	return MintedToken{Value: signed, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

func verifyWith(class tokenClass, tokenString string) (VerifiedToken, error) {
	claims, err := class.validator.ValidateToken(tokenString)
	if err != nil {
		return VerifiedToken{}, fmt.Errorf("token_codec.verify.%s: %w", class.validator.Scope(), err)
	}
	return VerifiedToken{
		Subject:     claims.GetUserEmail(),
		ExpiresAt:   claims.GetExpiresAt(),
		Fingerprint: claims.Fingerprint,
	}, nil
}
