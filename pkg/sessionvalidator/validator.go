package sessionvalidator

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator for one token class.
type Config struct {
	SigningKey []byte
	Issuer     string
	Scope      string
	Clock      Clock
}

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrMissingScope      = errors.New("session.validator.missing_scope")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrMalformedToken    = errors.New("session.validator.malformed")
	ErrInvalidSignature  = errors.New("session.validator.invalid_signature")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrWrongScope        = errors.New("session.validator.wrong_scope")
	ErrTokenExpired      = errors.New("session.validator.expired")
)

const bearerPrefix = "bearer "

// Validator verifies HS256 tokens of a single scope.
type Validator struct {
	signingKey []byte
	issuer     string
	scope      string
	clock      Clock
	parser     *jwt.Parser
}

// Claims represent the payload shared by access, refresh, and purpose tokens.
type Claims struct {
	Scope       string `json:"scope"`
	Fingerprint string `json:"fpr,omitempty"`
	jwt.RegisteredClaims
}

// GetUserEmail returns the subject email carried by the token.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// GetIssuedAt returns the issue timestamp.
func (claims *Claims) GetIssuedAt() time.Time {
	if claims == nil || claims.IssuedAt == nil {
		return time.Time{}
	}
	return claims.IssuedAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	if strings.TrimSpace(configuration.Scope) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingScope)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	validator := &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		scope:      configuration.Scope,
		clock:      clock,
	}
	validator.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time {
			return validator.clock.Now()
		}),
	)
	return validator, nil
}

// Scope reports the scope tag this validator accepts.
func (validator *Validator) Scope() string {
	return validator.scope
}

// ValidateToken checks the signature before decoding any claim, then enforces
// issuer, scope, and expiry with no leeway.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	if err := validator.verifySignature(tokenString); err != nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w", err)
	}
	parsedToken, parseErr := validator.parser.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	})
	if parseErr != nil {
		switch {
		case errors.Is(parseErr, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
		case errors.Is(parseErr, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMalformedToken)
		case errors.Is(parseErr, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidSignature)
		default:
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
		}
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMalformedToken)
	}
	if !validator.clock.Now().Before(claims.GetExpiresAt()) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
	}
	if claims.Scope != validator.scope {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrWrongScope)
	}
	return claims, nil
}

// ValidateRequest reads the bearer token from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	tokenString, err := BearerToken(request)
	if err != nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", err)
	}
	return validator.ValidateToken(tokenString)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(request *http.Request) (string, error) {
	if request == nil {
		return "", ErrMissingToken
	}
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrMissingToken
	}
	tokenString := strings.TrimSpace(header[len(bearerPrefix):])
	if tokenString == "" {
		return "", ErrMissingToken
	}
	return tokenString, nil
}

// SignatureSegment returns the third dot-separated segment of a compact JWS.
func SignatureSegment(tokenString string) (string, bool) {
	segments := strings.Split(tokenString, ".")
	if len(segments) != 3 || segments[2] == "" {
		return "", false
	}
	return segments[2], true
}

func (validator *Validator) verifySignature(tokenString string) error {
	segments := strings.Split(tokenString, ".")
	if len(segments) != 3 || segments[0] == "" || segments[1] == "" || segments[2] == "" {
		return ErrMalformedToken
	}
	signature, decodeErr := base64.RawURLEncoding.DecodeString(segments[2])
	if decodeErr != nil {
		return ErrMalformedToken
	}
	signingString := segments[0] + "." + segments[1]
	if verifyErr := jwt.SigningMethodHS256.Verify(signingString, signature, validator.signingKey); verifyErr != nil {
		return ErrInvalidSignature
	}
	return nil
}
