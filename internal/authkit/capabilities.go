package authkit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Mailer delivers out-of-band links. Transport is external to this package.
type Mailer interface {
	SendEmailConfirmation(ctx context.Context, email string, token string) error
	SendPasswordReset(ctx context.Context, email string, token string) error
}

// LogMailer writes links to the logger instead of sending mail. Links carry
// live tokens, so it logs at debug level only and is meant for development.
type LogMailer struct {
	logger  *zap.Logger
	baseURL string
}

// NewLogMailer builds links under baseURL.
func NewLogMailer(logger *zap.Logger, baseURL string) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger, baseURL: strings.TrimRight(baseURL, "/")}
}

func (mailer *LogMailer) SendEmailConfirmation(ctx context.Context, email string, token string) error {
	mailer.logger.Debug("email confirmation link",
		zap.String("email", email),
		zap.String("link", mailer.baseURL+"/auth/confirmed_email/"+url.PathEscape(token)),
	)
	return nil
}

func (mailer *LogMailer) SendPasswordReset(ctx context.Context, email string, token string) error {
	mailer.logger.Debug("password reset link",
		zap.String("email", email),
		zap.String("link", mailer.baseURL+"/auth/update_password/"+url.PathEscape(token)),
	)
	return nil
}

// AvatarResolver suggests an avatar for a new account. ok=false is a normal outcome.
type AvatarResolver interface {
	Resolve(ctx context.Context, email string) (avatarURL string, ok bool)
}

// GravatarResolver derives the Gravatar image URL from the email hash.
type GravatarResolver struct {
	BaseURL string
}

const defaultGravatarBaseURL = "https://www.gravatar.com/avatar/"

// Resolve never performs I/O; Gravatar serves its default image for unknown hashes.
func (resolver GravatarResolver) Resolve(ctx context.Context, email string) (string, bool) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return "", false
	}
	baseURL := resolver.BaseURL
	if baseURL == "" {
		baseURL = defaultGravatarBaseURL
	}
	sum := md5.Sum([]byte(normalized))
	return baseURL + hex.EncodeToString(sum[:]), true
}
