package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

// DatabaseCredentialStore persists principals using GORM.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

type principalRecord struct {
	ID                 int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Email              string    `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash       string    `gorm:"column:password_hash;not null"`
	Confirmed          bool      `gorm:"column:confirmed;not null;default:false"`
	RefreshTokenDigest string    `gorm:"column:refresh_token_digest;not null;default:''"`
	AvatarURL          string    `gorm:"column:avatar_url;not null;default:''"`
	CreatedAt          time.Time `gorm:"column:created_at;not null"`
}

func (principalRecord) TableName() string {
	return "principals"
}

func (record principalRecord) toPrincipal() Principal {
	return Principal{
		ID:                 record.ID,
		Email:              record.Email,
		PasswordHash:       record.PasswordHash,
		Confirmed:          record.Confirmed,
		RefreshTokenDigest: record.RefreshTokenDigest,
		AvatarURL:          record.AvatarURL,
		CreatedAt:          record.CreatedAt.UTC(),
	}
}

// NewDatabaseCredentialStore opens databaseURL and migrates the principals table.
func NewDatabaseCredentialStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseCredentialStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&principalRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DatabaseCredentialStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       clock,
	}, nil
}

// Close releases the underlying connection pool.
func (store *DatabaseCredentialStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("credential_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

// FindByEmail locates a principal by normalized email.
func (store *DatabaseCredentialStore) FindByEmail(ctx context.Context, email string) (Principal, error) {
	var record principalRecord
	err := store.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Principal{}, fmt.Errorf("credential_store.find.%s: %w", store.driverLabel, ErrPrincipalNotFound)
		}
		return Principal{}, fmt.Errorf("credential_store.find.%s: %w", store.driverLabel, err)
	}
	return record.toPrincipal(), nil
}

// Create inserts a principal and returns it with its assigned id.
func (store *DatabaseCredentialStore) Create(ctx context.Context, principal Principal) (Principal, error) {
	createdAt := principal.CreatedAt
	if createdAt.IsZero() {
		createdAt = store.clock.Now().UTC()
	}
	record := principalRecord{
		Email:              NormalizeEmail(principal.Email),
		PasswordHash:       principal.PasswordHash,
		Confirmed:          principal.Confirmed,
		RefreshTokenDigest: principal.RefreshTokenDigest,
		AvatarURL:          principal.AvatarURL,
		CreatedAt:          createdAt,
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing int64
		if countErr := transaction.Model(&principalRecord{}).Where("email = ?", record.Email).Count(&existing).Error; countErr != nil {
			return countErr
		}
		if existing > 0 {
			return ErrPrincipalExists
		}
		return transaction.Create(&record).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			err = ErrPrincipalExists
		}
		return Principal{}, fmt.Errorf("credential_store.create.%s: %w", store.driverLabel, err)
	}
	return record.toPrincipal(), nil
}

// SetRefreshToken overwrites the stored refresh digest.
func (store *DatabaseCredentialStore) SetRefreshToken(ctx context.Context, principalID int64, digest string) error {
	return store.updateColumns(ctx, "set_refresh_token", principalID, map[string]any{"refresh_token_digest": digest})
}

// SwapRefreshToken replaces the refresh digest with a conditional update.
func (store *DatabaseCredentialStore) SwapRefreshToken(ctx context.Context, principalID int64, expectedDigest string, nextDigest string) error {
	if expectedDigest == "" {
		return fmt.Errorf("credential_store.swap_refresh_token.%s: %w", store.driverLabel, ErrRefreshTokenMismatch)
	}
	result := store.db.WithContext(ctx).Model(&principalRecord{}).
		Where("id = ? AND refresh_token_digest = ?", principalID, expectedDigest).
		Update("refresh_token_digest", nextDigest)
	if result.Error != nil {
		return fmt.Errorf("credential_store.swap_refresh_token.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		if existsErr := store.ensureExists(ctx, principalID); existsErr != nil {
			return fmt.Errorf("credential_store.swap_refresh_token.%s: %w", store.driverLabel, existsErr)
		}
		return fmt.Errorf("credential_store.swap_refresh_token.%s: %w", store.driverLabel, ErrRefreshTokenMismatch)
	}
	return nil
}

// SetConfirmed flips the confirmed flag.
func (store *DatabaseCredentialStore) SetConfirmed(ctx context.Context, principalID int64) error {
	return store.updateColumns(ctx, "set_confirmed", principalID, map[string]any{"confirmed": true})
}

// SetPasswordHash replaces the password digest and clears the refresh digest.
func (store *DatabaseCredentialStore) SetPasswordHash(ctx context.Context, principalID int64, digest string) error {
	return store.updateColumns(ctx, "set_password_hash", principalID, map[string]any{
		"password_hash":        digest,
		"refresh_token_digest": "",
	})
}

// SetAvatar replaces the avatar reference.
func (store *DatabaseCredentialStore) SetAvatar(ctx context.Context, principalID int64, avatarURL string) error {
	return store.updateColumns(ctx, "set_avatar", principalID, map[string]any{"avatar_url": avatarURL})
}

func (store *DatabaseCredentialStore) updateColumns(ctx context.Context, operation string, principalID int64, columns map[string]any) error {
	result := store.db.WithContext(ctx).Model(&principalRecord{}).Where("id = ?", principalID).Updates(columns)
	if result.Error != nil {
		return fmt.Errorf("credential_store.%s.%s: %w", operation, store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		if existsErr := store.ensureExists(ctx, principalID); existsErr != nil {
			return fmt.Errorf("credential_store.%s.%s: %w", operation, store.driverLabel, existsErr)
		}
	}
	return nil
}

func (store *DatabaseCredentialStore) ensureExists(ctx context.Context, principalID int64) error {
	var count int64
	if err := store.db.WithContext(ctx).Model(&principalRecord{}).Where("id = ?", principalID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
