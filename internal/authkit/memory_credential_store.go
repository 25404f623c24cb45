package authkit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCredentialStore is an in-memory store intended for tests and dev.
type MemoryCredentialStore struct {
	mutex      sync.Mutex
	byID       map[int64]*Principal
	byEmail    map[string]int64
	sequenceID int64
	clock      Clock
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore(clock Clock) *MemoryCredentialStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryCredentialStore{
		byID:    make(map[int64]*Principal),
		byEmail: make(map[string]int64),
		clock:   clock,
	}
}

// FindByEmail returns a copy of the principal registered for email.
func (store *MemoryCredentialStore) FindByEmail(ctx context.Context, email string) (Principal, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	principalID, ok := store.byEmail[NormalizeEmail(email)]
	if !ok {
		return Principal{}, fmt.Errorf("credential_store.find.memory: %w", ErrPrincipalNotFound)
	}
	record := store.byID[principalID]
	if record == nil {
		return Principal{}, fmt.Errorf("credential_store.find.memory: %w", ErrPrincipalNotFound)
	}
	return *record, nil
}

// Create assigns an id and stores the principal.
func (store *MemoryCredentialStore) Create(ctx context.Context, principal Principal) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, fmt.Errorf("credential_store.create.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	email := NormalizeEmail(principal.Email)
	if _, exists := store.byEmail[email]; exists {
		return Principal{}, fmt.Errorf("credential_store.create.memory: %w", ErrPrincipalExists)
	}
	store.sequenceID++
	principal.ID = store.sequenceID
	principal.Email = email
	if principal.CreatedAt.IsZero() {
		principal.CreatedAt = store.clock.Now().UTC()
	}
	record := principal
	store.byID[principal.ID] = &record
	store.byEmail[email] = principal.ID
	return principal, nil
}

// SetRefreshToken overwrites the stored refresh digest.
func (store *MemoryCredentialStore) SetRefreshToken(ctx context.Context, principalID int64, digest string) error {
	return store.update(ctx, "set_refresh_token", principalID, func(record *Principal) error {
		record.RefreshTokenDigest = digest
		return nil
	})
}

// SwapRefreshToken replaces the refresh digest only when it still equals expectedDigest.
func (store *MemoryCredentialStore) SwapRefreshToken(ctx context.Context, principalID int64, expectedDigest string, nextDigest string) error {
	return store.update(ctx, "swap_refresh_token", principalID, func(record *Principal) error {
		if !digestsEqual(record.RefreshTokenDigest, expectedDigest) {
			return ErrRefreshTokenMismatch
		}
		record.RefreshTokenDigest = nextDigest
		return nil
	})
}

// SetConfirmed flips the confirmed flag.
func (store *MemoryCredentialStore) SetConfirmed(ctx context.Context, principalID int64) error {
	return store.update(ctx, "set_confirmed", principalID, func(record *Principal) error {
		record.Confirmed = true
		return nil
	})
}

// SetPasswordHash replaces the password digest and clears the refresh digest.
func (store *MemoryCredentialStore) SetPasswordHash(ctx context.Context, principalID int64, digest string) error {
	return store.update(ctx, "set_password_hash", principalID, func(record *Principal) error {
		record.PasswordHash = digest
		record.RefreshTokenDigest = ""
		return nil
	})
}

// SetAvatar replaces the avatar reference.
func (store *MemoryCredentialStore) SetAvatar(ctx context.Context, principalID int64, avatarURL string) error {
	return store.update(ctx, "set_avatar", principalID, func(record *Principal) error {
		record.AvatarURL = avatarURL
		return nil
	})
}

func (store *MemoryCredentialStore) update(ctx context.Context, operation string, principalID int64, mutate func(record *Principal) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("credential_store.%s.memory: %w", operation, err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[principalID]
	if record == nil {
		return fmt.Errorf("credential_store.%s.memory: %w", operation, ErrPrincipalNotFound)
	}
	candidate := *record
	if err := mutate(&candidate); err != nil {
		return fmt.Errorf("credential_store.%s.memory: %w", operation, err)
	}
	*record = candidate
	return nil
}
