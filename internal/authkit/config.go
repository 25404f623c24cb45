package authkit

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// SecretMaterial holds the signing keys for the three token classes.
// It is built once at startup and passed by value afterwards.
type SecretMaterial struct {
	Issuer     string
	AccessKey  []byte
	RefreshKey []byte
	PurposeKey []byte
}

// Validate rejects empty keys and keys shared between token classes.
func (material SecretMaterial) Validate() error {
	if strings.TrimSpace(material.Issuer) == "" {
		return fmt.Errorf("secret_material.validate: %w", ErrMissingIssuer)
	}
	namedKeys := []struct {
		name string
		key  []byte
	}{
		{name: "access", key: material.AccessKey},
		{name: "refresh", key: material.RefreshKey},
		{name: "purpose", key: material.PurposeKey},
	}
	for _, namedKey := range namedKeys {
		if len(namedKey.key) == 0 {
			return fmt.Errorf("secret_material.validate.%s: %w", namedKey.name, ErrMissingSigningKey)
		}
	}
	for leftIndex := 0; leftIndex < len(namedKeys); leftIndex++ {
		for rightIndex := leftIndex + 1; rightIndex < len(namedKeys); rightIndex++ {
			if bytes.Equal(namedKeys[leftIndex].key, namedKeys[rightIndex].key) {
				return fmt.Errorf("secret_material.validate.%s_%s: %w", namedKeys[leftIndex].name, namedKeys[rightIndex].name, ErrSharedSigningKey)
			}
		}
	}
	return nil
}

// TokenTTLs configures lifetimes per token class.
type TokenTTLs struct {
	Access  time.Duration
	Refresh time.Duration
	Purpose time.Duration
}

// ServerConfig configures secrets, lifetimes, and the verification cache.
type ServerConfig struct {
	Secrets        SecretMaterial
	TTLs           TokenTTLs
	CacheTTL       time.Duration
	CacheSize      int
	PublicBaseURL  string
	PasswordParams Argon2Params
}
