package authkit

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	argon2AlgorithmID   = "argon2id"
	minArgon2MemoryKB   = 1024
	maxArgon2MemoryKB   = 1024 * 1024
	minArgon2SaltLength = 16
	minArgon2KeyLength  = 16
	maxArgon2Iterations = 64
)

var errInvalidArgon2Params = errors.New("password_hasher.invalid_params")

// PasswordHasher hashes passwords one way and verifies them in constant time.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext string, digest string) bool
}

// Argon2Params configures argon2id hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params returns production hashing parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Argon2PasswordHasher produces PHC-formatted argon2id digests and also
// verifies legacy bcrypt digests.
type Argon2PasswordHasher struct {
	params Argon2Params
}

// NewArgon2PasswordHasher validates params and constructs a hasher.
func NewArgon2PasswordHasher(params Argon2Params) (*Argon2PasswordHasher, error) {
	switch {
	case params.Memory < minArgon2MemoryKB || params.Memory > maxArgon2MemoryKB:
		return nil, fmt.Errorf("password_hasher.memory: %w", errInvalidArgon2Params)
	case params.Iterations == 0 || params.Iterations > maxArgon2Iterations:
		return nil, fmt.Errorf("password_hasher.iterations: %w", errInvalidArgon2Params)
	case params.Parallelism == 0:
		return nil, fmt.Errorf("password_hasher.parallelism: %w", errInvalidArgon2Params)
	case params.SaltLength < minArgon2SaltLength:
		return nil, fmt.Errorf("password_hasher.salt_length: %w", errInvalidArgon2Params)
	case params.KeyLength < minArgon2KeyLength:
		return nil, fmt.Errorf("password_hasher.key_length: %w", errInvalidArgon2Params)
	}
	return &Argon2PasswordHasher{params: params}, nil
}

// Hash derives a salted argon2id digest.
func (hasher *Argon2PasswordHasher) Hash(plaintext string) (string, error) {
	salt, err := randomBytes(int(hasher.params.SaltLength))
	if err != nil {
		return "", fmt.Errorf("password_hasher.salt: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, hasher.params.Iterations, hasher.params.Memory, hasher.params.Parallelism, hasher.params.KeyLength)
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2AlgorithmID,
		argon2.Version,
		hasher.params.Memory,
		hasher.params.Iterations,
		hasher.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plaintext matches digest. Malformed digests never match.
func (hasher *Argon2PasswordHasher) Verify(plaintext string, digest string) bool {
	if isBcryptDigest(digest) {
		return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
	}
	parsed, err := parseArgon2Digest(digest)
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(plaintext), parsed.salt, parsed.iterations, parsed.memory, parsed.parallelism, uint32(len(parsed.key)))
	return subtle.ConstantTimeCompare(computed, parsed.key) == 1
}

func isBcryptDigest(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") || strings.HasPrefix(digest, "$2b$") || strings.HasPrefix(digest, "$2y$")
}

type argon2Digest struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parseArgon2Digest(digest string) (argon2Digest, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != argon2AlgorithmID {
		return argon2Digest{}, errors.New("password_hasher.format")
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return argon2Digest{}, errors.New("password_hasher.version")
	}
	var parsed argon2Digest
	for _, pair := range strings.Split(parts[3], ",") {
		name, value, found := strings.Cut(pair, "=")
		if !found {
			return argon2Digest{}, errors.New("password_hasher.params")
		}
		number, parseErr := strconv.ParseUint(value, 10, 32)
		if parseErr != nil {
			return argon2Digest{}, errors.New("password_hasher.params")
		}
		switch name {
		case "m":
			parsed.memory = uint32(number)
		case "t":
			parsed.iterations = uint32(number)
		case "p":
			if number > 255 {
				return argon2Digest{}, errors.New("password_hasher.params")
			}
			parsed.parallelism = uint8(number)
		default:
			return argon2Digest{}, errors.New("password_hasher.params")
		}
	}
	if parsed.memory < minArgon2MemoryKB || parsed.memory > maxArgon2MemoryKB ||
		parsed.iterations == 0 || parsed.iterations > maxArgon2Iterations || parsed.parallelism == 0 {
		return argon2Digest{}, errors.New("password_hasher.params")
	}
	salt, saltErr := base64.RawStdEncoding.DecodeString(parts[4])
	if saltErr != nil || len(salt) < minArgon2SaltLength {
		return argon2Digest{}, errors.New("password_hasher.salt")
	}
	key, keyErr := base64.RawStdEncoding.DecodeString(parts[5])
	if keyErr != nil || len(key) < minArgon2KeyLength {
		return argon2Digest{}, errors.New("password_hasher.key")
	}
	parsed.salt = salt
	parsed.key = key
	return parsed, nil
}
