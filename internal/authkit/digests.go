package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"io"
)

const fingerprintByteLength = 16

var randomSource io.Reader = rand.Reader

// DigestToken returns the base64url SHA-256 digest stored in place of a token.
func DigestToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// PasswordFingerprint binds password reset tokens to the digest they were issued against.
func PasswordFingerprint(passwordHash string) string {
	sum := sha256.Sum256([]byte("password_reset:" + passwordHash))
	return base64.RawURLEncoding.EncodeToString(sum[:fingerprintByteLength])
}

func digestsEqual(left string, right string) bool {
	if left == "" || right == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(left), []byte(right)) == 1
}

func randomBytes(length int) ([]byte, error) {
	buffer := make([]byte, length)
	if _, err := io.ReadFull(randomSource, buffer); err != nil {
		return nil, err
	}
	return buffer, nil
}
