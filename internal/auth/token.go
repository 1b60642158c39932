// Package auth protects operator endpoints with a shared bearer token whose
// pbkdf2-sha256 hash is configured on the server.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashSaltLength = 16
	tokenHashKeyLength  = 32
	tokenHashIterations = 120000
)

var (
	// ErrTokenRequired is returned when no token was presented.
	ErrTokenRequired = errors.New("operator token required")
	// ErrInvalidToken is returned when the token does not match the hash.
	ErrInvalidToken = errors.New("invalid operator token")
)

// HashToken derives an encoded pbkdf2 hash for token using a random salt.
// The result has the form pbkdf2$sha256$<iterations>$<salt>$<key>.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrTokenRequired
	}
	salt := make([]byte, tokenHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return encodeHash(token, salt, tokenHashIterations), nil
}

func encodeHash(token string, salt []byte, iterations int) string {
	derived := pbkdf2.Key([]byte(token), salt, iterations, tokenHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", iterations, encodedSalt, encodedKey)
}

type tokenHash struct {
	iterations int
	salt       []byte
	key        []byte
}

func parseTokenHash(encoded string) (tokenHash, error) {
	parts := strings.Split(strings.TrimSpace(encoded), "$")
	if len(parts) != 5 {
		return tokenHash{}, fmt.Errorf("parse token hash: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return tokenHash{}, fmt.Errorf("parse token hash: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return tokenHash{}, fmt.Errorf("parse token hash: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return tokenHash{}, fmt.Errorf("parse token hash: decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return tokenHash{}, fmt.Errorf("parse token hash: decode key: %w", err)
	}
	if len(key) == 0 {
		return tokenHash{}, fmt.Errorf("parse token hash: empty key")
	}
	return tokenHash{iterations: iterations, salt: salt, key: key}, nil
}

func (h tokenHash) matches(candidate string) bool {
	derived := pbkdf2.Key([]byte(candidate), h.salt, h.iterations, len(h.key), sha256.New)
	return subtle.ConstantTimeCompare(derived, h.key) == 1
}

// VerifyToken checks candidate against an encoded hash.
func VerifyToken(encoded, candidate string) error {
	if candidate == "" {
		return ErrTokenRequired
	}
	hash, err := parseTokenHash(encoded)
	if err != nil {
		return err
	}
	if !hash.matches(candidate) {
		return ErrInvalidToken
	}
	return nil
}
