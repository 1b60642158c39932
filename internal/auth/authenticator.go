package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
)

const maxVerifiedTokens = 64

// Authenticator checks bearer tokens against the configured hash. Tokens that
// verified once are remembered by digest so repeated requests skip the key
// derivation.
type Authenticator struct {
	hash    tokenHash
	enabled bool

	mu       sync.RWMutex
	verified map[string]struct{}
}

// NewAuthenticator parses encodedHash. An empty hash yields a disabled
// Authenticator that accepts every request.
func NewAuthenticator(encodedHash string) (*Authenticator, error) {
	a := &Authenticator{verified: make(map[string]struct{})}
	if strings.TrimSpace(encodedHash) == "" {
		return a, nil
	}
	hash, err := parseTokenHash(encodedHash)
	if err != nil {
		return nil, err
	}
	a.hash = hash
	a.enabled = true
	return a, nil
}

// Enabled reports whether a token hash is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.enabled
}

// Verify checks token. It always succeeds when the Authenticator is disabled.
func (a *Authenticator) Verify(token string) error {
	if !a.Enabled() {
		return nil
	}
	if token == "" {
		return ErrTokenRequired
	}
	digest := tokenDigest(token)
	a.mu.RLock()
	_, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return nil
	}
	if !a.hash.matches(token) {
		return ErrInvalidToken
	}
	a.mu.Lock()
	if len(a.verified) >= maxVerifiedTokens {
		a.verified = make(map[string]struct{})
	}
	a.verified[digest] = struct{}{}
	a.mu.Unlock()
	return nil
}

// Authenticate verifies the bearer token carried by r.
func (a *Authenticator) Authenticate(r *http.Request) error {
	return a.Verify(ExtractToken(r))
}

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func tokenDigest(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
