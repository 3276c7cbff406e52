package transport

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator decides whether a peer token is accepted.
type Authenticator interface {
	Authenticate(token string) bool
}

// BcryptAuthenticator accepts tokens matching a bcrypt hash.
type BcryptAuthenticator struct {
	hash []byte
}

// NewBcryptAuthenticator validates hash and returns an authenticator for it.
// An empty hash returns nil, which listeners treat as "no auth".
func NewBcryptAuthenticator(hash string) (*BcryptAuthenticator, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid token hash: %w", err)
	}
	return &BcryptAuthenticator{hash: []byte(hash)}, nil
}

// Authenticate reports whether token matches the configured hash.
func (a *BcryptAuthenticator) Authenticate(token string) bool {
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(token)) == nil
}

// StaticAuthenticator accepts exactly one token. Used for embedding and tests.
type StaticAuthenticator string

// Authenticate compares in constant time.
func (s StaticAuthenticator) Authenticate(token string) bool {
	return token != "" && subtle.ConstantTimeCompare([]byte(s), []byte(token)) == 1
}

// HashToken returns the bcrypt hash of token for use in the auth config.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// authenticate applies auth, treating a nil interface or nil pointer as open.
func authenticate(auth Authenticator, token string) bool {
	if auth == nil {
		return true
	}
	if b, ok := auth.(*BcryptAuthenticator); ok && b == nil {
		return true
	}
	return auth.Authenticate(token)
}
