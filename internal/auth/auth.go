// Package auth authenticates relay clients.
//
// Clients present a bearer token, either in the handshake frame or in the
// Authorization header of the upgrade request. Tokens are checked against
// bcrypt hashes from a YAML token file. Reattaching to a session requires
// being its owner, an admin, or holding the fernet-signed resume token the
// relay issued when the session was created.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
)

const BcryptCost = 12

// Principal is an authenticated client identity.
type Principal struct {
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
}

// Authorizer maps a bearer token to a principal. It returns an error
// wrapping relayerr.ErrAuth when the token is rejected.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (Principal, error)
}

// HashToken returns the bcrypt hash of token for the token file.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckToken compares token with a bcrypt hash.
func CheckToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// GenerateToken returns a random 256-bit token, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// TokenEntry is one line of the token file.
type TokenEntry struct {
	Name  string `yaml:"name"`
	Hash  string `yaml:"hash"`
	Admin bool   `yaml:"admin"`
}

type tokenFile struct {
	Tokens []TokenEntry `yaml:"tokens"`
}

// TokenSet authorizes tokens against a fixed list of bcrypt hashes.
// Successful checks are cached by token digest so bcrypt runs once per
// token rather than once per connection.
type TokenSet struct {
	entries []TokenEntry

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]Principal
}

// NewTokenSet validates entries and builds a TokenSet.
func NewTokenSet(entries []TokenEntry) (*TokenSet, error) {
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("token %d: missing name", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("token %q: duplicate name", e.Name)
		}
		seen[e.Name] = true
		if _, err := bcrypt.Cost([]byte(e.Hash)); err != nil {
			return nil, fmt.Errorf("token %q: invalid bcrypt hash: %w", e.Name, err)
		}
	}
	return &TokenSet{
		entries:  entries,
		verified: make(map[[sha256.Size]byte]Principal),
	}, nil
}

// LoadTokenFile reads a YAML token file:
//
//	tokens:
//	  - name: alice
//	    hash: $2a$12$...
//	    admin: true
func LoadTokenFile(path string) (*TokenSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var f tokenFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return NewTokenSet(f.Tokens)
}

// Len returns the number of configured tokens.
func (ts *TokenSet) Len() int {
	return len(ts.entries)
}

// Authorize implements Authorizer.
func (ts *TokenSet) Authorize(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, &relayerr.AuthError{Reason: "missing token"}
	}
	digest := sha256.Sum256([]byte(token))

	ts.mu.RLock()
	p, ok := ts.verified[digest]
	ts.mu.RUnlock()
	if ok {
		return p, nil
	}

	for _, e := range ts.entries {
		if CheckToken(token, e.Hash) {
			p = Principal{Name: e.Name, Admin: e.Admin}
			ts.mu.Lock()
			ts.verified[digest] = p
			ts.mu.Unlock()
			return p, nil
		}
	}
	return Principal{}, &relayerr.AuthError{Reason: "invalid token"}
}

// Disabled accepts every client as an anonymous admin.
type Disabled struct{}

// Authorize implements Authorizer.
func (Disabled) Authorize(context.Context, string) (Principal, error) {
	return Principal{Name: "anonymous", Admin: true}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// CanAttach reports whether p may attach to a session owned by owner.
func CanAttach(p Principal, owner string) bool {
	return p.Admin || (owner != "" && p.Name == owner)
}
