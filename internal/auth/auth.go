// Package auth issues and verifies the bearer tokens the REST surface and
// the gateway's Identify/Resume frames carry. Tokens are a compact
// payload.mac pair: the payload is JSON, the MAC is keyed BLAKE2b-256
// under the node's shared secret. Stateless by design; revocation happens
// by rotating the secret or expiring the token.
package auth

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ErrInvalidToken is returned for malformed tokens and MAC mismatches.
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrExpiredToken is returned when a structurally valid token is past its
// expiry.
var ErrExpiredToken = errors.New("auth: token expired")

// ScopeLookup resolves a user's initial gateway subscription scopes (all
// member channels and DMs). Membership computation lives with the CRUD
// collaborator; auth only calls through.
type ScopeLookup func(userID string) []string

// tokenPayload is the signed JSON carried inside a token.
type tokenPayload struct {
	UserID    string `json:"uid"`
	ExpiresAt int64  `json:"exp"`
}

// Manager issues and verifies tokens. It satisfies both the gateway's
// Identifier contract and restapi's Authenticator contract.
type Manager struct {
	secret []byte
	ttl    time.Duration
	scopes ScopeLookup
}

// New constructs a Manager. secret is the shared signing secret; ttl is
// how long issued tokens live; scopes may be nil, in which case Identify
// returns no initial subscriptions.
func New(secret string, ttl time.Duration, scopes ScopeLookup) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	if scopes == nil {
		scopes = func(string) []string { return nil }
	}
	key := []byte(secret)
	if len(key) > 64 {
		// BLAKE2b keys cap at 64 bytes; longer secrets are folded down.
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Manager{secret: key, ttl: ttl, scopes: scopes}, nil
}

func (m *Manager) mac(payload []byte) ([]byte, error) {
	h, err := blake2b.New256(m.secret)
	if err != nil {
		return nil, fmt.Errorf("auth: init mac: %w", err)
	}
	h.Write(payload)
	return h.Sum(nil), nil
}

// Issue mints a token for userID valid for the Manager's ttl.
func (m *Manager) Issue(userID string) (string, error) {
	payload, err := json.Marshal(tokenPayload{
		UserID:    userID,
		ExpiresAt: time.Now().Add(m.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	sum, err := m.mac(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sum), nil
}

// Verify checks a token's MAC and expiry and returns the user id it
// authenticates.
func (m *Manager) Verify(token string) (string, error) {
	dot := strings.IndexByte(token, '.')
	if dot < 0 {
		return "", ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return "", ErrInvalidToken
	}
	sum, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return "", ErrInvalidToken
	}

	want, err := m.mac(payload)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(sum, want) {
		return "", ErrInvalidToken
	}

	var body tokenPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", ErrInvalidToken
	}
	if time.Now().Unix() >= body.ExpiresAt {
		return "", ErrExpiredToken
	}
	return body.UserID, nil
}

// Identify validates an Identify token and returns the user id plus the
// user's initial subscription scopes.
func (m *Manager) Identify(token string) (string, []string, error) {
	userID, err := m.Verify(token)
	if err != nil {
		return "", nil, err
	}
	return userID, m.scopes(userID), nil
}

// ValidateResume validates a Resume token.
func (m *Manager) ValidateResume(token string) (string, error) {
	return m.Verify(token)
}

// Authenticate resolves the Authorization bearer header on a REST request.
func (m *Manager) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrInvalidToken
	}
	return m.Verify(strings.TrimPrefix(header, prefix))
}
