package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// defaultKeyLifetime is how long an active signing key remains valid
// before rotation is required.
const defaultKeyLifetime = 90 * 24 * time.Hour

// verifyKeyTTLCap bounds how long a cached remote verify key may be
// trusted without a re-fetch, regardless of the TTL the remote advertises.
const verifyKeyTTLCap = 7 * 24 * time.Hour

// SigningKey is one Ed25519 key in a server's rotation history.
type SigningKey struct {
	ID        string
	Private   ed25519.PrivateKey
	Public    ed25519.PublicKey
	CreatedAt time.Time
	ExpiresAt time.Time
}

// KeyRing holds a server's own signing keys: exactly one active key plus
// any not-yet-expired retired keys kept around for verifying requests
// signed before rotation.
type KeyRing struct {
	mu      sync.RWMutex
	active  *SigningKey
	retired []*SigningKey
}

// NewKeyRing generates a fresh active key.
func NewKeyRing() (*KeyRing, error) {
	kr := &KeyRing{}
	if _, err := kr.Rotate(); err != nil {
		return nil, err
	}
	return kr, nil
}

// Rotate generates a new active key, retiring the previous one for
// continued verification until it expires.
func (kr *KeyRing) Rotate() (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("federation: generate key: %w", err)
	}
	now := time.Now()
	key := &SigningKey{
		ID:        fmt.Sprintf("ed25519:%d", now.UnixNano()),
		Private:   priv,
		Public:    pub,
		CreatedAt: now,
		ExpiresAt: now.Add(defaultKeyLifetime),
	}

	kr.mu.Lock()
	if kr.active != nil {
		kr.retired = append(kr.retired, kr.active)
	}
	kr.active = key
	kr.mu.Unlock()
	return key, nil
}

// Active returns the current signing key.
func (kr *KeyRing) Active() *SigningKey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.active
}

// ByID returns a key (active or retired-but-unexpired) by its key id, for
// verifying inbound requests against remote advertised keys, or for
// exposing this server's own /keys endpoint.
func (kr *KeyRing) ByID(id string) (*SigningKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if kr.active != nil && kr.active.ID == id {
		return kr.active, true
	}
	now := time.Now()
	for _, k := range kr.retired {
		if k.ID == id && now.Before(k.ExpiresAt) {
			return k, true
		}
	}
	return nil, false
}

// SignedRequest is the canonical payload signed for every outbound
// federation call.
type SignedRequest struct {
	Method      string
	URI         string
	Origin      string
	Destination string
	ContentHash string
}

// ContentHash computes base64url(SHA-256(canonical-JSON(content))).
func ContentHash(content interface{}) (string, error) {
	canon, err := Canonicalize(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// signedPayload is the canonical preimage both Sign and Verify agree on.
// Body-less requests (federation GETs) omit content_hash entirely.
func signedPayload(req SignedRequest) map[string]interface{} {
	payload := map[string]interface{}{
		"method":      req.Method,
		"uri":         req.URI,
		"origin":      req.Origin,
		"destination": req.Destination,
	}
	if req.ContentHash != "" {
		payload["content_hash"] = req.ContentHash
	}
	return payload
}

// Sign produces the `Authorization: X-Nexus <origin>,<key_id>,<b64sig>`
// header value for an outbound request.
func Sign(key *SigningKey, req SignedRequest) (string, error) {
	canon, err := Canonicalize(signedPayload(req))
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(key.Private, canon)
	b64 := base64.RawURLEncoding.EncodeToString(sig)
	return fmt.Sprintf("X-Nexus %s,%s,%s", req.Origin, key.ID, b64), nil
}

// signEventHash signs a PDU's content hash, producing the per-event
// signature carried alongside the transaction-level request signature.
func signEventHash(key *SigningKey, contentHash string) string {
	sig := ed25519.Sign(key.Private, []byte(contentHash))
	return base64.RawURLEncoding.EncodeToString(sig)
}

// VerifyKeyFetcher resolves a remote server's verify key by (server,
// key_id), fetching over the network and caching with the remote's
// advertised valid_until_ts, capped at verifyKeyTTLCap. Implemented by
// KeyCache; kept as an interface so Verify stays transport-agnostic and
// testable.
type VerifyKeyFetcher interface {
	VerifyKey(server, keyID string) (ed25519.PublicKey, error)
}

// Verify checks an inbound request's signature and content hash. It
// recomputes the canonical payload and the content hash independently;
// any mismatch, expired/unknown key, or fetch failure is a rejection.
func Verify(fetcher VerifyKeyFetcher, origin, keyID, sigB64 string, req SignedRequest, content interface{}) error {
	pub, err := fetcher.VerifyKey(origin, keyID)
	if err != nil {
		return fmt.Errorf("federation: verify key unavailable: %w", err)
	}

	if content != nil {
		wantHash, err := ContentHash(content)
		if err != nil {
			return err
		}
		if wantHash != req.ContentHash {
			return fmt.Errorf("federation: content hash mismatch")
		}
	} else if req.ContentHash != "" {
		return fmt.Errorf("federation: content hash stated for a body-less request")
	}

	canon, err := Canonicalize(signedPayload(req))
	if err != nil {
		return err
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("federation: decode signature: %w", err)
	}
	if !ed25519.Verify(pub, canon, sig) {
		return fmt.Errorf("federation: signature verification failed")
	}
	return nil
}

// clampTTL enforces verifyKeyTTLCap regardless of what the remote
// advertises.
func clampTTL(validUntil time.Time) time.Time {
	ceiling := time.Now().Add(verifyKeyTTLCap)
	if validUntil.After(ceiling) {
		return ceiling
	}
	return validUntil
}
