package federation

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// remoteKeysResponse mirrors a remote server's `/keys/server` response.
type remoteKeysResponse struct {
	ServerName string `json:"server_name"`
	ValidUntil int64  `json:"valid_until_ts"`
	VerifyKeys map[string]struct {
		Key string `json:"key"`
	} `json:"verify_keys"`
}

type cachedKey struct {
	pub       ed25519.PublicKey
	expiresAt time.Time
}

// KeyCache fetches and caches remote servers' verify keys, keyed by
// (server, key_id) with the remote's advertised TTL clamped to
// verifyKeyTTLCap. It implements VerifyKeyFetcher.
type KeyCache struct {
	client *resty.Client

	mu    sync.Mutex
	cache map[string]cachedKey // "server/key_id" -> key
}

// NewKeyCache constructs a KeyCache. httpClient may be nil for a default
// go-resty client.
func NewKeyCache(httpClient *resty.Client) *KeyCache {
	if httpClient == nil {
		httpClient = resty.New().SetTimeout(10 * time.Second)
	}
	return &KeyCache{client: httpClient, cache: make(map[string]cachedKey)}
}

// VerifyKey implements VerifyKeyFetcher.
func (c *KeyCache) VerifyKey(server, keyID string) (ed25519.PublicKey, error) {
	cacheKey := server + "/" + keyID

	c.mu.Lock()
	if k, ok := c.cache[cacheKey]; ok && time.Now().Before(k.expiresAt) {
		c.mu.Unlock()
		return k.pub, nil
	}
	c.mu.Unlock()

	pub, validUntil, err := c.fetch(server, keyID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[cacheKey] = cachedKey{pub: pub, expiresAt: clampTTL(validUntil)}
	c.mu.Unlock()
	return pub, nil
}

func (c *KeyCache) fetch(server, keyID string) (ed25519.PublicKey, time.Time, error) {
	var body remoteKeysResponse
	resp, err := c.client.R().SetResult(&body).Get(fmt.Sprintf("https://%s/_nexus/federation/v1/keys/server", server))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("federation: fetch keys from %s: %w", server, err)
	}
	if resp.IsError() {
		return nil, time.Time{}, fmt.Errorf("federation: %s returned %d fetching keys", server, resp.StatusCode())
	}

	entry, ok := body.VerifyKeys[keyID]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("federation: %s does not advertise key %s", server, keyID)
	}
	raw, err := base64.RawURLEncoding.DecodeString(entry.Key)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("federation: decode key %s/%s: %w", server, keyID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, time.Time{}, fmt.Errorf("federation: key %s/%s has wrong length", server, keyID)
	}
	return ed25519.PublicKey(raw), time.UnixMilli(body.ValidUntil), nil
}
