package restapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nexus-chat/nexus/internal/federation"
)

// DefaultVerifier implements RequestVerifier using internal/federation's
// canonical-JSON signature check: parse the `Authorization: X-Nexus
// origin,key_id,sig` header, fetch/cache the claimed origin's verify key,
// and recompute both the signed payload and the content hash
// independently.
type DefaultVerifier struct {
	Keys           federation.VerifyKeyFetcher
	Destination    string
	BlockedServers func(origin string) bool
}

func (v *DefaultVerifier) VerifyRequest(r *http.Request, body []byte) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "X-Nexus "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("restapi: missing X-Nexus authorization header")
	}
	parts := strings.SplitN(strings.TrimPrefix(header, prefix), ",", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("restapi: malformed authorization header")
	}
	origin, keyID, sig := parts[0], parts[1], parts[2]

	if v.BlockedServers != nil && v.BlockedServers(origin) {
		return "", fmt.Errorf("restapi: server %s is blocked", origin)
	}

	req := federation.SignedRequest{
		Method:      r.Method,
		URI:         r.URL.Path,
		Origin:      origin,
		Destination: v.Destination,
	}

	// Body-less requests (federation GETs) sign only the request line.
	var content interface{}
	if len(body) > 0 {
		var raw json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return "", fmt.Errorf("restapi: decode body for verification: %w", err)
		}
		contentHash, err := federation.ContentHash(raw)
		if err != nil {
			return "", err
		}
		req.ContentHash = contentHash
		content = raw
	}

	if err := federation.Verify(v.Keys, origin, keyID, sig, req, content); err != nil {
		return "", err
	}
	return origin, nil
}
