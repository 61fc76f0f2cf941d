package restapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nexus-chat/nexus/internal/e2ee"
)

// KeysServer binds the E2EE pre-key vending endpoint.
type KeysServer struct {
	Store *e2ee.Store
	Auth  Authenticator
}

func (s *KeysServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/keys/claim", s.handleClaim)
}

type claimRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *KeysServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errValidation, "method not allowed")
		return
	}
	userID, err := s.Auth.Authenticate(r)
	if err != nil {
		writeError(w, errAuth, "missing or invalid token")
		return
	}

	var body claimRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == "" {
		writeError(w, errValidation, "device_id is required")
		return
	}

	bundle, err := s.Store.ClaimBundle(r.Context(), body.DeviceID, userID)
	if err != nil {
		switch {
		case errors.Is(err, e2ee.ErrDeviceRevoked):
			writeError(w, errForbidden, "device revoked")
		default:
			writeError(w, errNotFound, "device not found")
		}
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}
