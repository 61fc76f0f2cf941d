package restapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nexus-chat/nexus/internal/e2ee"
	"github.com/nexus-chat/nexus/internal/presence"
	"github.com/nexus-chat/nexus/internal/ratelimit"
	"github.com/nexus-chat/nexus/internal/store"
)

// Authenticator resolves the bearer token on an inbound REST request to a
// user id.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// Server binds the message-plane components onto the channel REST surface.
type Server struct {
	Store    store.MessageStore
	E2EE     *e2ee.Store
	Presence *presence.Tracker
	Limiter  ratelimit.Limiter
	Auth     Authenticator
	AuthorOf func(channelID, messageID string) (authorID string, err error)
}

// Routes registers every handler this struct owns onto mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/channels/", s.handleChannelSubroute)
}

// handleChannelSubroute dispatches /api/v1/channels/{id}/messages[...] and
// /api/v1/channels/{id}/typing, the way a from-scratch net/http mux
// without a path-param router must: parse the segments by hand.
func (s *Server) handleChannelSubroute(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/channels/"), "/")
	if len(parts) < 2 {
		writeError(w, errValidation, "malformed path")
		return
	}
	channelID := parts[0]

	switch {
	case parts[1] == "messages" && len(parts) == 2:
		s.handleMessages(w, r, channelID)
	case parts[1] == "messages" && len(parts) == 3:
		s.handleMessageByID(w, r, channelID, parts[2])
	case parts[1] == "encrypted-messages" && len(parts) == 2:
		s.handleEncryptedSend(w, r, channelID)
	case parts[1] == "typing" && len(parts) == 2:
		s.handleTyping(w, r, channelID)
	default:
		writeError(w, errNotFound, "unknown route")
	}
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := s.Auth.Authenticate(r)
	if err != nil {
		writeError(w, errAuth, "missing or invalid token")
		return "", false
	}
	return userID, true
}

func (s *Server) checkRateLimit(w http.ResponseWriter, routeClass, identity string) bool {
	if s.Limiter == nil {
		return true
	}
	d := s.Limiter.Allow(routeClass, identity)
	if !d.Allowed {
		writeRateLimited(w, d.RetryAfter.Seconds())
		return false
	}
	return true
}

type createMessageRequest struct {
	Content     string   `json:"content"`
	ReferenceID string   `json:"reference_id,omitempty"`
	Mentions    []string `json:"mentions,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, channelID string) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		if !s.checkRateLimit(w, ratelimit.ClassMessageSend, ratelimit.Identity(userID, r.RemoteAddr, "message_send")) {
			return
		}
		var body createMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errValidation, "malformed request body")
			return
		}
		if n := utf8.RuneCountInString(body.Content); n == 0 || n > 4096 {
			writeError(w, errValidation, "content must be 1-4096 UTF-8 characters")
			return
		}
		msg, err := s.Store.Create(r.Context(), channelID, userID, body.Content, body.ReferenceID, body.Mentions, body.Attachments)
		if err != nil {
			s.writeStoreErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)

	case http.MethodGet:
		s.handleMessageHistory(w, r, channelID)

	default:
		writeError(w, errValidation, "method not allowed")
	}
}

// handleMessageHistory serves the paged GET, dispatching to
// Tail/Before/After/Around on the query parameters.
func (s *Server) handleMessageHistory(w http.ResponseWriter, r *http.Request, channelID string) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, errValidation, "limit must be an integer")
			return
		}
		limit = n
	}

	var (
		msgs []*store.Message
		err  error
	)
	switch {
	case q.Get("around") != "":
		msgs, err = s.Store.Around(r.Context(), channelID, q.Get("around"), limit)
	case q.Get("after") != "":
		msgs, err = s.Store.After(r.Context(), channelID, q.Get("after"), limit)
	case q.Get("before") != "":
		msgs, err = s.Store.Before(r.Context(), channelID, q.Get("before"), limit)
	default:
		msgs, err = s.Store.Tail(r.Context(), channelID, limit)
	}
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request, channelID, messageID string) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPatch:
		if s.AuthorOf != nil {
			author, err := s.AuthorOf(channelID, messageID)
			if err != nil {
				s.writeStoreErr(w, err)
				return
			}
			if author != userID {
				writeError(w, errForbidden, "only the author may edit this message")
				return
			}
		}
		var body editMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errValidation, "malformed request body")
			return
		}
		msg, err := s.Store.Edit(r.Context(), channelID, messageID, body.Content)
		if err != nil {
			s.writeStoreErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)

	case http.MethodDelete:
		if s.AuthorOf != nil {
			author, err := s.AuthorOf(channelID, messageID)
			if err != nil {
				s.writeStoreErr(w, err)
				return
			}
			if author != userID {
				writeError(w, errForbidden, "only the author may delete this message")
				return
			}
		}
		if err := s.Store.Delete(r.Context(), channelID, messageID); err != nil {
			s.writeStoreErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, errValidation, "method not allowed")
	}
}

type encryptedSendRequest struct {
	SenderDeviceID string                     `json:"sender_device_id"`
	CiphertextMap  map[string]json.RawMessage `json:"ciphertext_map"`
}

// handleEncryptedSend accepts a ciphertext-map message for an E2EE
// channel. The map's values stay opaque end to end.
func (s *Server) handleEncryptedSend(w http.ResponseWriter, r *http.Request, channelID string) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, errValidation, "method not allowed")
		return
	}
	if s.E2EE == nil {
		writeError(w, errNotFound, "encrypted messaging is not enabled")
		return
	}
	if !s.checkRateLimit(w, ratelimit.ClassMessageSend, ratelimit.Identity(userID, r.RemoteAddr, "encrypted_send")) {
		return
	}

	var body encryptedSendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errValidation, "malformed request body")
		return
	}
	if body.SenderDeviceID == "" || len(body.CiphertextMap) == 0 {
		writeError(w, errValidation, "sender_device_id and ciphertext_map are required")
		return
	}

	msg, err := s.E2EE.Send(r.Context(), channelID, userID, body.SenderDeviceID, body.CiphertextMap)
	if err != nil {
		switch {
		case errors.Is(err, e2ee.ErrNotMember):
			writeError(w, errForbidden, "not a channel member")
		case errors.Is(err, e2ee.ErrNotE2EE):
			writeError(w, errValidation, "channel does not accept encrypted envelopes")
		case errors.Is(err, e2ee.ErrIncompleteRecipients):
			writeError(w, errValidation, "ciphertext map must cover every registered recipient device")
		default:
			writeError(w, errTransient, "encrypted store unavailable")
		}
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request, channelID string) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, errValidation, "method not allowed")
		return
	}
	if !s.checkRateLimit(w, ratelimit.ClassPresence, ratelimit.Identity(userID, r.RemoteAddr, "typing")) {
		return
	}
	if s.Presence != nil {
		s.Presence.Typing(channelID, userID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, errNotFound, "message not found")
	case errors.Is(err, store.ErrForbidden):
		writeError(w, errForbidden, "not permitted")
	case errors.Is(err, store.ErrChannelE2EE):
		writeError(w, errValidation, "channel requires encrypted envelopes")
	default:
		writeError(w, errTransient, "store unavailable")
	}
}
