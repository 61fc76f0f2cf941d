package restapi

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/nexus-chat/nexus/internal/bus"
	"github.com/nexus-chat/nexus/internal/federation"
)

// RequestVerifier checks the `Authorization: X-Nexus origin,key_id,sig`
// header on an inbound federation request, returning the authenticated
// origin server name.
type RequestVerifier interface {
	VerifyRequest(r *http.Request, body []byte) (origin string, err error)
}

// FederationServer binds the federation HTTP surface
// (`/_nexus/federation/v1/...`) onto the Inbound transaction processor,
// the event store, and the discovery/keys endpoints.
type FederationServer struct {
	Inbound    *federation.Inbound
	Events     *federation.EventStore
	Forwarder  *federation.Forwarder
	Verifier   RequestVerifier
	KeyRing    *federation.KeyRing
	Bus        *bus.Bus
	ServerName string
	BaseURL    string
}

const federationPrefix = "/_nexus/federation/v1"

func (s *FederationServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc(federationPrefix+"/send/", s.handleSend)
	mux.HandleFunc(federationPrefix+"/event/", s.handleEvent)
	mux.HandleFunc(federationPrefix+"/state/", s.handleState)
	mux.HandleFunc(federationPrefix+"/make_join/", s.handleMakeJoin)
	mux.HandleFunc(federationPrefix+"/send_join/", s.handleSendJoin)
	mux.HandleFunc(federationPrefix+"/backfill/", s.handleBackfill)
	mux.HandleFunc(federationPrefix+"/get_missing_events/", s.handleGetMissingEvents)
	mux.HandleFunc("/.well-known/nexus/server", s.handleDiscovery)
	mux.HandleFunc(federationPrefix+"/keys/server", s.handleKeys)
}

// verify authenticates a federation request, reading and returning its
// body. A failure has already been written to w when ok is false.
func (s *FederationServer) verify(w http.ResponseWriter, r *http.Request) (origin string, body []byte, ok bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errValidation, "could not read request body")
		return "", nil, false
	}
	origin, err = s.Verifier.VerifyRequest(r, body)
	if err != nil {
		writeError(w, errFederation, "signature verification failed")
		return "", nil, false
	}
	return origin, body, true
}

// pathTail splits the request path after prefix into its slash-separated
// segments.
func pathTail(r *http.Request, endpoint string) []string {
	rest := strings.TrimPrefix(r.URL.Path, federationPrefix+endpoint)
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// handleSend implements `PUT /send/{txn_id}`.
func (s *FederationServer) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, errValidation, "method not allowed")
		return
	}
	parts := pathTail(r, "/send/")
	if len(parts) != 1 || parts[0] == "" {
		writeError(w, errValidation, "missing txn_id")
		return
	}

	origin, body, ok := s.verify(w, r)
	if !ok {
		return
	}

	var txn federation.Transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		writeError(w, errValidation, "malformed transaction body")
		return
	}
	txn.TxnID = parts[0]
	if origin != txn.Origin {
		writeError(w, errFederation, "origin mismatch between header and body")
		return
	}

	result, err := s.Inbound.HandleTransaction(origin, txn)
	if err != nil {
		writeError(w, errValidation, err.Error())
		return
	}
	// Per-PDU errors ride inside the result map; the transaction itself
	// still succeeds with 200.
	writeJSON(w, http.StatusOK, result)
}

// handleEvent implements `GET /event/{event_id}`.
func (s *FederationServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, errValidation, "method not allowed")
		return
	}
	parts := pathTail(r, "/event/")
	if len(parts) != 1 || parts[0] == "" {
		writeError(w, errValidation, "missing event_id")
		return
	}
	if _, _, ok := s.verify(w, r); !ok {
		return
	}

	pdu, has, err := s.Events.Get(parts[0])
	if err != nil {
		writeError(w, errTransient, "event lookup failed")
		return
	}
	if !has {
		writeError(w, errNotFound, "unknown event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pdus": []federation.PDU{*pdu}})
}

// handleState implements `GET /state/{room_id}`.
func (s *FederationServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, errValidation, "method not allowed")
		return
	}
	parts := pathTail(r, "/state/")
	if len(parts) != 1 || parts[0] == "" {
		writeError(w, errValidation, "missing room_id")
		return
	}
	if _, _, ok := s.verify(w, r); !ok {
		return
	}

	state, err := s.Events.State(parts[0])
	if err != nil {
		writeError(w, errTransient, "state lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pdus": state})
}

// handleMakeJoin implements `GET /make_join/{room_id}/{user_id}`: hand the
// joining server a membership-event template it can sign and return via
// /send_join. Only rooms homed on this server accept remote joins.
func (s *FederationServer) handleMakeJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, errValidation, "method not allowed")
		return
	}
	parts := pathTail(r, "/make_join/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, errValidation, "expected /make_join/{room_id}/{user_id}")
		return
	}
	roomID, userID := parts[0], parts[1]
	if _, _, ok := s.verify(w, r); !ok {
		return
	}

	if !federation.IsLocalRoom(roomID, s.ServerName) {
		writeError(w, errForbidden, "room is not homed on this server")
		return
	}

	content, _ := json.Marshal(map[string]string{"membership": "join"})
	template := federation.PDU{
		RoomID:  roomID,
		Type:    "m.room.member",
		Sender:  userID,
		Content: content,
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"event": template})
}

// handleSendJoin implements `PUT /send_join/{room_id}/{event_id}`: accept
// the signed join event, persist it, and fan the membership change out to
// local subscribers.
func (s *FederationServer) handleSendJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, errValidation, "method not allowed")
		return
	}
	parts := pathTail(r, "/send_join/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, errValidation, "expected /send_join/{room_id}/{event_id}")
		return
	}
	roomID, eventID := parts[0], parts[1]

	origin, body, ok := s.verify(w, r)
	if !ok {
		return
	}

	if !federation.IsLocalRoom(roomID, s.ServerName) {
		writeError(w, errForbidden, "room is not homed on this server")
		return
	}

	var pdu federation.PDU
	if err := json.Unmarshal(body, &pdu); err != nil {
		writeError(w, errValidation, "malformed join event")
		return
	}
	pdu.EventID = eventID
	pdu.RoomID = roomID
	if pdu.Type != "m.room.member" {
		writeError(w, errValidation, "join event must be m.room.member")
		return
	}

	if err := s.Events.Put(pdu); err != nil {
		writeError(w, errTransient, "could not persist join event")
		return
	}

	// The joining server now participates in the room and receives every
	// later local write through the outbound queue.
	if s.Forwarder != nil {
		if err := s.Forwarder.AddRoomServer(roomID, origin); err != nil {
			log.Println("restapi: record room server:", err)
		}
	}

	if s.Bus != nil {
		payload, _ := json.Marshal(pdu)
		s.Bus.Publish("channel:"+roomID, "MEMBER_JOIN", payload)
	}

	state, err := s.Events.State(roomID)
	if err != nil {
		writeError(w, errTransient, "state lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": state})
}

// handleBackfill implements `GET /backfill/{room_id}?v=<event_id>&limit=N`.
func (s *FederationServer) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, errValidation, "method not allowed")
		return
	}
	parts := pathTail(r, "/backfill/")
	if len(parts) != 1 || parts[0] == "" {
		writeError(w, errValidation, "missing room_id")
		return
	}
	roomID := parts[0]
	if _, _, ok := s.verify(w, r); !ok {
		return
	}

	anchor := r.URL.Query().Get("v")
	if anchor == "" {
		writeError(w, errValidation, "v is required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, errValidation, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	pdus, err := s.Events.Backfill(roomID, anchor, limit)
	if err != nil {
		writeError(w, errTransient, "backfill failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"origin": s.ServerName, "pdus": pdus})
}

type missingEventsRequest struct {
	EarliestEvents []string `json:"earliest_events"`
	LatestEvents   []string `json:"latest_events"`
	Limit          int      `json:"limit"`
}

// handleGetMissingEvents implements `POST /get_missing_events/{room_id}`.
func (s *FederationServer) handleGetMissingEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errValidation, "method not allowed")
		return
	}
	parts := pathTail(r, "/get_missing_events/")
	if len(parts) != 1 || parts[0] == "" {
		writeError(w, errValidation, "missing room_id")
		return
	}
	roomID := parts[0]

	_, body, ok := s.verify(w, r)
	if !ok {
		return
	}

	var req missingEventsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, errValidation, "malformed request body")
		return
	}
	if req.Limit <= 0 || req.Limit > 50 {
		req.Limit = 50
	}

	pdus, err := s.Events.Missing(roomID, req.EarliestEvents, req.LatestEvents, req.Limit)
	if err != nil {
		writeError(w, errTransient, "missing-events lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": pdus})
}

type discoveryResponse struct {
	ServerName string            `json:"server_name"`
	BaseURL    string            `json:"base_url"`
	Keys       map[string]string `json:"keys"`
}

func (s *FederationServer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	keys := map[string]string{}
	if active := s.KeyRing.Active(); active != nil {
		keys[active.ID] = publicKeyB64(active)
	}
	writeJSON(w, http.StatusOK, discoveryResponse{ServerName: s.ServerName, BaseURL: s.BaseURL, Keys: keys})
}

type keysServerResponse struct {
	ServerName string                       `json:"server_name"`
	ValidUntil int64                        `json:"valid_until_ts"`
	VerifyKeys map[string]map[string]string `json:"verify_keys"`
}

// handleKeys implements the `/keys/server` endpoint internal/federation's
// KeyCache fetches from remote servers.
func (s *FederationServer) handleKeys(w http.ResponseWriter, r *http.Request) {
	active := s.KeyRing.Active()
	if active == nil {
		writeError(w, errTransient, "no active signing key")
		return
	}
	resp := keysServerResponse{
		ServerName: s.ServerName,
		ValidUntil: active.ExpiresAt.UnixMilli(),
		VerifyKeys: map[string]map[string]string{
			active.ID: {"key": publicKeyB64(active)},
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func publicKeyB64(key *federation.SigningKey) string {
	return base64.RawURLEncoding.EncodeToString(key.Public)
}
