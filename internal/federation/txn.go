package federation

import "encoding/json"

// maxPDUsPerTxn and maxEDUsPerTxn bound a single transaction.
const (
	maxPDUsPerTxn = 50
	maxEDUsPerTxn = 100
)

// PDUHashes carries a PDU's content digest. The sha256 value is
// base64url(SHA-256(canonical-JSON(content))) and is also the hash segment
// of the event id.
type PDUHashes struct {
	SHA256 string `json:"sha256"`
}

// PDU is a persistent data unit: one federated room event. Signatures are
// keyed server -> key_id -> base64 signature; the transaction-level header
// authenticates the sending hop, these authenticate the origin.
type PDU struct {
	EventID        string                       `json:"event_id"`
	RoomID         string                       `json:"room_id"`
	Type           string                       `json:"type"`
	Sender         string                       `json:"sender"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Content        json.RawMessage              `json:"content"`
	Hashes         PDUHashes                    `json:"hashes"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
}

// EDU is an ephemeral data unit (typing, presence, read receipts) that
// carries no durable event id and is never deduplicated against storage.
type EDU struct {
	Type    string          `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

// Transaction is the body of `PUT /send/{txn_id}`.
type Transaction struct {
	TxnID          string `json:"txn_id"`
	Origin         string `json:"origin"`
	OriginServerTS int64  `json:"origin_server_ts"`
	PDUs           []PDU  `json:"pdus"`
	EDUs           []EDU  `json:"edus"`
}

// PDUResult is one entry of the per-PDU result map `PUT /send` responds
// with: empty on success, an error string otherwise. The overall response
// stays 200 even when individual PDUs fail.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// TransactionResult is the full response body of `PUT /send/{txn_id}`.
type TransactionResult struct {
	PDUs map[string]PDUResult `json:"pdus"`
}
