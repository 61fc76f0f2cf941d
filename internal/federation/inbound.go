package federation

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-xorm/xorm"

	"github.com/nexus-chat/nexus/internal/bus"
)

// probeInterval is how often dead destinations are re-probed, letting a
// previously unreachable server recover without operator action.
const probeInterval = 6 * time.Hour

// RoomMembershipChecker reports whether origin participates in roomID, so
// an inbound PDU from a server not in the room is rejected.
type RoomMembershipChecker func(roomID, origin string) bool

// EventPersister writes a verified, deduplicated PDU into local storage
// and returns the channel/room topic to publish it on.
type EventPersister func(pdu PDU) (topic string, err error)

// Inbound processes verified transactions arriving at `PUT
// /send/{txn_id}`. Request signature verification happens one layer up,
// in restapi, since it operates on the raw HTTP request; Inbound starts
// from an already-authenticated PDU stream and re-checks each PDU's
// content hash itself.
type Inbound struct {
	engine     *xorm.Engine
	bus        *bus.Bus
	membership RoomMembershipChecker
	persist    EventPersister
}

// NewInbound wires an Inbound processor and syncs its dedup tables.
func NewInbound(engine *xorm.Engine, eventBus *bus.Bus, membership RoomMembershipChecker, persist EventPersister) (*Inbound, error) {
	if err := engine.Sync2(new(txnRecord), new(inboundEvent), new(deadDestination)); err != nil {
		return nil, fmt.Errorf("federation: sync inbound schema: %w", err)
	}
	return &Inbound{engine: engine, bus: eventBus, membership: membership, persist: persist}, nil
}

// HandleTransaction processes one inbound transaction idempotently: a
// (txn_id, origin) pair seen before returns the stored result without
// re-executing side effects.
func (in *Inbound) HandleTransaction(origin string, txn Transaction) (*TransactionResult, error) {
	if cached, ok, err := in.cachedResult(txn.TxnID, origin); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}

	if len(txn.PDUs) > maxPDUsPerTxn || len(txn.EDUs) > maxEDUsPerTxn {
		return nil, fmt.Errorf("federation: transaction exceeds pdu/edu limits")
	}

	result := &TransactionResult{PDUs: make(map[string]PDUResult, len(txn.PDUs))}
	for _, pdu := range txn.PDUs {
		result.PDUs[pdu.EventID] = in.processPDU(origin, pdu)
	}

	if err := in.storeResult(txn.TxnID, origin, result); err != nil {
		log.Printf("federation: failed to cache transaction result for %s/%s: %v", origin, txn.TxnID, err)
	}
	return result, nil
}

func (in *Inbound) processPDU(origin string, pdu PDU) PDUResult {
	if err := checkPDUHash(pdu); err != nil {
		return PDUResult{Error: err.Error()}
	}
	if !in.membership(pdu.RoomID, origin) {
		return PDUResult{Error: "origin is not a member of this room"}
	}

	seen, err := in.engine.ID(pdu.EventID).Exist(new(inboundEvent))
	if err != nil {
		return PDUResult{Error: "dedup lookup failed"}
	}
	if seen {
		return PDUResult{}
	}

	topic, err := in.persist(pdu)
	if err != nil {
		return PDUResult{Error: err.Error()}
	}

	if _, err := in.engine.Insert(&inboundEvent{EventID: pdu.EventID, RoomID: pdu.RoomID, Origin: origin}); err != nil {
		log.Printf("federation: failed to record dedup entry for %s: %v", pdu.EventID, err)
	}

	payload, _ := json.Marshal(pdu)
	in.bus.Publish(topic, dispatchType(pdu.Type), payload)
	return PDUResult{}
}

// checkPDUHash recomputes the content hash of a PDU and requires it to
// match both the stated hashes.sha256 and the hash segment of the event id
// ($<hash>:<origin>), so an event cannot be deduplicated under an id its
// content does not prove.
func checkPDUHash(pdu PDU) error {
	computed, err := ContentHash(pdu.Content)
	if err != nil {
		return fmt.Errorf("content not canonicalizable: %v", err)
	}
	if computed != pdu.Hashes.SHA256 {
		return fmt.Errorf("content hash mismatch")
	}
	idHash, ok := eventIDHash(pdu.EventID)
	if !ok || idHash != computed {
		return fmt.Errorf("event id does not match content hash")
	}
	return nil
}

// eventIDHash extracts the hash segment of a "$<hash>:<origin>" event id.
func eventIDHash(eventID string) (string, bool) {
	if len(eventID) < 2 || eventID[0] != '$' {
		return "", false
	}
	colon := strings.IndexByte(eventID, ':')
	if colon <= 1 {
		return "", false
	}
	return eventID[1:colon], true
}

// dispatchType maps a federation event type onto the gateway event name
// local sessions expect.
func dispatchType(pduType string) string {
	switch pduType {
	case "m.room.message":
		return "MESSAGE_CREATE"
	case "m.room.member":
		return "MEMBER_UPDATE"
	default:
		return "FEDERATION_EVENT"
	}
}

func (in *Inbound) cachedResult(txnID, origin string) (*TransactionResult, bool, error) {
	rec := new(txnRecord)
	has, err := in.engine.Where("txn_id = ? AND origin = ?", txnID, origin).Get(rec)
	if err != nil {
		return nil, false, fmt.Errorf("federation: lookup txn record: %w", err)
	}
	if !has {
		return nil, false, nil
	}
	var result TransactionResult
	if err := json.Unmarshal([]byte(rec.Result), &result); err != nil {
		return nil, false, fmt.Errorf("federation: decode cached txn result: %w", err)
	}
	return &result, true, nil
}

func (in *Inbound) storeResult(txnID, origin string, result *TransactionResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = in.engine.Insert(&txnRecord{TxnID: txnID, Origin: origin, Result: string(body)})
	return err
}

// ProbeFunc attempts one liveness probe against destination, returning nil
// on success.
type ProbeFunc func(destination string) error

// ProbeDeadDestinations periodically retries every destination marked
// dead, reviving it in outbox on a successful probe, so operators aren't
// the only recovery path.
func ProbeDeadDestinations(engine *xorm.Engine, outbox *Outbox, probe ProbeFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			var dead []deadDestination
			if err := engine.Find(&dead); err != nil {
				log.Printf("federation: list dead destinations: %v", err)
				continue
			}
			for _, d := range dead {
				if err := probe(d.Destination); err != nil {
					continue
				}
				outbox.Revive(d.Destination)
				if _, err := engine.ID(d.Destination).Delete(new(deadDestination)); err != nil {
					log.Printf("federation: clear dead mark for %s: %v", d.Destination, err)
				}
			}
		case <-stop:
			return
		}
	}
}
