package federation

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-xorm/xorm"
)

// roomServerRecord lists one remote server participating in a federated
// room. Rows are written when a remote server joins through send_join; a
// room with no rows is purely local and never leaves this node. A local
// user joining a remote room adds no row.
type roomServerRecord struct {
	RoomID    string    `xorm:"pk varchar(255) 'room_id'"`
	Server    string    `xorm:"pk varchar(255)"`
	CreatedAt time.Time `xorm:"created"`
}

// pduEnqueuer is the slice of Outbox the forwarder needs.
type pduEnqueuer interface {
	Enqueue(destination string, pdu PDU)
}

// Forwarder turns locally generated events into outbound PDUs: one copy
// enqueued per participating remote server, each stamped with a content
// hash that doubles as the event id's hash segment.
type Forwarder struct {
	origin string
	engine *xorm.Engine
	outbox pduEnqueuer
	events *EventStore
	keys   *KeyRing
}

// NewForwarder syncs the room-server schema and returns a forwarder.
// events may be nil if local events are persisted elsewhere.
func NewForwarder(origin string, engine *xorm.Engine, outbox pduEnqueuer, events *EventStore, keys *KeyRing) (*Forwarder, error) {
	if err := engine.Sync2(new(roomServerRecord)); err != nil {
		return nil, fmt.Errorf("federation: sync room servers: %w", err)
	}
	return &Forwarder{origin: origin, engine: engine, outbox: outbox, events: events, keys: keys}, nil
}

// AddRoomServer records that server participates in roomID. Idempotent.
func (f *Forwarder) AddRoomServer(roomID, server string) error {
	if server == f.origin {
		return nil
	}
	exists, err := f.engine.Where("room_id = ? AND server = ?", roomID, server).Exist(new(roomServerRecord))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = f.engine.Insert(&roomServerRecord{RoomID: roomID, Server: server})
	return err
}

// RemoveRoomServer drops server from roomID's participant set.
func (f *Forwarder) RemoveRoomServer(roomID, server string) error {
	_, err := f.engine.Where("room_id = ? AND server = ?", roomID, server).Delete(new(roomServerRecord))
	return err
}

// RoomServers returns the remote servers participating in roomID.
func (f *Forwarder) RoomServers(roomID string) ([]string, error) {
	var recs []roomServerRecord
	if err := f.engine.Where("room_id = ?", roomID).Find(&recs); err != nil {
		return nil, err
	}
	servers := make([]string, 0, len(recs))
	for _, rec := range recs {
		servers = append(servers, rec.Server)
	}
	return servers, nil
}

// ForwardEvent builds a signed, hash-stamped PDU for content and enqueues
// one copy per participating remote server. A room with no remote
// participants is a no-op, which is the common case for local channels.
func (f *Forwarder) ForwardEvent(roomID, sender, eventType string, content interface{}) error {
	servers, err := f.RoomServers(roomID)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		return nil
	}

	hash, err := ContentHash(content)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}

	pdu := PDU{
		EventID:        fmt.Sprintf("$%s:%s", hash, f.origin),
		RoomID:         roomID,
		Type:           eventType,
		Sender:         sender,
		OriginServerTS: time.Now().UnixMilli(),
		Content:        raw,
		Hashes:         PDUHashes{SHA256: hash},
	}

	if f.keys != nil {
		if key := f.keys.Active(); key != nil {
			pdu.Signatures = map[string]map[string]string{
				f.origin: {key.ID: signEventHash(key, hash)},
			}
		}
	}

	if f.events != nil {
		if err := f.events.Put(pdu); err != nil {
			log.Printf("federation: persist local event %s: %v", pdu.EventID, err)
		}
	}

	for _, server := range servers {
		f.outbox.Enqueue(server, pdu)
	}
	return nil
}

// ForwardMessage wraps a plaintext channel message into the standard
// message event shape and forwards it.
func (f *Forwarder) ForwardMessage(roomID, authorID, body string) error {
	content := map[string]interface{}{
		"msgtype": "m.text",
		"body":    body,
	}
	sender := fmt.Sprintf("@%s:%s", authorID, f.origin)
	return f.ForwardEvent(roomID, sender, "m.room.message", content)
}
