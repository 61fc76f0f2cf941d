package federation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-xorm/xorm"
)

// storedEvent is one durably kept PDU, inbound or locally originated, so
// /event, /state, /backfill and /get_missing_events can serve it later.
type storedEvent struct {
	EventID        string    `xorm:"pk varchar(255) 'event_id'"`
	RoomID         string    `xorm:"varchar(255) index 'room_id'"`
	Type           string    `xorm:"varchar(255)"`
	OriginServerTS int64     `xorm:"index 'origin_server_ts'"`
	Body           string    `xorm:"text"`
	CreatedAt      time.Time `xorm:"created 'created_at'"`
}

// stateEventTypes are the event types served by /state; everything else is
// timeline traffic.
var stateEventTypes = map[string]bool{
	"m.room.create": true,
	"m.room.member": true,
	"m.room.name":   true,
	"m.room.topic":  true,
}

// EventStore persists federation PDUs and answers the retrieval queries
// remote servers use to catch up.
type EventStore struct {
	engine *xorm.Engine
}

// NewEventStore syncs the event schema and returns a store.
func NewEventStore(engine *xorm.Engine) (*EventStore, error) {
	if err := engine.Sync2(new(storedEvent)); err != nil {
		return nil, fmt.Errorf("federation: sync event schema: %w", err)
	}
	return &EventStore{engine: engine}, nil
}

// Put stores pdu, ignoring an already-present event id.
func (s *EventStore) Put(pdu PDU) error {
	body, err := json.Marshal(pdu)
	if err != nil {
		return err
	}
	rec := &storedEvent{
		EventID:        pdu.EventID,
		RoomID:         pdu.RoomID,
		Type:           pdu.Type,
		OriginServerTS: pdu.OriginServerTS,
		Body:           string(body),
	}
	exists, err := s.engine.ID(pdu.EventID).Exist(new(storedEvent))
	if err != nil {
		return fmt.Errorf("federation: event lookup: %w", err)
	}
	if exists {
		return nil
	}
	_, err = s.engine.Insert(rec)
	return err
}

// Get returns the PDU stored under eventID.
func (s *EventStore) Get(eventID string) (*PDU, bool, error) {
	rec := new(storedEvent)
	has, err := s.engine.ID(eventID).Get(rec)
	if err != nil || !has {
		return nil, false, err
	}
	return decodeStored(rec)
}

// State returns the room's state events (create, membership, name, topic).
func (s *EventStore) State(roomID string) ([]PDU, error) {
	var recs []*storedEvent
	if err := s.engine.Where("room_id = ?", roomID).Asc("origin_server_ts").Find(&recs); err != nil {
		return nil, err
	}
	var out []PDU
	for _, rec := range recs {
		if !stateEventTypes[rec.Type] {
			continue
		}
		pdu, ok, err := decodeStored(rec)
		if err != nil || !ok {
			continue
		}
		out = append(out, *pdu)
	}
	return out, nil
}

// Backfill returns up to limit events in roomID strictly earlier than the
// event named by beforeEventID, newest first. An unknown anchor event
// yields an empty page rather than an error, since a remote may ask about
// an event we never saw.
func (s *EventStore) Backfill(roomID, beforeEventID string, limit int) ([]PDU, error) {
	anchor := new(storedEvent)
	has, err := s.engine.ID(beforeEventID).Get(anchor)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}

	var recs []*storedEvent
	err = s.engine.Where("room_id = ? AND origin_server_ts < ?", roomID, anchor.OriginServerTS).
		Desc("origin_server_ts").Limit(limit).Find(&recs)
	if err != nil {
		return nil, err
	}
	return decodeAll(recs), nil
}

// Missing returns events in roomID strictly between the newest of
// earliestEvents and the oldest of latestEvents, oldest first.
func (s *EventStore) Missing(roomID string, earliestEvents, latestEvents []string, limit int) ([]PDU, error) {
	lower, ok, err := s.boundTS(earliestEvents, false)
	if err != nil || !ok {
		return nil, err
	}
	upper, ok, err := s.boundTS(latestEvents, true)
	if err != nil || !ok {
		return nil, err
	}

	var recs []*storedEvent
	err = s.engine.Where("room_id = ? AND origin_server_ts > ? AND origin_server_ts < ?", roomID, lower, upper).
		Asc("origin_server_ts").Limit(limit).Find(&recs)
	if err != nil {
		return nil, err
	}
	return decodeAll(recs), nil
}

// boundTS resolves a set of event ids to a single timestamp bound: the
// newest for the lower bound, the oldest for the upper.
func (s *EventStore) boundTS(eventIDs []string, oldest bool) (int64, bool, error) {
	found := false
	var bound int64
	for _, id := range eventIDs {
		rec := new(storedEvent)
		has, err := s.engine.ID(id).Get(rec)
		if err != nil {
			return 0, false, err
		}
		if !has {
			continue
		}
		if !found || (oldest && rec.OriginServerTS < bound) || (!oldest && rec.OriginServerTS > bound) {
			bound = rec.OriginServerTS
		}
		found = true
	}
	return bound, found, nil
}

func decodeStored(rec *storedEvent) (*PDU, bool, error) {
	var pdu PDU
	if err := json.Unmarshal([]byte(rec.Body), &pdu); err != nil {
		return nil, false, fmt.Errorf("federation: decode stored event %s: %w", rec.EventID, err)
	}
	return &pdu, true, nil
}

func decodeAll(recs []*storedEvent) []PDU {
	out := make([]PDU, 0, len(recs))
	for _, rec := range recs {
		pdu, ok, err := decodeStored(rec)
		if err != nil || !ok {
			continue
		}
		out = append(out, *pdu)
	}
	return out
}

// HasMember reports whether any membership event in roomID was sent by a
// user homed on origin, which is how inbound transactions prove the
// sending server participates in the room.
func (s *EventStore) HasMember(roomID, origin string) (bool, error) {
	return s.engine.Where("room_id = ? AND type = ? AND body LIKE ?",
		roomID, "m.room.member", "%:"+origin+`"%`).Exist(new(storedEvent))
}

// IsLocalRoom reports whether roomID ("!<id>:<origin>") was created on
// serverName. Joins are only accepted into rooms this server owns; a
// remote cannot use us to join rooms homed elsewhere.
func IsLocalRoom(roomID, serverName string) bool {
	i := strings.IndexByte(roomID, ':')
	if i < 0 {
		return false
	}
	return roomID[i+1:] == serverName
}
