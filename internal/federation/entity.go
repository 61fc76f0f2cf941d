package federation

import "time"

// txnRecord records a processed inbound transaction keyed by (txn_id,
// origin), so a retried `PUT /send/{txn_id}` returns the same result
// idempotently instead of reprocessing.
type txnRecord struct {
	TxnID     string    `xorm:"pk varchar(64) 'txn_id'"`
	Origin    string    `xorm:"pk varchar(255)"`
	Result    string    `xorm:"text"`
	CreatedAt time.Time `xorm:"created"`
}

// inboundEvent records an already-persisted remote event id, so a PDU that
// arrives again (duplicate transaction, federation retry, replay by a
// second upstream) is recognized and skipped.
type inboundEvent struct {
	EventID   string    `xorm:"pk varchar(255) 'event_id'"`
	RoomID    string    `xorm:"varchar(255) index 'room_id'"`
	Origin    string    `xorm:"varchar(255)"`
	CreatedAt time.Time `xorm:"created"`
}

// deadDestination records a destination that exhausted its retry budget.
// A scheduled probe (see ProbeDeadDestinations) is how recovery happens
// without operator action.
type deadDestination struct {
	Destination string    `xorm:"pk varchar(255)"`
	MarkedAt    time.Time `xorm:"created"`
	LastProbe   time.Time
}
