// Package snowflake allocates the 128-bit time-sortable identifiers used
// throughout Nexus for users, servers, channels, messages, sessions and
// events.
//
// Layout, big-endian:
//
//	48 bits  millisecond epoch (since NexusEpoch)
//	16 bits  worker id
//	64 bits  per-millisecond monotonic counter, wraps on overflow
//
// Because the layout is big-endian and fixed-width, the lexicographic order
// of both the raw bytes and the canonical hex text form matches the numeric
// (and therefore creation-time) order.
package snowflake

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// NexusEpoch is the reference point for the 48-bit millisecond field. Using
// a custom epoch instead of the Unix epoch buys a few extra decades before
// the field wraps.
var NexusEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ID is an opaque, comparable, time-sortable identifier.
type ID [16]byte

// Zero is the nil ID.
var Zero ID

// ErrInvalidText is returned when parsing a malformed canonical text form.
var ErrInvalidText = errors.New("snowflake: invalid id text")

// String returns the canonical lower-case hex text form. Lexicographic
// comparison of this string matches numeric/creation-time order.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the Zero value.
func (id ID) IsZero() bool {
	return id == Zero
}

// Less reports whether id sorts strictly before other, equivalent to both
// byte-wise and text comparisons.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Time recovers the creation timestamp embedded in id.
func (id ID) Time() time.Time {
	ms := binary.BigEndian.Uint64(append([]byte{0, 0}, id[0:6]...))
	return NexusEpoch.Add(time.Duration(ms) * time.Millisecond)
}

// Worker recovers the allocating worker id embedded in id.
func (id ID) Worker() uint16 {
	return binary.BigEndian.Uint16(id[6:8])
}

// Parse decodes a canonical text form produced by String.
func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return Zero, ErrInvalidText
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// MarshalText implements encoding.TextMarshaler so IDs serialize as plain
// JSON strings rather than byte arrays.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Allocator issues strictly-increasing IDs for one worker. Safe for
// concurrent use; the counter field wraps within a millisecond rather than
// blocking, trading collision risk at absurd throughput (2^64 ids/ms) for
// never stalling the caller.
type Allocator struct {
	mu       sync.Mutex
	workerID uint16
	lastMS   int64
	counter  uint64
}

// NewAllocator constructs an Allocator for the given cluster-unique worker
// id.
func NewAllocator(workerID uint16) *Allocator {
	return &Allocator{workerID: workerID}
}

// Next allocates a new ID. IDs allocated by the same Allocator are always
// strictly increasing; IDs from different Allocators are ordered by
// wall-clock millisecond, and within one millisecond by worker id, which
// says nothing about which of them was created first.
func (a *Allocator) Next() ID {
	a.mu.Lock()
	defer a.mu.Unlock()

	ms := time.Since(NexusEpoch).Milliseconds()
	if ms < a.lastMS {
		// Clock stepped backward; pin to the last observed millisecond so
		// ordering within this allocator is never violated.
		ms = a.lastMS
	}
	if ms == a.lastMS {
		a.counter++
	} else {
		a.counter = 0
		a.lastMS = ms
	}

	var id ID
	msBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(msBytes, uint64(ms))
	copy(id[0:6], msBytes[2:8]) // low 48 bits
	binary.BigEndian.PutUint16(id[6:8], a.workerID)
	binary.BigEndian.PutUint64(id[8:16], a.counter)
	return id
}
