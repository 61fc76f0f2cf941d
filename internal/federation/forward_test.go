package federation

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-xorm/xorm"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []struct {
		dest string
		pdu  PDU
	}
}

func (r *recordingEnqueuer) Enqueue(destination string, pdu PDU) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		dest string
		pdu  PDU
	}{destination, pdu})
}

func newTestForwarder(t *testing.T) (*Forwarder, *recordingEnqueuer) {
	t.Helper()
	engine, err := xorm.NewEngine("sqlite3", filepath.Join(t.TempDir(), "fwd-test.db"))
	require.NoError(t, err)

	events, err := NewEventStore(engine)
	require.NoError(t, err)
	keys, err := NewKeyRing()
	require.NoError(t, err)

	enq := &recordingEnqueuer{}
	f, err := NewForwarder("us.example", engine, enq, events, keys)
	require.NoError(t, err)
	return f, enq
}

func TestForwardMessageEnqueuesPerParticipatingServer(t *testing.T) {
	f, enq := newTestForwarder(t)

	require.NoError(t, f.AddRoomServer("!room:us.example", "other.example"))
	require.NoError(t, f.AddRoomServer("!room:us.example", "third.example"))
	// Re-adding and adding ourselves are both no-ops.
	require.NoError(t, f.AddRoomServer("!room:us.example", "other.example"))
	require.NoError(t, f.AddRoomServer("!room:us.example", "us.example"))

	require.NoError(t, f.ForwardMessage("!room:us.example", "alice", "federated hello"))

	enq.mu.Lock()
	defer enq.mu.Unlock()
	require.Len(t, enq.calls, 2)

	dests := map[string]bool{}
	for _, call := range enq.calls {
		dests[call.dest] = true

		pdu := call.pdu
		require.Equal(t, "!room:us.example", pdu.RoomID)
		require.Equal(t, "m.room.message", pdu.Type)
		require.Equal(t, "@alice:us.example", pdu.Sender)

		// The PDU must pass the same check the receiving side applies.
		require.NoError(t, checkPDUHash(pdu))
		require.NotEmpty(t, pdu.Signatures["us.example"])
	}
	require.True(t, dests["other.example"])
	require.True(t, dests["third.example"])
}

func TestForwardMessageSkipsPurelyLocalRooms(t *testing.T) {
	f, enq := newTestForwarder(t)

	require.NoError(t, f.ForwardMessage("local-channel", "alice", "stays home"))

	enq.mu.Lock()
	defer enq.mu.Unlock()
	require.Empty(t, enq.calls)
}

func TestRemoveRoomServerStopsForwarding(t *testing.T) {
	f, enq := newTestForwarder(t)

	require.NoError(t, f.AddRoomServer("!room:us.example", "other.example"))
	require.NoError(t, f.RemoveRoomServer("!room:us.example", "other.example"))
	require.NoError(t, f.ForwardMessage("!room:us.example", "alice", "nobody left"))

	enq.mu.Lock()
	defer enq.mu.Unlock()
	require.Empty(t, enq.calls)
}

func TestForwardedEventIsLocallyRetrievable(t *testing.T) {
	f, enq := newTestForwarder(t)
	require.NoError(t, f.AddRoomServer("!room:us.example", "other.example"))
	require.NoError(t, f.ForwardMessage("!room:us.example", "alice", "backfillable"))

	enq.mu.Lock()
	eventID := enq.calls[0].pdu.EventID
	enq.mu.Unlock()

	got, has, err := f.events.Get(eventID)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, eventID, got.EventID)
}
