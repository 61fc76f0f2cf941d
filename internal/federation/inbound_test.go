package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-xorm/xorm"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/nexus-chat/nexus/internal/bus"
)

func newTestInbound(t *testing.T, membership RoomMembershipChecker, persist EventPersister) (*Inbound, *bus.Bus) {
	t.Helper()
	engine, err := xorm.NewEngine("sqlite3", filepath.Join(t.TempDir(), "fed-test.db"))
	require.NoError(t, err)

	b := bus.New("test-node", nil)
	in, err := NewInbound(engine, b, membership, persist)
	require.NoError(t, err)
	return in, b
}

// testPDU builds a PDU whose hashes and event id are consistent with its
// content, the way a well-behaved origin produces them.
func testPDU(t *testing.T, body string) PDU {
	t.Helper()
	content := json.RawMessage(fmt.Sprintf(`{"body":%q}`, body))
	hash, err := ContentHash(content)
	require.NoError(t, err)
	return PDU{
		EventID:        "$" + hash + ":other.example",
		RoomID:         "!room:us.example",
		Type:           "m.room.message",
		Sender:         "@alice:other.example",
		OriginServerTS: time.Now().UnixMilli(),
		Content:        content,
		Hashes:         PDUHashes{SHA256: hash},
	}
}

func TestHandleTransactionPersistsAndPublishes(t *testing.T) {
	var persisted int32
	in, b := newTestInbound(t,
		func(roomID, origin string) bool { return true },
		func(pdu PDU) (string, error) {
			atomic.AddInt32(&persisted, 1)
			return "channel:room-1", nil
		})

	sub := b.Subscribe("channel:room-1")

	pdu := testPDU(t, "hi")
	result, err := in.HandleTransaction("other.example", Transaction{
		TxnID:  "txn-1",
		Origin: "other.example",
		PDUs:   []PDU{pdu},
	})
	require.NoError(t, err)
	require.Equal(t, PDUResult{}, result.PDUs[pdu.EventID])
	require.Equal(t, int32(1), atomic.LoadInt32(&persisted))

	select {
	case env := <-sub.C:
		require.Equal(t, "MESSAGE_CREATE", env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a bus publish for the accepted pdu")
	}
}

func TestHandleTransactionIsIdempotent(t *testing.T) {
	var persisted int32
	in, _ := newTestInbound(t,
		func(roomID, origin string) bool { return true },
		func(pdu PDU) (string, error) {
			atomic.AddInt32(&persisted, 1)
			return "channel:room-1", nil
		})

	txn := Transaction{
		TxnID:  "txn-dup",
		Origin: "other.example",
		PDUs:   []PDU{testPDU(t, "dup")},
	}

	first, err := in.HandleTransaction("other.example", txn)
	require.NoError(t, err)
	second, err := in.HandleTransaction("other.example", txn)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, int32(1), atomic.LoadInt32(&persisted), "replayed txn must not re-run side effects")
}

func TestHandleTransactionDedupsEventAcrossTxns(t *testing.T) {
	var persisted int32
	in, _ := newTestInbound(t,
		func(roomID, origin string) bool { return true },
		func(pdu PDU) (string, error) {
			atomic.AddInt32(&persisted, 1)
			return "channel:room-1", nil
		})

	pdu := testPDU(t, "same")

	_, err := in.HandleTransaction("other.example", Transaction{TxnID: "txn-a", Origin: "other.example", PDUs: []PDU{pdu}})
	require.NoError(t, err)
	result, err := in.HandleTransaction("other.example", Transaction{TxnID: "txn-b", Origin: "other.example", PDUs: []PDU{pdu}})
	require.NoError(t, err)

	// The duplicate is accepted (empty result) but persisted only once.
	require.Equal(t, PDUResult{}, result.PDUs[pdu.EventID])
	require.Equal(t, int32(1), atomic.LoadInt32(&persisted))
}

func TestHandleTransactionRejectsHashMismatch(t *testing.T) {
	var persisted int32
	in, _ := newTestInbound(t,
		func(roomID, origin string) bool { return true },
		func(pdu PDU) (string, error) {
			atomic.AddInt32(&persisted, 1)
			return "channel:room-1", nil
		})

	// Content tampered after hashing: stated hash and event id no longer
	// prove the content.
	pdu := testPDU(t, "original")
	pdu.Content = json.RawMessage(`{"body":"tampered"}`)

	result, err := in.HandleTransaction("other.example", Transaction{
		TxnID:  "txn-tampered",
		Origin: "other.example",
		PDUs:   []PDU{pdu},
	})
	require.NoError(t, err)
	require.Contains(t, result.PDUs[pdu.EventID].Error, "hash")
	require.Zero(t, atomic.LoadInt32(&persisted))

	// An event id that disagrees with a correct stated hash is also
	// rejected.
	pdu = testPDU(t, "relabeled")
	pdu.EventID = "$forged-hash:other.example"

	result, err = in.HandleTransaction("other.example", Transaction{
		TxnID:  "txn-forged-id",
		Origin: "other.example",
		PDUs:   []PDU{pdu},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.PDUs[pdu.EventID].Error)
	require.Zero(t, atomic.LoadInt32(&persisted))
}

func TestHandleTransactionRejectsNonMemberOrigin(t *testing.T) {
	in, _ := newTestInbound(t,
		func(roomID, origin string) bool { return false },
		func(pdu PDU) (string, error) {
			t.Fatal("persist must not run for a rejected origin")
			return "", nil
		})

	pdu := testPDU(t, "stranger")
	result, err := in.HandleTransaction("stranger.example", Transaction{
		TxnID:  "txn-reject",
		Origin: "stranger.example",
		PDUs:   []PDU{pdu},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.PDUs[pdu.EventID].Error)
}

func TestHandleTransactionReportsPerPDUErrors(t *testing.T) {
	in, _ := newTestInbound(t,
		func(roomID, origin string) bool { return true },
		func(pdu PDU) (string, error) {
			if strings.Contains(string(pdu.Content), "bad") {
				return "", errors.New("storage exploded")
			}
			return "channel:room-1", nil
		})

	good := testPDU(t, "good")
	bad := testPDU(t, "bad")
	result, err := in.HandleTransaction("other.example", Transaction{
		TxnID:  "txn-mixed",
		Origin: "other.example",
		PDUs:   []PDU{good, bad},
	})
	require.NoError(t, err)
	require.Empty(t, result.PDUs[good.EventID].Error)
	require.Equal(t, "storage exploded", result.PDUs[bad.EventID].Error)
}

func TestHandleTransactionEnforcesPDULimit(t *testing.T) {
	in, _ := newTestInbound(t,
		func(roomID, origin string) bool { return true },
		func(pdu PDU) (string, error) { return "channel:room-1", nil })

	pdus := make([]PDU, maxPDUsPerTxn+1)
	for i := range pdus {
		pdus[i] = testPDU(t, fmt.Sprintf("pdu-%d", i))
	}
	_, err := in.HandleTransaction("other.example", Transaction{TxnID: "txn-big", Origin: "other.example", PDUs: pdus})
	require.Error(t, err)
}
