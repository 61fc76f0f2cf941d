package federation

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

// rewriteTransport routes every outbound request to the test server,
// regardless of the destination host the Outbox dialed.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

type recordingTracker struct {
	mu        sync.Mutex
	delivered [][]string
	dead      []string
}

func (r *recordingTracker) Delivered(dest string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, ids)
}

func (r *recordingTracker) DestinationDead(dest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = append(r.dead, dest)
}

func (r *recordingTracker) deliveredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, batch := range r.delivered {
		n += len(batch)
	}
	return n
}

func newTestOutbox(t *testing.T, handler http.HandlerFunc, tracker DeliveryTracker) *Outbox {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	client := resty.New().SetTransport(rewriteTransport{target: u})
	kr, err := NewKeyRing()
	require.NoError(t, err)

	o := NewOutbox("us.example", kr, client, tracker)
	t.Cleanup(o.Shutdown)
	return o
}

func TestOutboxDeliversSignedTransaction(t *testing.T) {
	type seen struct {
		auth string
		txn  Transaction
		path string
	}
	got := make(chan seen, 1)

	tracker := &recordingTracker{}
	o := newTestOutbox(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var txn Transaction
		json.Unmarshal(body, &txn)
		select {
		case got <- seen{auth: r.Header.Get("Authorization"), txn: txn, path: r.URL.Path}:
		default:
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"pdus":{}}`))
	}, tracker)

	o.Enqueue("other.example", PDU{EventID: "$e1:us.example", RoomID: "!r:us.example", Type: "m.room.message"})

	select {
	case s := <-got:
		require.True(t, strings.HasPrefix(s.auth, "X-Nexus us.example,"))
		require.Len(t, s.txn.PDUs, 1)
		require.Equal(t, "$e1:us.example", s.txn.PDUs[0].EventID)
		require.Equal(t, "us.example", s.txn.Origin)
		require.True(t, strings.HasPrefix(s.path, "/_nexus/federation/v1/send/"))
	case <-time.After(3 * time.Second):
		t.Fatal("transaction never reached the destination")
	}

	require.Eventually(t, func() bool { return tracker.deliveredCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, tracker.dead)
}

func TestOutboxBatchesQueuedPDUs(t *testing.T) {
	var mu sync.Mutex
	var batches []int

	tracker := &recordingTracker{}
	o := newTestOutbox(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var txn Transaction
		json.Unmarshal(body, &txn)
		mu.Lock()
		batches = append(batches, len(txn.PDUs))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"pdus":{}}`))
	}, tracker)

	for i := 0; i < 10; i++ {
		o.Enqueue("other.example", PDU{EventID: "$e" + string(rune('a'+i)) + ":us.example"})
	}

	require.Eventually(t, func() bool { return tracker.deliveredCount() == 10 }, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, n := range batches {
		require.LessOrEqual(t, n, maxPDUsPerTxn)
	}
}

func TestOutboxDropsBatchOnDefinitiveRejection(t *testing.T) {
	var requests int32
	var mu sync.Mutex

	tracker := &recordingTracker{}
	o := newTestOutbox(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}, tracker)

	o.Enqueue("other.example", PDU{EventID: "$rejected:us.example"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return requests >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// A 403 drops the batch without retries and without a dead mark.
	time.Sleep(2 * batchWindow)
	mu.Lock()
	require.Equal(t, int32(1), requests)
	mu.Unlock()
	require.Empty(t, tracker.dead)
	require.Zero(t, tracker.deliveredCount())

	// The destination stays usable for later traffic.
	q := o.queueFor("other.example")
	q.mu.Lock()
	require.False(t, q.dead)
	q.mu.Unlock()
}

func TestEnqueueDropsForDeadDestination(t *testing.T) {
	tracker := &recordingTracker{}
	o := newTestOutbox(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, tracker)

	q := o.queueFor("gone.example")
	q.mu.Lock()
	q.dead = true
	q.mu.Unlock()

	o.Enqueue("gone.example", PDU{EventID: "$lost:us.example"})
	q.mu.Lock()
	require.Empty(t, q.pending)
	q.mu.Unlock()

	o.Revive("gone.example")
	o.Enqueue("gone.example", PDU{EventID: "$found:us.example"})
	require.Eventually(t, func() bool { return tracker.deliveredCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}
