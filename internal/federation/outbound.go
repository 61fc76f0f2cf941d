package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	uberratelimit "go.uber.org/ratelimit"
)

// defaultSendRate caps how many outbound transaction PUTs Nexus issues per
// second across all destinations combined, smoothing the burst that would
// otherwise occur when many per-destination sendLoop goroutines flush on
// the same batchWindow tick (e.g. right after a restart with a full
// outbox). go.uber.org/ratelimit's leaky-bucket Take() blocks the calling
// goroutine until a slot opens, which is exactly the shape this
// background sender wants — unlike the reject-with-a-hint bucket
// internal/ratelimit implements for REST callers.
const defaultSendRate = 50

// maxRetention bounds how long a PDU may sit in an outbound queue before
// being dropped regardless of destination liveness.
const maxRetention = 24 * time.Hour

// batchWindow is how long the sender waits to accumulate a fuller batch
// before flushing a partial one.
const batchWindow = 500 * time.Millisecond

// errRejected marks a destination's definitive refusal of a transaction,
// as opposed to a transient failure worth retrying.
var errRejected = errors.New("federation: transaction rejected")

type queuedPDU struct {
	pdu        PDU
	enqueuedAt time.Time
}

// DeliveryTracker receives delivered/dead notifications so the caller
// (message store, REST layer) can update delivery-receipt bookkeeping.
// Kept as a thin interface rather than a concrete callback type to match
// the rest of the package's collaborator style.
type DeliveryTracker interface {
	Delivered(destination string, eventIDs []string)
	DestinationDead(destination string)
}

type noopTracker struct{}

func (noopTracker) Delivered(string, []string) {}
func (noopTracker) DestinationDead(string)     {}

// destQueue is one destination's outbound FIFO and its owning sender
// goroutine: one queue, one backoff budget, one dead mark per remote
// server.
type destQueue struct {
	dest string

	mu      sync.Mutex
	pending []queuedPDU
	dead    bool

	wake chan struct{}
	stop chan struct{}
}

// Outbox fans locally generated events out to every federated destination
// that needs them.
type Outbox struct {
	origin  string
	keys    *KeyRing
	client  *resty.Client
	tracker DeliveryTracker
	pacer   uberratelimit.Limiter

	mu     sync.Mutex
	queues map[string]*destQueue
}

// NewOutbox constructs an Outbox. httpClient may be nil to use a default
// go-resty client.
func NewOutbox(origin string, keys *KeyRing, httpClient *resty.Client, tracker DeliveryTracker) *Outbox {
	if httpClient == nil {
		httpClient = resty.New().SetTimeout(10 * time.Second)
	}
	if tracker == nil {
		tracker = noopTracker{}
	}
	return &Outbox{
		origin:  origin,
		keys:    keys,
		client:  httpClient,
		tracker: tracker,
		pacer:   uberratelimit.New(defaultSendRate),
		queues:  make(map[string]*destQueue),
	}
}

func (o *Outbox) queueFor(dest string) *destQueue {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.queues[dest]
	if ok {
		return q
	}
	q = &destQueue{dest: dest, wake: make(chan struct{}, 1), stop: make(chan struct{})}
	o.queues[dest] = q
	go o.sendLoop(q)
	return q
}

// Enqueue adds pdu to destination's outbound queue. Any locally generated
// event targeting a federated room calls this once per participating
// remote server.
func (o *Outbox) Enqueue(destination string, pdu PDU) {
	q := o.queueFor(destination)

	q.mu.Lock()
	if q.dead {
		q.mu.Unlock()
		log.Printf("federation: dropping pdu %s for dead destination %s", pdu.EventID, destination)
		return
	}
	q.pending = append(q.pending, queuedPDU{pdu: pdu, enqueuedAt: time.Now()})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Revive clears a destination's dead mark after a successful probe or an
// operator's manual intervention.
func (o *Outbox) Revive(destination string) {
	o.mu.Lock()
	q, ok := o.queues[destination]
	o.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	q.dead = false
	q.mu.Unlock()
}

func (o *Outbox) sendLoop(q *destQueue) {
	ticker := time.NewTicker(batchWindow)
	defer ticker.Stop()
	for {
		select {
		case <-q.wake:
		case <-ticker.C:
		case <-q.stop:
			return
		}
		o.flush(q)
	}
}

func (o *Outbox) flush(q *destQueue) {
	q.mu.Lock()
	if q.dead || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	fresh := q.pending[:0]
	var batch []queuedPDU
	for _, item := range q.pending {
		if now.Sub(item.enqueuedAt) > maxRetention {
			log.Printf("federation: dropping pdu %s, exceeded 24h retention for %s", item.pdu.EventID, q.dest)
			continue
		}
		if len(batch) < maxPDUsPerTxn {
			batch = append(batch, item)
		} else {
			fresh = append(fresh, item)
		}
	}
	q.pending = fresh
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	txn := Transaction{
		TxnID:          uuid.NewString(),
		Origin:         o.origin,
		OriginServerTS: now.UnixMilli(),
	}
	ids := make([]string, 0, len(batch))
	for _, item := range batch {
		txn.PDUs = append(txn.PDUs, item.pdu)
		ids = append(ids, item.pdu.EventID)
	}

	err := o.sendWithRetry(q.dest, txn)
	switch {
	case err == nil:
		o.tracker.Delivered(q.dest, ids)
	case errors.Is(err, errRejected):
		// A non-retryable 4xx drops this batch but says nothing about the
		// destination's health; later batches still get sent.
		log.Printf("federation: dropping batch of %d pdus: %v", len(ids), err)
	default:
		log.Printf("federation: destination %s marked dead after retry budget exhausted: %v", q.dest, err)
		q.mu.Lock()
		q.dead = true
		q.mu.Unlock()
		o.tracker.DestinationDead(q.dest)
	}
}

// sendWithRetry posts txn to destination, retrying 5xx/429/network errors
// with exponential backoff (1s initial, 60s cap, +-20% jitter) up to a
// 24h overall budget. 4xx other than 429 is treated as non-retryable and
// logged without retry, per Matrix federation convention.
func (o *Outbox) sendWithRetry(destination string, txn Transaction) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = maxRetention

	operation := func() error {
		o.pacer.Take()
		status, err := o.postTransaction(destination, txn)
		if err != nil {
			return err // network error: retryable
		}
		switch {
		case status >= 200 && status < 300:
			return nil
		case status == 429:
			return fmt.Errorf("federation: %s rate limited", destination)
		case status >= 500:
			return fmt.Errorf("federation: %s returned %d", destination, status)
		default:
			return backoff.Permanent(fmt.Errorf("%w: %s returned %d", errRejected, destination, status))
		}
	}

	return backoff.Retry(operation, bo)
}

func (o *Outbox) postTransaction(destination string, txn Transaction) (int, error) {
	content, err := json.Marshal(txn)
	if err != nil {
		return 0, err
	}
	contentHash, err := ContentHash(txn)
	if err != nil {
		return 0, err
	}

	key := o.keys.Active()
	uri := fmt.Sprintf("/_nexus/federation/v1/send/%s", txn.TxnID)
	auth, err := Sign(key, SignedRequest{
		Method:      "PUT",
		URI:         uri,
		Origin:      o.origin,
		Destination: destination,
		ContentHash: contentHash,
	})
	if err != nil {
		return 0, err
	}

	resp, err := o.client.R().
		SetHeader("Authorization", auth).
		SetHeader("Content-Type", "application/json").
		SetBody(content).
		Put(fmt.Sprintf("https://%s%s", destination, uri))
	if err != nil {
		return 0, err
	}
	return resp.StatusCode(), nil
}

// Shutdown stops every destination's sender goroutine.
func (o *Outbox) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, q := range o.queues {
		close(q.stop)
	}
}
