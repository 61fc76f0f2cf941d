package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishOrderPreservedPerTopic(t *testing.T) {
	b := New("node-a", nil)
	sub := b.Subscribe("channel:1")

	for i := 0; i < 50; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		b.Publish("channel:1", "MESSAGE_CREATE", payload)
	}

	for i := 0; i < 50; i++ {
		select {
		case env := <-sub.C:
			var body map[string]int
			require.NoError(t, json.Unmarshal(env.Payload, &body))
			require.Equal(t, i, body["seq"])
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for envelope %d", i)
		}
	}
}

func TestSubscribersAreIndependent(t *testing.T) {
	b := New("node-a", nil)
	subA := b.Subscribe("channel:1")
	subB := b.Subscribe("channel:1")

	b.Publish("channel:1", "MESSAGE_CREATE", json.RawMessage(`{}`))

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case <-sub.C:
		case <-time.After(time.Second):
			t.Fatal("expected both subscribers to receive the envelope")
		}
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	b := New("node-a", nil)
	sub := b.Subscribe("channel:slow")

	for i := 0; i < defaultSubscriberBuffer+50; i++ {
		b.Publish("channel:slow", "MESSAGE_CREATE", json.RawMessage(`{}`))
	}

	// Give the topic loop a chance to process the backlog and evict.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return // evicted, channel closed: expected outcome.
			}
		case <-deadline:
			t.Fatal("expected slow subscriber to be evicted")
		}
	}
}

func TestUnrelatedTopicsDoNotInterfere(t *testing.T) {
	b := New("node-a", nil)
	subA := b.Subscribe("channel:a")
	subB := b.Subscribe("channel:b")

	b.Publish("channel:a", "MESSAGE_CREATE", json.RawMessage(`{}`))

	select {
	case <-subA.C:
	case <-time.After(time.Second):
		t.Fatal("expected channel:a subscriber to receive")
	}
	select {
	case <-subB.C:
		t.Fatal("channel:b subscriber should not receive channel:a events")
	case <-time.After(100 * time.Millisecond):
	}
}
