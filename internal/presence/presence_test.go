package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexus-chat/nexus/internal/bus"
)

func TestSessionOpenedBroadcastsOnline(t *testing.T) {
	b := bus.New("node-1", nil)
	tr := NewTracker(b, nil)

	sub := b.Subscribe("user:u1")
	tr.SessionOpened("u1")

	select {
	case env := <-sub.C:
		require.Equal(t, "PRESENCE_UPDATE", env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a presence broadcast")
	}
	require.Equal(t, Online, tr.Current("u1"))
}

func TestRepeatedStateWithinWindowIsSuppressed(t *testing.T) {
	b := bus.New("node-1", nil)
	tr := NewTracker(b, nil)

	sub := b.Subscribe("user:u2")
	tr.Set("u2", Idle)
	<-sub.C

	tr.Set("u2", Idle)

	select {
	case <-sub.C:
		t.Fatal("expected coalesced duplicate state to be suppressed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastReachesServerTopicsFromMembership(t *testing.T) {
	b := bus.New("node-1", nil)
	tr := NewTracker(b, func(userID string) []string { return []string{"srv-1"} })

	sub := b.Subscribe("server:srv-1")
	tr.Set("u3", DND)

	select {
	case env := <-sub.C:
		require.Equal(t, "PRESENCE_UPDATE", env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected server-scoped broadcast")
	}
}

func TestTypingThrottledPerUserChannel(t *testing.T) {
	b := bus.New("node-1", nil)
	tr := NewTracker(b, nil)

	sub := b.Subscribe("channel:c1")
	tr.Typing("c1", "u1")

	select {
	case env := <-sub.C:
		require.Equal(t, "TYPING_START", env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected first typing event")
	}

	tr.Typing("c1", "u1")
	select {
	case <-sub.C:
		t.Fatal("expected throttled second typing event to be dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionClosedDecrementsCount(t *testing.T) {
	b := bus.New("node-1", nil)
	tr := NewTracker(b, nil)

	tr.SessionOpened("u4")
	tr.SessionOpened("u4")
	require.Equal(t, 1, tr.SessionClosed("u4"))
	require.Equal(t, 0, tr.SessionClosed("u4"))
	require.Equal(t, 0, tr.SessionClosed("u4"))
}
