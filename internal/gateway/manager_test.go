package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexus-chat/nexus/internal/bus"
)

// fakeConn is an in-memory Conn for exercising the state machine without a
// real network socket.
type fakeConn struct {
	mu      sync.Mutex
	inbox   chan []byte
	outbox  [][]byte
	closed  bool
	onClose chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16), onClose: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	b, ok := <-c.inbox
	if !ok {
		return 0, nil, errors.New("fakeConn: closed")
	}
	return 1, b, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fakeConn: write on closed conn")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.outbox = append(c.outbox, cp)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.inbox)
	close(c.onClose)
	return nil
}

func (c *fakeConn) send(frame Frame) {
	b, _ := json.Marshal(frame)
	c.inbox <- b
}

func (c *fakeConn) frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, 0, len(c.outbox))
	for _, b := range c.outbox {
		var f Frame
		json.Unmarshal(b, &f)
		out = append(out, f)
	}
	return out
}

type fakeIdentifier struct{}

func (fakeIdentifier) Identify(token string) (string, []string, error) {
	if token != "good-token" {
		return "", nil, errors.New("bad token")
	}
	return "user-1", []string{"channel:general"}, nil
}

func (fakeIdentifier) ValidateResume(token string) (string, error) {
	if token != "good-token" {
		return "", errors.New("bad token")
	}
	return "user-1", nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	b := bus.New("test-node", nil)
	counter := 0
	m := NewManager(b, fakeIdentifier{}, Config{
		HeartbeatBase: 50 * time.Millisecond,
		ResumeWindow:  200 * time.Millisecond,
		SessionID: func() string {
			counter++
			return "sess-" + string(rune('a'+counter))
		},
	})
	t.Cleanup(m.Shutdown)
	return m
}

func TestAcceptIdentifySendsHelloThenReady(t *testing.T) {
	m := newTestManager(t)
	conn := newFakeConn()

	done := make(chan struct{})
	go func() {
		m.Accept(conn)
		close(done)
	}()

	conn.send(Frame{Op: OpIdentify, D: json.RawMessage(`{"token":"good-token"}`)})

	require.Eventually(t, func() bool {
		return len(conn.frames()) >= 2
	}, time.Second, 5*time.Millisecond)

	frames := conn.frames()
	require.Equal(t, OpHello, frames[0].Op)
	require.Equal(t, "READY", frames[1].T)
	require.Equal(t, 1, m.SessionCount())

	conn.Close()
	<-done
}

func TestAcceptIdentifyBadTokenClosesConnection(t *testing.T) {
	m := newTestManager(t)
	conn := newFakeConn()

	done := make(chan struct{})
	go func() {
		m.Accept(conn)
		close(done)
	}()

	conn.send(Frame{Op: OpIdentify, D: json.RawMessage(`{"token":"wrong"}`)})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Accept did not return after auth failure")
	}
	require.Equal(t, 0, m.SessionCount())
}

func TestHeartbeatRespondsWithAck(t *testing.T) {
	m := newTestManager(t)
	conn := newFakeConn()

	go m.Accept(conn)
	conn.send(Frame{Op: OpIdentify, D: json.RawMessage(`{"token":"good-token"}`)})

	require.Eventually(t, func() bool { return len(conn.frames()) >= 2 }, time.Second, 5*time.Millisecond)

	conn.send(Frame{Op: OpHeartbeat})

	require.Eventually(t, func() bool {
		for _, f := range conn.frames() {
			if f.Op == OpHeartbeatAck {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestResumeReplaysMissedDispatches(t *testing.T) {
	b := bus.New("test-node", nil)
	m := NewManager(b, fakeIdentifier{}, Config{
		HeartbeatBase: 50 * time.Millisecond,
		ResumeWindow:  5 * time.Second,
		SessionID:     func() string { return "sess-resume" },
	})
	defer m.Shutdown()

	conn1 := newFakeConn()
	accepted := make(chan struct{})
	go func() {
		m.Accept(conn1)
		close(accepted)
	}()
	conn1.send(Frame{Op: OpIdentify, D: json.RawMessage(`{"token":"good-token"}`)})
	require.Eventually(t, func() bool { return len(conn1.frames()) >= 2 }, time.Second, 5*time.Millisecond)

	b.Publish("channel:general", "MESSAGE_CREATE", json.RawMessage(`{"n":1}`))
	require.Eventually(t, func() bool { return len(conn1.frames()) >= 3 }, time.Second, 5*time.Millisecond)

	// Transport drops without a clean close; the session goes Zombie and
	// keeps buffering dispatches it can no longer deliver.
	conn1.Close()
	<-accepted
	require.Equal(t, 1, m.SessionCount())

	b.Publish("channel:general", "MESSAGE_CREATE", json.RawMessage(`{"n":2}`))
	b.Publish("channel:general", "MESSAGE_CREATE", json.RawMessage(`{"n":3}`))

	v, ok := m.sessions.Load("sess-resume")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		v.(*Session).mu.Lock()
		defer v.(*Session).mu.Unlock()
		return v.(*Session).seq >= 4
	}, time.Second, 5*time.Millisecond)

	conn2 := newFakeConn()
	go m.Accept(conn2)
	conn2.send(Frame{Op: OpResume, D: json.RawMessage(`{"token":"good-token","session_id":"sess-resume","seq":2}`)})

	require.Eventually(t, func() bool { return len(conn2.frames()) >= 3 }, time.Second, 5*time.Millisecond)
	frames := conn2.frames()
	require.Equal(t, OpHello, frames[0].Op)
	require.Equal(t, uint64(3), *frames[1].S)
	require.Equal(t, uint64(4), *frames[2].S)

	// New dispatches keep the sequence contiguous on the new transport.
	b.Publish("channel:general", "MESSAGE_CREATE", json.RawMessage(`{"n":4}`))
	require.Eventually(t, func() bool {
		for _, f := range conn2.frames() {
			if f.S != nil && *f.S == 5 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestResumeWithUnknownSessionRejected(t *testing.T) {
	m := newTestManager(t)
	conn := newFakeConn()

	done := make(chan struct{})
	go func() {
		m.Accept(conn)
		close(done)
	}()
	conn.send(Frame{Op: OpResume, D: json.RawMessage(`{"token":"good-token","session_id":"nope","seq":0}`)})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Accept did not return after rejected resume")
	}

	var sawInvalid bool
	for _, f := range conn.frames() {
		if f.Op == OpInvalidSession {
			sawInvalid = true
		}
	}
	require.True(t, sawInvalid)
}

func TestPublishedEventReachesSubscribedSession(t *testing.T) {
	b := bus.New("test-node", nil)
	counter := 0
	m := NewManager(b, fakeIdentifier{}, Config{
		HeartbeatBase: 50 * time.Millisecond,
		ResumeWindow:  200 * time.Millisecond,
		SessionID:     func() string { counter++; return "sess-x" },
	})
	defer m.Shutdown()

	conn := newFakeConn()
	go m.Accept(conn)
	conn.send(Frame{Op: OpIdentify, D: json.RawMessage(`{"token":"good-token"}`)})
	require.Eventually(t, func() bool { return len(conn.frames()) >= 2 }, time.Second, 5*time.Millisecond)

	b.Publish("channel:general", "MESSAGE_CREATE", json.RawMessage(`{"content":"hi"}`))

	require.Eventually(t, func() bool {
		for _, f := range conn.frames() {
			if f.T == "MESSAGE_CREATE" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
