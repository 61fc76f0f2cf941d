package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/nexus-chat/nexus/internal/bus"
)

// Identifier authenticates Identify/Resume tokens. Token issuance, user
// lookup, and channel-membership computation live with the REST/CRUD
// collaborator; the gateway only depends on this narrow interface.
type Identifier interface {
	// Identify validates token and returns the user id plus the initial
	// scope set (every member channel and DM of that user).
	Identify(token string) (userID string, scopes []string, err error)
	// ValidateResume validates a resume token and returns the user id it
	// authenticates, for cross-checking against the zombie session found.
	ValidateResume(token string) (userID string, err error)
}

// Manager owns the session registry. It is constructed once per node and
// torn down at shutdown; all shared state lives in this struct, nothing at
// package scope.
type Manager struct {
	bus        *bus.Bus
	identifier Identifier

	heartbeatBase time.Duration
	resumeWindow  time.Duration

	sessions sync.Map // id -> *Session
	nextID   func() string

	onReady func(userID string)
	onGone  func(userID string)

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// Config configures a Manager.
type Config struct {
	HeartbeatBase time.Duration
	ResumeWindow  time.Duration
	SessionID     func() string

	// OnReady fires when a session reaches Ready (fresh Identify only, not
	// Resume); OnGone fires when a session record is finally dropped. Both
	// are optional; the presence tracker hangs off them.
	OnReady func(userID string)
	OnGone  func(userID string)
}

// NewManager constructs a Manager. eventBus is the bus sessions subscribe
// to; identifier authenticates Identify/Resume.
func NewManager(eventBus *bus.Bus, identifier Identifier, cfg Config) *Manager {
	if cfg.HeartbeatBase == 0 {
		cfg.HeartbeatBase = defaultHeartbeatInterval
	}
	if cfg.ResumeWindow == 0 {
		cfg.ResumeWindow = defaultZombieWindow
	}
	m := &Manager{
		bus:           eventBus,
		identifier:    identifier,
		heartbeatBase: cfg.HeartbeatBase,
		resumeWindow:  cfg.ResumeWindow,
		nextID:        cfg.SessionID,
		onReady:       cfg.OnReady,
		onGone:        cfg.OnGone,
		reaperStop:    make(chan struct{}),
		reaperDone:    make(chan struct{}),
	}
	go m.reap()
	return m
}

// Accept drives one connection through the full state machine: Hello,
// Identify/Resume, Ready, and eventually Closing. It blocks until the
// connection's read loop exits; callers run it in its own goroutine, one
// per connection.
func (m *Manager) Accept(conn Conn) {
	if err := m.sendHello(conn, m.heartbeatBase); err != nil {
		conn.Close()
		return
	}

	session, err := m.authenticate(conn)
	if err != nil {
		conn.Close()
		return
	}
	if session == nil {
		// authenticate already closed the connection (InvalidSession,
		// decode error, or auth failure).
		return
	}

	go m.writeLoop(session)
	m.readLoop(session)
}

func (m *Manager) sendHello(conn Conn, base time.Duration) error {
	hello, err := encodeFrame(OpHello, helloPayload{HeartbeatIntervalMS: base.Milliseconds()})
	if err != nil {
		return err
	}
	return writeFrame(conn, hello)
}

// authenticate reads exactly one control frame (Identify or Resume) and
// returns the resulting session, or nil if it already closed the
// connection after sending an error frame/close code.
func (m *Manager) authenticate(conn Conn) (*Session, error) {
	conn.SetReadDeadline(time.Now().Add(2 * m.heartbeatBase))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		closeWithCode(conn, CloseDecodeError)
		return nil, nil
	}

	switch frame.Op {
	case OpIdentify:
		return m.handleIdentify(conn, frame)
	case OpResume:
		return m.handleResume(conn, frame)
	default:
		closeWithCode(conn, CloseNotAuthenticated)
		return nil, nil
	}
}

func (m *Manager) handleIdentify(conn Conn, frame Frame) (*Session, error) {
	var body identifyPayload
	if err := json.Unmarshal(frame.D, &body); err != nil {
		closeWithCode(conn, CloseDecodeError)
		return nil, nil
	}

	userID, scopes, err := m.identifier.Identify(body.Token)
	if err != nil {
		closeWithCode(conn, CloseAuthFailed)
		return nil, nil
	}

	id := m.nextID()
	session := newSession(id, userID, conn, m)
	session.setState(StateReady)
	for _, scope := range scopes {
		session.subscribe(scope)
	}
	m.sessions.Store(id, session)

	ready, err := encodeFrame(OpDispatch, readyPayload{SessionID: id, User: map[string]string{"id": userID}})
	if err != nil {
		return nil, err
	}
	seq := session.nextSeq()
	ready.T = "READY"
	ready.S = &seq
	session.recordDispatch(seq, ready)
	if err := writeFrame(conn, ready); err != nil {
		return nil, err
	}

	if m.onReady != nil {
		m.onReady(userID)
	}
	return session, nil
}

func (m *Manager) handleResume(conn Conn, frame Frame) (*Session, error) {
	var body resumePayload
	if err := json.Unmarshal(frame.D, &body); err != nil {
		closeWithCode(conn, CloseDecodeError)
		return nil, nil
	}

	userID, err := m.identifier.ValidateResume(body.Token)
	if err != nil {
		closeWithCode(conn, CloseAuthFailed)
		return nil, nil
	}

	v, ok := m.sessions.Load(body.SessionID)
	if !ok {
		return m.rejectResume(conn)
	}
	session := v.(*Session)
	if session.UserID != userID || session.getState() != StateZombie {
		return m.rejectResume(conn)
	}

	frames, ok := session.replaySince(body.Seq)
	if !ok {
		m.dropSession(session)
		return m.rejectResume(conn)
	}

	session.rebind(conn)
	for _, f := range frames {
		if err := writeFrame(conn, f); err != nil {
			return nil, err
		}
	}
	return session, nil
}

func (m *Manager) rejectResume(conn Conn) (*Session, error) {
	inv, err := encodeFrame(OpInvalidSession, invalidSessionPayload{Resumable: false})
	if err == nil {
		writeFrame(conn, inv)
	}
	closeWithCode(conn, CloseInvalidSeq)
	return nil, nil
}

// readLoop processes inbound control frames until the connection breaks or
// the liveness window elapses.
func (m *Manager) readLoop(session *Session) {
	defer m.onReadLoopExit(session)

	conn := session.transport()
	for {
		conn.SetReadDeadline(time.Now().Add(2 * session.heartbeatInterval))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			closeWithCode(conn, CloseDecodeError)
			return
		}
		session.touch()

		switch frame.Op {
		case OpHeartbeat:
			ack, _ := encodeFrame(OpHeartbeatAck, nil)
			select {
			case session.send <- ack:
			default:
			}
		default:
			closeWithCode(conn, CloseUnknownOpcode)
			return
		}
	}
}

// onReadLoopExit transitions a session to Zombie on transport loss,
// preserving its buffer for the resume window rather than discarding the
// session outright.
func (m *Manager) onReadLoopExit(session *Session) {
	if session.getState() == StateClosing {
		return
	}
	session.markZombie()
}

// writeLoop drains a session's outbound queue to the transport it was
// started against. A rebind replaces the done channel, so this loop (bound
// to the old transport) winds down and the resumed connection gets its own.
func (m *Manager) writeLoop(session *Session) {
	session.mu.Lock()
	conn := session.conn
	done := session.done
	session.mu.Unlock()

	for {
		select {
		case frame, ok := <-session.send:
			if !ok {
				return
			}
			if err := writeFrame(conn, frame); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// evictSlow handles outbound-queue overflow: tell the client to reconnect,
// close the transport, and keep the buffer so a prompt Resume succeeds.
func (m *Manager) evictSlow(session *Session) {
	conn := session.transport()
	reconnect, err := encodeFrame(OpReconnect, nil)
	if err == nil {
		writeFrame(conn, reconnect)
	}
	session.markZombie()
	closeWithCode(conn, CloseSessionTimeout)
	session.closeTransport()
}

func (m *Manager) dropSession(session *Session) {
	session.setState(StateClosing)
	m.sessions.Delete(session.ID)
	session.closeTransport()
	if m.onGone != nil {
		m.onGone(session.UserID)
	}
}

// reap periodically scans sessions for liveness-window and zombie-window
// expiry, holding each session's own lock only briefly; there is no
// registry-wide lock to stall under.
func (m *Manager) reap() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sessions.Range(func(key, value interface{}) bool {
				session := value.(*Session)
				switch session.getState() {
				case StateReady:
					if session.sinceLastClientFrame() > 2*session.heartbeatInterval {
						session.markZombie()
						closeWithCode(session.transport(), CloseHeartbeatTimeout)
						session.closeTransport()
					}
				case StateZombie:
					if session.zombieExpired(m.resumeWindow) {
						m.dropSession(session)
						log.Printf("gateway: session %s closed after zombie window elapsed", session.ID)
					}
				}
				return true
			})
		case <-m.reaperStop:
			return
		}
	}
}

// Shutdown stops the reaper and sends Reconnect to every Ready session so
// clients re-home to another node before the listener goes away.
func (m *Manager) Shutdown() {
	close(m.reaperStop)
	<-m.reaperDone

	m.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		if session.getState() == StateReady {
			conn := session.transport()
			reconnect, err := encodeFrame(OpReconnect, nil)
			if err == nil {
				writeFrame(conn, reconnect)
			}
			session.closeTransport()
		}
		return true
	})
}

// AddScope subscribes every live session of userID to topic, e.g. after
// the user joins a channel or server.
func (m *Manager) AddScope(userID, topic string) {
	m.sessions.Range(func(_, value interface{}) bool {
		session := value.(*Session)
		if session.UserID == userID && session.getState() == StateReady {
			session.subscribe(topic)
		}
		return true
	})
}

// RemoveScope unsubscribes every session of userID from topic, e.g. after
// the user leaves or mutes a channel.
func (m *Manager) RemoveScope(userID, topic string) {
	m.sessions.Range(func(_, value interface{}) bool {
		session := value.(*Session)
		if session.UserID == userID {
			session.unsubscribe(topic)
		}
		return true
	})
}

// SessionCount reports the number of tracked sessions (Ready + Zombie).
func (m *Manager) SessionCount() int {
	n := 0
	m.sessions.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

func writeFrame(conn Conn, frame Frame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(1, b) // websocket.TextMessage
}

func closeWithCode(conn Conn, code CloseCode) {
	// RFC 6455 close payload: 2-byte big-endian status code. Message type 8
	// is the websocket control close frame.
	log.Printf("gateway: closing connection with code %d", code)
	conn.WriteMessage(8, []byte{byte(code >> 8), byte(code)})
	conn.Close()
}
