package gateway

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/nexus-chat/nexus/internal/bus"
)

// State is one node of the session state machine.
type State int32

const (
	StateAccepted State = iota
	StateHelloSent
	StateAuthenticating
	StateReady
	StateZombie
	StateClosing
)

// outboundQueueCapacity bounds a session's outbound frame queue. A session
// that lets this many frames pile up unread is evicted rather than allowed
// to block the bus.
const outboundQueueCapacity = 256

// resumeBufferCapacity bounds how many past dispatches a Zombie session
// keeps for replay. Sized independently of the outbound queue: the queue
// absorbs bursts, the ring serves Resume.
const resumeBufferCapacity = 128

// defaultHeartbeatInterval is the un-jittered heartbeat period advertised
// in Hello.
const defaultHeartbeatInterval = 45 * time.Second

// defaultZombieWindow is how long a Zombie session's buffer survives
// waiting for Resume before the session is dropped for good.
const defaultZombieWindow = 90 * time.Second

// bufferedDispatch is one entry in a session's resume ring: the sequence
// number it was assigned and the exact frame sent to the client.
type bufferedDispatch struct {
	seq   uint64
	frame Frame
}

// Conn is the minimal duplex-stream contract the session needs; satisfied
// directly by *websocket.Conn and by test fakes.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Session is one client connection's state. The Manager exclusively owns
// the registry; a Session owns its own buffers and transport, and is only
// ever mutated by its own goroutines plus the Manager's reaper (for zombie
// expiry).
type Session struct {
	ID     string
	UserID string

	manager *Manager

	mu   sync.Mutex
	conn Conn

	state State

	send chan Frame

	seq           uint64
	resumeBuf     []bufferedDispatch
	resumeBufHead int

	scopes    mapset.Set
	subs      map[string]*bus.Subscription
	subCancel map[string]chan struct{}

	heartbeatInterval time.Duration
	lastClientFrame   time.Time
	zombieSince       time.Time

	closeOnce *sync.Once
	done      chan struct{}
}

func newSession(id, userID string, conn Conn, manager *Manager) *Session {
	// The jitter is rolled once per session and frozen: the liveness rule
	// uses this interval for the whole connection. Hello advertises the
	// un-jittered base interval, not this one.
	jitter := 0.9 + rand.Float64()*0.2
	interval := time.Duration(float64(manager.heartbeatBase) * jitter)

	return &Session{
		ID:                id,
		UserID:            userID,
		manager:           manager,
		conn:              conn,
		send:              make(chan Frame, outboundQueueCapacity),
		scopes:            mapset.NewSet(),
		subs:              make(map[string]*bus.Subscription),
		subCancel:         make(map[string]chan struct{}),
		heartbeatInterval: interval,
		lastClientFrame:   time.Now(),
		closeOnce:         new(sync.Once),
		done:              make(chan struct{}),
	}
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) transport() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// nextSeq allocates the next per-session sequence number. Sequence numbers
// are strictly increasing and contiguous across all dispatches of one
// session's lifetime, including across Resume.
func (s *Session) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// recordDispatch appends a dispatched frame to the resume ring, evicting
// the oldest entry once resumeBufferCapacity is exceeded.
func (s *Session) recordDispatch(seq uint64, frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := bufferedDispatch{seq: seq, frame: frame}
	if len(s.resumeBuf) < resumeBufferCapacity {
		s.resumeBuf = append(s.resumeBuf, entry)
		return
	}
	s.resumeBuf[s.resumeBufHead] = entry
	s.resumeBufHead = (s.resumeBufHead + 1) % resumeBufferCapacity
}

// replaySince returns, in order, every buffered dispatch with seq > since.
// ok is false if since has already rolled off the buffer, in which case the
// client cannot be caught up and must re-Identify.
func (s *Session) replaySince(since uint64) (frames []Frame, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.resumeBuf) == 0 {
		return nil, since == s.seq
	}

	ordered := make([]bufferedDispatch, len(s.resumeBuf))
	copy(ordered, s.resumeBuf[s.resumeBufHead:])
	copy(ordered[len(s.resumeBuf)-s.resumeBufHead:], s.resumeBuf[:s.resumeBufHead])

	oldest := ordered[0].seq
	if since < oldest-1 {
		return nil, false
	}

	for _, d := range ordered {
		if d.seq > since {
			frames = append(frames, d.frame)
		}
	}
	return frames, true
}

// pushDispatch assigns the next seq, appends to the resume buffer, and
// enqueues the frame for delivery. Returns false if the outbound queue was
// full; the caller must then evict the session.
func (s *Session) pushDispatch(eventName string, payload json.RawMessage) bool {
	seq := s.nextSeq()
	frame := Frame{Op: OpDispatch, T: eventName, D: payload, S: &seq}
	s.recordDispatch(seq, frame)

	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// touch records that a frame was received from the client, resetting the
// liveness clock.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastClientFrame = time.Now()
	s.mu.Unlock()
}

func (s *Session) sinceLastClientFrame() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastClientFrame)
}

// markZombie transitions to Zombie, stamping the grace-window start.
func (s *Session) markZombie() {
	s.mu.Lock()
	s.state = StateZombie
	s.zombieSince = time.Now()
	s.mu.Unlock()
}

func (s *Session) zombieExpired(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateZombie && time.Since(s.zombieSince) > window
}

// subscribe adds topic to this session's scope set and starts forwarding
// bus envelopes on that topic into dispatch frames.
func (s *Session) subscribe(topic string) {
	s.mu.Lock()
	if s.scopes.Contains(topic) {
		s.mu.Unlock()
		return
	}
	s.scopes.Add(topic)
	done := s.done
	s.mu.Unlock()

	sub := s.manager.bus.Subscribe(topic)
	cancel := make(chan struct{})

	s.mu.Lock()
	s.subs[topic] = sub
	s.subCancel[topic] = cancel
	s.mu.Unlock()

	go func() {
		for {
			select {
			case env, ok := <-sub.C:
				if !ok {
					// The bus dropped this subscriber for lagging. Unless
					// the close raced a deliberate unsubscribe, the session
					// can no longer honor its subscription contract and
					// must go through the reconnect path.
					select {
					case <-cancel:
					default:
						s.manager.evictSlow(s)
					}
					return
				}
				if !s.pushDispatch(env.Type, env.Payload) {
					s.manager.evictSlow(s)
					return
				}
			case <-cancel:
				sub.Unsubscribe()
				return
			case <-done:
				sub.Unsubscribe()
				return
			}
		}
	}()
}

func (s *Session) unsubscribe(topic string) {
	s.mu.Lock()
	cancel, ok := s.subCancel[topic]
	if ok {
		delete(s.subCancel, topic)
		delete(s.subs, topic)
		s.scopes.Remove(topic)
	}
	s.mu.Unlock()
	if ok {
		close(cancel)
	}
}

// rebind attaches a fresh transport to a zombie session and restarts its
// bus subscriptions. The scope set, seq counter and resume ring carry over;
// everything tied to the dead transport (done channel, close guard,
// subscription forwarders) is rebuilt.
func (s *Session) rebind(conn Conn) {
	s.mu.Lock()
	for topic, cancel := range s.subCancel {
		close(cancel)
		delete(s.subCancel, topic)
		delete(s.subs, topic)
	}
	topics := s.scopes.ToSlice()
	s.scopes = mapset.NewSet()

	s.conn = conn
	s.done = make(chan struct{})
	s.closeOnce = new(sync.Once)
	s.state = StateReady
	s.lastClientFrame = time.Now()

	// Drain frames queued for the dead transport; the resume ring already
	// holds them and the replay path delivers them on the new one.
	for {
		select {
		case <-s.send:
			continue
		default:
		}
		break
	}
	s.mu.Unlock()

	for _, topic := range topics {
		s.subscribe(topic.(string))
	}
}

// closeTransport closes the underlying connection exactly once per bound
// transport, leaving the resume buffer and scopes intact for a possible
// Resume.
func (s *Session) closeTransport() {
	s.mu.Lock()
	once := s.closeOnce
	done := s.done
	conn := s.conn
	s.mu.Unlock()
	once.Do(func() {
		close(done)
		conn.Close()
	})
}
