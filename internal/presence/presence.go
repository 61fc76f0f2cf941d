// Package presence tracks per-user online/idle/dnd/invisible/offline state
// and coalesces typing indicators. It sits directly on top of the event
// bus; nothing here is persisted.
package presence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nexus-chat/nexus/internal/bus"
)

// State is one of the five presence values a user can hold.
type State string

const (
	Online    State = "online"
	Idle      State = "idle"
	DND       State = "dnd"
	Invisible State = "invisible"
	Offline   State = "offline"
)

// coalesceWindow suppresses a re-broadcast of the same state within this
// window.
const coalesceWindow = 5 * time.Second

// typingThrottle bounds how often a single (user, channel) pair may emit
// TYPING_START.
const typingThrottle = 3 * time.Second

// MembershipLookup resolves the servers a user belongs to, so a presence
// change can be broadcast to every `server:<id>` topic in addition to
// `user:<id>`. Membership computation itself lives outside this package's
// concern.
type MembershipLookup func(userID string) []string

type userState struct {
	mu            sync.Mutex
	current       State
	sessionCount  int
	lastBroadcast State
	lastSentAt    time.Time
}

// Tracker holds every user's current presence and the typing throttle
// state, turning changes into bus broadcasts.
type Tracker struct {
	bus        *bus.Bus
	membership MembershipLookup

	mu    sync.Mutex
	users map[string]*userState

	typingMu sync.Mutex
	typing   map[string]time.Time // "channelID:userID" -> last publish
}

// NewTracker constructs a Tracker publishing onto eventBus. membership may
// be nil, in which case presence changes broadcast only to `user:<id>`.
func NewTracker(eventBus *bus.Bus, membership MembershipLookup) *Tracker {
	if membership == nil {
		membership = func(string) []string { return nil }
	}
	return &Tracker{
		bus:        eventBus,
		membership: membership,
		users:      make(map[string]*userState),
		typing:     make(map[string]time.Time),
	}
}

func (t *Tracker) stateFor(userID string) *userState {
	t.mu.Lock()
	defer t.mu.Unlock()
	us, ok := t.users[userID]
	if !ok {
		us = &userState{current: Offline}
		t.users[userID] = us
	}
	return us
}

// SessionOpened records a new gateway session for userID, transitioning to
// Online.
func (t *Tracker) SessionOpened(userID string) {
	us := t.stateFor(userID)
	us.mu.Lock()
	us.sessionCount++
	us.mu.Unlock()
	t.set(userID, Online)
}

// SessionClosed unregisters a gateway session. Once a user's last session
// closes, presence falls back to Offline after the caller's configured
// grace period; this method itself performs the immediate bookkeeping, the
// grace delay is the caller's responsibility (driven off the gateway
// reaper, not this package, since only the gateway knows session liveness).
func (t *Tracker) SessionClosed(userID string) (remaining int) {
	us := t.stateFor(userID)
	us.mu.Lock()
	if us.sessionCount > 0 {
		us.sessionCount--
	}
	remaining = us.sessionCount
	us.mu.Unlock()
	return remaining
}

// Set applies an explicit client-requested presence change.
func (t *Tracker) Set(userID string, state State) {
	t.set(userID, state)
}

func (t *Tracker) set(userID string, state State) {
	us := t.stateFor(userID)

	us.mu.Lock()
	us.current = state
	suppress := state == us.lastBroadcast && time.Since(us.lastSentAt) < coalesceWindow
	if !suppress {
		us.lastBroadcast = state
		us.lastSentAt = time.Now()
	}
	us.mu.Unlock()

	if suppress {
		return
	}
	t.broadcast(userID, state)
}

func (t *Tracker) broadcast(userID string, state State) {
	payload, _ := json.Marshal(struct {
		UserID string `json:"user_id"`
		State  State  `json:"state"`
	}{UserID: userID, State: state})

	t.bus.Publish("user:"+userID, "PRESENCE_UPDATE", payload)
	for _, serverID := range t.membership(userID) {
		t.bus.Publish("server:"+serverID, "PRESENCE_UPDATE", payload)
	}
}

// Current returns a user's last-known presence state.
func (t *Tracker) Current(userID string) State {
	us := t.stateFor(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.current
}

// Typing publishes TYPING_START for (channelID, userID), throttled to at
// most one publish per typingThrottle. Typing state is never persisted; it
// is a pure bus broadcast that expires on the client.
func (t *Tracker) Typing(channelID, userID string) {
	key := channelID + ":" + userID

	t.typingMu.Lock()
	last, ok := t.typing[key]
	now := time.Now()
	if ok && now.Sub(last) < typingThrottle {
		t.typingMu.Unlock()
		return
	}
	t.typing[key] = now
	t.typingMu.Unlock()

	payload, _ := json.Marshal(struct {
		ChannelID string `json:"channel_id"`
		UserID    string `json:"user_id"`
	}{ChannelID: channelID, UserID: userID})
	t.bus.Publish("channel:"+channelID, "TYPING_START", payload)
}
