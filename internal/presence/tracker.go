// Package presence derives which peers are online and who is typing in
// which conversation from the connection's push events.
package presence

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/conn"
	"github.com/matheus3301/heartline/internal/wire"
	"go.uber.org/zap"
)

// Bus event kinds.
const (
	EventOnline  = "presence.online"
	EventOffline = "presence.offline"
	EventTyping  = "presence.typing"
)

// DefaultTypingDecay is how long a typing flag lives without a refresh.
const DefaultTypingDecay = 3 * time.Second

// Signaler is the real-time connection as seen by the tracker.
type Signaler interface {
	Emit(event string, payload any) bool
	On(event string, h conn.Handler) func()
}

// TypingChanged is the payload of presence.typing.
type TypingChanged struct {
	ConversationID string
	UserID         string
	Typing         bool
}

type typist struct {
	timer *time.Timer
}

// Snapshot is the tracker state at one instant.
type Snapshot struct {
	Online []string
	// Typing maps conversation id to the users typing in it.
	Typing map[string][]string
}

// Tracker holds online peers and per-conversation typing flags.
type Tracker struct {
	sig    Signaler
	bus    *bus.Bus
	log    *zap.Logger
	decay  time.Duration
	selfID func() string

	mu     sync.Mutex
	online map[string]struct{}
	typing map[string]map[string]*typist
	unsubs []func()
}

// NewTracker creates a tracker. A zero decay uses DefaultTypingDecay.
func NewTracker(sig Signaler, b *bus.Bus, selfID func() string, decay time.Duration, log *zap.Logger) *Tracker {
	if decay <= 0 {
		decay = DefaultTypingDecay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		sig:    sig,
		bus:    b,
		log:    log,
		decay:  decay,
		selfID: selfID,
		online: make(map[string]struct{}),
		typing: make(map[string]map[string]*typist),
	}
}

// Register installs the push handlers.
func (t *Tracker) Register() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubs = append(t.unsubs,
		t.sig.On(wire.EventPresenceOnline, t.onOnline),
		t.sig.On(wire.EventPresenceOffline, t.onOffline),
		t.sig.On(wire.EventTypingStart, func(data json.RawMessage) { t.onTyping(data, true) }),
		t.sig.On(wire.EventTypingStop, func(data json.RawMessage) { t.onTyping(data, false) }),
	)
}

// Close removes the handlers and stops every decay timer.
func (t *Tracker) Close() {
	t.mu.Lock()
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	t.Reset()
}

// Reset forgets everything, for example after logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, users := range t.typing {
		for _, ty := range users {
			ty.timer.Stop()
		}
	}
	clear(t.typing)
	clear(t.online)
}

// IsOnline reports whether userID is online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns the online user ids, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Typing returns the users typing in conversationID, sorted.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return typingLocked(t.typing[conversationID])
}

// Snapshot returns the whole tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{Online: make([]string, 0, len(t.online)), Typing: make(map[string][]string, len(t.typing))}
	for id := range t.online {
		s.Online = append(s.Online, id)
	}
	slices.Sort(s.Online)
	for conv, users := range t.typing {
		s.Typing[conv] = typingLocked(users)
	}
	return s
}

// SetTyping tells the conversation's room whether the local user is typing.
// It reports whether the signal left the device.
func (t *Tracker) SetTyping(conversationID string, typing bool) bool {
	return t.sig.Emit(wire.EventUserTyping, wire.Typing{ConversationID: conversationID, Typing: typing})
}

func (t *Tracker) onOnline(data json.RawMessage) {
	p, ok := t.decodePresence(data, wire.EventPresenceOnline)
	if !ok {
		return
	}
	t.mu.Lock()
	_, was := t.online[p.UserID]
	t.online[p.UserID] = struct{}{}
	t.mu.Unlock()
	if !was {
		t.bus.Emit(EventOnline, p.UserID)
	}
}

func (t *Tracker) onOffline(data json.RawMessage) {
	p, ok := t.decodePresence(data, wire.EventPresenceOffline)
	if !ok {
		return
	}
	t.mu.Lock()
	_, was := t.online[p.UserID]
	delete(t.online, p.UserID)
	// Someone who went away is no longer typing anywhere.
	var cleared []TypingChanged
	for conv, users := range t.typing {
		if ty, ok := users[p.UserID]; ok {
			ty.timer.Stop()
			delete(users, p.UserID)
			cleared = append(cleared, TypingChanged{ConversationID: conv, UserID: p.UserID})
		}
		if len(users) == 0 {
			delete(t.typing, conv)
		}
	}
	t.mu.Unlock()
	if was {
		t.bus.Emit(EventOffline, p.UserID)
	}
	for _, c := range cleared {
		t.bus.Emit(EventTyping, c)
	}
}

func (t *Tracker) decodePresence(data json.RawMessage, event string) (wire.Presence, bool) {
	var p wire.Presence
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		t.log.Warn("malformed presence event", zap.String("event", event), zap.Error(err))
		return p, false
	}
	if t.selfID != nil && p.UserID == t.selfID() {
		return p, false
	}
	return p, true
}

func (t *Tracker) onTyping(data json.RawMessage, typing bool) {
	var p wire.Typing
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" || p.UserID == "" {
		t.log.Warn("malformed typing event", zap.Bool("typing", typing), zap.Error(err))
		return
	}
	if t.selfID != nil && p.UserID == t.selfID() {
		return
	}
	if typing {
		t.start(p.ConversationID, p.UserID)
	} else {
		t.stop(p.ConversationID, p.UserID, nil)
	}
}

func (t *Tracker) start(conv, user string) {
	t.mu.Lock()
	users := t.typing[conv]
	if users == nil {
		users = make(map[string]*typist)
		t.typing[conv] = users
	}
	prev, refreshed := users[user]
	if refreshed {
		prev.timer.Stop()
	}
	ty := &typist{}
	ty.timer = time.AfterFunc(t.decay, func() { t.stop(conv, user, ty) })
	users[user] = ty
	t.mu.Unlock()
	if refreshed {
		return
	}
	t.bus.Emit(EventTyping, TypingChanged{ConversationID: conv, UserID: user, Typing: true})
}

// stop clears the flag. A non-nil owner is a decay timer firing; it only
// clears the flag it armed, not a later refresh.
func (t *Tracker) stop(conv, user string, owner *typist) {
	t.mu.Lock()
	users := t.typing[conv]
	ty, ok := users[user]
	if !ok || (owner != nil && ty != owner) {
		t.mu.Unlock()
		return
	}
	ty.timer.Stop()
	delete(users, user)
	if len(users) == 0 {
		delete(t.typing, conv)
	}
	t.mu.Unlock()
	t.bus.Emit(EventTyping, TypingChanged{ConversationID: conv, UserID: user})
}

func typingLocked(users map[string]*typist) []string {
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
