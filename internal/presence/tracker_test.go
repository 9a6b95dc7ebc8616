package presence

import (
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/conn"
	"github.com/matheus3301/heartline/internal/wire"
)

type fakeSignaler struct {
	mu       sync.Mutex
	handlers map[string]conn.Handler
	emitted  []wire.Frame
}

func (f *fakeSignaler) Emit(event string, payload any) bool {
	fr, err := wire.NewFrame(event, payload)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, fr)
	return true
}

func (f *fakeSignaler) On(event string, h conn.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]conn.Handler)
	}
	f.handlers[event] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, event)
	}
}

func (f *fakeSignaler) push(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", event)
	}
	h(raw)
}

func newTracker(t *testing.T, decay time.Duration) (*Tracker, *fakeSignaler, *bus.Bus) {
	t.Helper()
	sig := &fakeSignaler{}
	b := bus.New()
	tr := NewTracker(sig, b, func() string { return "me" }, decay, nil)
	tr.Register()
	t.Cleanup(tr.Close)
	return tr, sig, b
}

func TestOnlineOffline(t *testing.T) {
	tr, sig, b := newTracker(t, time.Hour)
	events, unsub := b.Subscribe("presence.", 8)
	defer unsub()

	sig.push(t, wire.EventPresenceOnline, wire.Presence{UserID: "bob"})
	sig.push(t, wire.EventPresenceOnline, wire.Presence{UserID: "alice"})
	sig.push(t, wire.EventPresenceOnline, wire.Presence{UserID: "bob"})
	sig.push(t, wire.EventPresenceOnline, wire.Presence{UserID: "me"})

	if got := tr.Online(); !slices.Equal(got, []string{"alice", "bob"}) {
		t.Errorf("Online() = %v", got)
	}
	if len(events) != 2 {
		t.Errorf("events = %d, want 2 (repeats and self ignored)", len(events))
	}

	sig.push(t, wire.EventPresenceOffline, wire.Presence{UserID: "bob"})
	if tr.IsOnline("bob") || !tr.IsOnline("alice") {
		t.Errorf("Online() = %v", tr.Online())
	}
	sig.push(t, wire.EventPresenceOnline, json.RawMessage(`{}`))
	if len(tr.Online()) != 1 {
		t.Error("malformed event changed state")
	}
}

func TestTypingStartStop(t *testing.T) {
	tr, sig, _ := newTracker(t, time.Hour)
	sig.push(t, wire.EventTypingStart, wire.Typing{ConversationID: "c1", UserID: "bob"})
	sig.push(t, wire.EventTypingStart, wire.Typing{ConversationID: "c1", UserID: "carol"})
	sig.push(t, wire.EventTypingStart, wire.Typing{ConversationID: "c1", UserID: "me"})

	if got := tr.Typing("c1"); !slices.Equal(got, []string{"bob", "carol"}) {
		t.Errorf("Typing(c1) = %v", got)
	}
	sig.push(t, wire.EventTypingStop, wire.Typing{ConversationID: "c1", UserID: "bob"})
	if got := tr.Typing("c1"); !slices.Equal(got, []string{"carol"}) {
		t.Errorf("Typing(c1) after stop = %v", got)
	}
	if got := tr.Typing("c2"); len(got) != 0 {
		t.Errorf("Typing(c2) = %v", got)
	}
}

func TestTypingDecays(t *testing.T) {
	tr, sig, b := newTracker(t, 20*time.Millisecond)
	events, unsub := b.Subscribe(EventTyping, 8)
	defer unsub()

	sig.push(t, wire.EventTypingStart, wire.Typing{ConversationID: "c1", UserID: "bob"})
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.Typing("c1")) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("typing flag never decayed")
		}
		time.Sleep(2 * time.Millisecond)
	}
	var got []bool
	for len(got) < 2 {
		select {
		case evt := <-events:
			got = append(got, evt.Payload.(TypingChanged).Typing)
		case <-time.After(time.Second):
			t.Fatalf("typing events = %v", got)
		}
	}
	if !got[0] || got[1] {
		t.Errorf("typing events = %v, want [true false]", got)
	}
}

func TestTypingRefreshExtendsDecay(t *testing.T) {
	tr, sig, b := newTracker(t, 150*time.Millisecond)
	events, unsub := b.Subscribe(EventTyping, 8)
	defer unsub()

	sig.push(t, wire.EventTypingStart, wire.Typing{ConversationID: "c1", UserID: "bob"})
	time.Sleep(100 * time.Millisecond)
	sig.push(t, wire.EventTypingStart, wire.Typing{ConversationID: "c1", UserID: "bob"})
	time.Sleep(100 * time.Millisecond)
	if len(tr.Typing("c1")) != 1 {
		t.Error("refreshed flag decayed early")
	}
	if len(events) != 1 {
		t.Errorf("refresh emitted %d events", len(events))
	}
}

func TestOfflineClearsTyping(t *testing.T) {
	tr, sig, _ := newTracker(t, time.Hour)
	sig.push(t, wire.EventPresenceOnline, wire.Presence{UserID: "bob"})
	sig.push(t, wire.EventTypingStart, wire.Typing{ConversationID: "c1", UserID: "bob"})
	sig.push(t, wire.EventTypingStart, wire.Typing{ConversationID: "c2", UserID: "bob"})
	sig.push(t, wire.EventPresenceOffline, wire.Presence{UserID: "bob"})

	snap := tr.Snapshot()
	if len(snap.Online) != 0 || len(snap.Typing) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSetTypingEmits(t *testing.T) {
	tr, sig, _ := newTracker(t, time.Hour)
	if !tr.SetTyping("c1", true) {
		t.Fatal("SetTyping not sent")
	}
	if len(sig.emitted) != 1 || sig.emitted[0].Event != wire.EventUserTyping {
		t.Fatalf("emitted = %+v", sig.emitted)
	}
	var p wire.Typing
	if err := sig.emitted[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.ConversationID != "c1" || !p.Typing {
		t.Errorf("payload = %+v", p)
	}
}

func TestResetAndClose(t *testing.T) {
	tr, sig, _ := newTracker(t, time.Hour)
	sig.push(t, wire.EventPresenceOnline, wire.Presence{UserID: "bob"})
	sig.push(t, wire.EventTypingStart, wire.Typing{ConversationID: "c1", UserID: "bob"})
	tr.Reset()
	if snap := tr.Snapshot(); len(snap.Online) != 0 || len(snap.Typing) != 0 {
		t.Errorf("after Reset = %+v", snap)
	}
	tr.Close()
	if len(sig.handlers) != 0 {
		t.Errorf("handlers left after Close: %d", len(sig.handlers))
	}
}
