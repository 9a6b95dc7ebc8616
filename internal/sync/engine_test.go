package sync

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/conn"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/wire"
)

type fakeSignaler struct {
	mu       gosync.Mutex
	handlers map[string]conn.Handler
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

type fakeTimeline struct {
	mu        gosync.Mutex
	pushed    []model.Message
	statuses  map[string]model.Status
	open      []string
	refreshed chan string
	ingestErr error
}

func newFakeTimeline(open ...string) *fakeTimeline {
	return &fakeTimeline{statuses: make(map[string]model.Status), open: open, refreshed: make(chan string, 16)}
}

func (f *fakeTimeline) IngestPushed(_ context.Context, msg model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ingestErr != nil {
		return f.ingestErr
	}
	f.pushed = append(f.pushed, msg)
	return nil
}

func (f *fakeTimeline) ApplyStatusUpdate(id string, st model.Status) (bool, error) {
	if !st.Valid() {
		return false, errors.New("bad status")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = st
	return true, nil
}

func (f *fakeTimeline) Refresh(_ context.Context, id string) error {
	select {
	case f.refreshed <- id:
	default:
	}
	return nil
}

func (f *fakeTimeline) OpenConversations() []string { return slices.Clone(f.open) }

type fakeAcker struct {
	acks chan string
}

func (f *fakeAcker) UpdateDeliveryStatus(_ context.Context, id string, st model.Status) error {
	f.acks <- id + ":" + string(st)
	return nil
}

func startEngine(t *testing.T, tl *fakeTimeline, acker Acker) (*fakeSignaler, *bus.Bus) {
	t.Helper()
	sig := &fakeSignaler{}
	b := bus.New()
	e := NewEngine(sig, tl, acker, b, func() string { return "me" }, nil)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return sig, b
}

func TestEngineIngestsPushedMessage(t *testing.T) {
	tl := newFakeTimeline()
	acker := &fakeAcker{acks: make(chan string, 4)}
	sig, _ := startEngine(t, tl, acker)

	sig.push(t, wire.EventNewMessage, model.Message{ID: "srv1", ConversationID: "c1", SenderID: "bob", Kind: model.KindText, Body: "hi", Status: model.StatusSent})

	if len(tl.pushed) != 1 || tl.pushed[0].ID != "srv1" {
		t.Fatalf("pushed = %+v", tl.pushed)
	}
	select {
	case got := <-acker.acks:
		if got != "srv1:delivered" {
			t.Errorf("ack = %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("peer message not acked as delivered")
	}
}

func TestEngineDoesNotAckOwnMessages(t *testing.T) {
	tl := newFakeTimeline()
	acker := &fakeAcker{acks: make(chan string, 4)}
	sig, _ := startEngine(t, tl, acker)

	sig.push(t, wire.EventNewMessage, model.Message{ID: "srv1", ConversationID: "c1", SenderID: "me", Kind: model.KindText, Body: "hi", Status: model.StatusSent})
	sig.push(t, wire.EventNewMessage, model.Message{ID: "srv2", ConversationID: "c1", SenderID: "bob", Kind: model.KindText, Body: "yo", Status: model.StatusRead})

	select {
	case got := <-acker.acks:
		t.Errorf("unexpected ack %s", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestEngineSkipsFailedIngest(t *testing.T) {
	tl := newFakeTimeline()
	tl.ingestErr = errors.New("invalid")
	acker := &fakeAcker{acks: make(chan string, 4)}
	sig, _ := startEngine(t, tl, acker)

	sig.push(t, wire.EventNewMessage, model.Message{ConversationID: "c1", SenderID: "bob"})
	sig.push(t, wire.EventNewMessage, json.RawMessage(`"not an object"`))
	select {
	case got := <-acker.acks:
		t.Errorf("unexpected ack %s", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestEngineAppliesStatusUpdate(t *testing.T) {
	tl := newFakeTimeline()
	sig, _ := startEngine(t, tl, nil)

	sig.push(t, wire.EventMessageStatusUpdate, wire.StatusUpdate{MessageID: "srv1", Status: model.StatusRead})
	sig.push(t, wire.EventMessageStatusUpdate, wire.StatusUpdate{MessageID: "srv2", Status: "bogus"})
	if tl.statuses["srv1"] != model.StatusRead || len(tl.statuses) != 1 {
		t.Errorf("statuses = %v", tl.statuses)
	}
}

func TestEngineRefreshesAfterReconnect(t *testing.T) {
	tl := newFakeTimeline("c1", "c2")
	_, b := startEngine(t, tl, nil)

	// The first connect is not a gap.
	b.Emit(conn.EventConnected, conn.Connected{})
	select {
	case id := <-tl.refreshed:
		t.Fatalf("refreshed %s on first connect", id)
	case <-time.After(30 * time.Millisecond):
	}

	b.Emit(conn.EventConnected, conn.Connected{Reconnect: true})
	var got []string
	for len(got) < 2 {
		select {
		case id := <-tl.refreshed:
			got = append(got, id)
		case <-time.After(time.Second):
			t.Fatalf("refreshed = %v", got)
		}
	}
	if !slices.Equal(got, []string{"c1", "c2"}) {
		t.Errorf("refreshed = %v", got)
	}
}

func TestEngineStopRemovesHandlers(t *testing.T) {
	tl := newFakeTimeline()
	sig := &fakeSignaler{}
	e := NewEngine(sig, tl, nil, bus.New(), nil, nil)
	e.Start(context.Background())
	e.Stop()
	if len(sig.handlers) != 0 {
		t.Errorf("handlers left: %d", len(sig.handlers))
	}
}

func TestPollerRefreshesOpenConversations(t *testing.T) {
	tl := newFakeTimeline("c1")
	p := NewPoller(tl, 10*time.Millisecond, nil)
	p.Start(context.Background())
	defer p.Stop()

	for range 2 {
		select {
		case id := <-tl.refreshed:
			if id != "c1" {
				t.Errorf("refreshed %s", id)
			}
		case <-time.After(time.Second):
			t.Fatal("poller never refreshed")
		}
	}
}

func TestPollerDisabled(t *testing.T) {
	tl := newFakeTimeline("c1")
	p := NewPoller(tl, 0, nil)
	p.Start(context.Background())
	p.Stop()
	select {
	case id := <-tl.refreshed:
		t.Errorf("disabled poller refreshed %s", id)
	case <-time.After(30 * time.Millisecond):
	}
}
