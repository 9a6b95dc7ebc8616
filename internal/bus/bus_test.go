package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Emit("conn.state_changed", "connected")

	select {
	case evt := <-ch:
		if evt.Kind != "conn.state_changed" {
			t.Errorf("got kind %q, want conn.state_changed", evt.Kind)
		}
		if evt.ID == "" {
			t.Error("event id not assigned")
		}
		if evt.Timestamp.IsZero() {
			t.Error("event timestamp not assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("call.", 10)
	defer unsub()

	b.Emit("message.upserted", nil)
	b.Emit("call.ended", nil)

	select {
	case evt := <-ch:
		if evt.Kind != "call.ended" {
			t.Errorf("got kind %q, want call.ended", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("presence.", 10)
	unsub()
	unsub() // second call is harmless

	b.Emit("presence.online", "u1")

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Emit("test.one", nil)
	b.Emit("test.two", nil)

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Emit("conn.state_changed", nil)
}

func TestNamespace(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{"conn.state_changed", "conn."},
		{"call.ended", "call."},
		{"bare", "bare"},
	}
	for _, tt := range tests {
		if got := (Event{Kind: tt.kind}).Namespace(); got != tt.want {
			t.Errorf("Namespace(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
