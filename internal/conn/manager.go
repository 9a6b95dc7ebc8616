// Package conn owns the single persistent real-time connection: dialing,
// heartbeat, reconnection with exponential backoff, room membership and
// named-event dispatch.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/status"
	"github.com/matheus3301/heartline/internal/wire"
	"go.uber.org/zap"
)

// Bus event kinds published by the manager, besides conn.state_changed.
const (
	EventStateChanged       = "conn.state_changed"
	EventConnected          = "conn.connected"
	EventReconnectScheduled = "conn.reconnect_scheduled"
	EventOffline            = "conn.offline"
	EventAuthFailed         = "conn.auth_failed"
	EventServerClosed       = "conn.server_closed"
)

// Connected is the payload of conn.connected.
type Connected struct {
	Reconnect bool
	Rooms     []string
}

// ReconnectScheduled is the payload of conn.reconnect_scheduled.
type ReconnectScheduled struct {
	Attempt int
	Delay   time.Duration
	Reason  string
}

// Handler receives the raw payload of a named event. Handlers run on the
// read goroutine, one at a time, in arrival order.
type Handler func(data json.RawMessage)

type handlerSlot struct {
	fn Handler
}

// Options tunes timing.
type Options struct {
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	Backoff           Backoff
}

// Manager is the connection owner.
type Manager struct {
	dialer  Dialer
	opts    Options
	bus     *bus.Bus
	log     *zap.Logger
	machine *status.Machine[State]

	mu         sync.Mutex
	credential string
	identity   Identity
	transport  Transport
	rooms      map[string]struct{}
	handlers   map[string]*handlerSlot
	attempt    int
	lastAck    time.Time
	cancel     context.CancelFunc
	done       chan struct{}
	notify     chan struct{}
}

// NewManager creates a disconnected manager.
func NewManager(dialer Dialer, opts Options, b *bus.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		dialer:   dialer,
		opts:     opts,
		bus:      b,
		log:      log,
		machine:  status.NewMachine(StateDisconnected, transitions, b, EventStateChanged),
		rooms:    make(map[string]struct{}),
		handlers: make(map[string]*handlerSlot),
		notify:   make(chan struct{}),
	}
}

// Connect starts the connection loop with credential. It returns once the
// loop is running; progress is observable through State and the bus. It is a
// no-op while connecting or connected. An unusable credential fails fast with
// an *AuthError.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.running() {
		m.mu.Unlock()
		return nil
	}
	id, err := ParseCredential(credential)
	if err != nil {
		m.mu.Unlock()
		m.setState(StateAuthFailed)
		m.bus.Emit(EventAuthFailed, err.Error())
		return err
	}
	// Install the new loop handles before unlocking so concurrent callers
	// see it as running and a manual Disconnect can cancel it.
	prev, prevDone := m.cancel, m.done
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.credential = credential
	m.identity = id
	m.attempt = 0
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	// A previous loop may still be finishing after reaching a terminal state.
	if prev != nil {
		prev()
		<-prevDone
	}

	m.log.Info("connecting", zap.String("user_id", id.UserID))
	go m.run(loopCtx, done)
	return nil
}

// Disconnect closes the connection. A manual disconnect cancels pending
// reconnection and stops the loop; a non-manual one drops the transport and
// lets the loop reconnect with backoff.
func (m *Manager) Disconnect(manual bool) {
	if !manual {
		m.mu.Lock()
		t := m.transport
		m.mu.Unlock()
		if t != nil {
			m.log.Info("dropping transport for reconnection")
			_ = t.Close()
		}
		return
	}

	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if m.State() != StateDisconnected {
		m.setState(StateDisconnected)
	}
	m.log.Info("disconnected", zap.Bool("manual", true))
}

// JoinRoom adds id to the active rooms. When connected the join is sent now;
// otherwise it is replayed on the next connect.
func (m *Manager) JoinRoom(id string) {
	m.mu.Lock()
	m.rooms[id] = struct{}{}
	t := m.liveTransport()
	m.mu.Unlock()
	if t == nil {
		m.log.Debug("join deferred until connected", zap.String("room", id))
		return
	}
	m.write(t, wire.EventJoinRoom, wire.Room{Room: id})
}

// LeaveRoom removes id from the active rooms.
func (m *Manager) LeaveRoom(id string) {
	m.mu.Lock()
	delete(m.rooms, id)
	t := m.liveTransport()
	m.mu.Unlock()
	if t == nil {
		m.log.Debug("leave skipped while disconnected", zap.String("room", id))
		return
	}
	m.write(t, wire.EventLeaveRoom, wire.Room{Room: id})
}

// Emit sends an event and reports whether it was handed to the transport.
// Events emitted while not connected are dropped.
func (m *Manager) Emit(event string, payload any) bool {
	m.mu.Lock()
	t := m.liveTransport()
	m.mu.Unlock()
	if t == nil {
		m.log.Debug("emit dropped, not connected", zap.String("event", event))
		return false
	}
	return m.write(t, event, payload)
}

// On registers the handler for event, replacing any previous one. The
// returned func unregisters it, unless another handler has since replaced it.
func (m *Manager) On(event string, h Handler) func() {
	slot := &handlerSlot{fn: h}
	m.mu.Lock()
	m.handlers[event] = slot
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.handlers[event] == slot {
			delete(m.handlers, event)
		}
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// Rooms returns the active rooms, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomList()
}

// Attempt returns the current reconnection attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// LastHeartbeatAck returns when the server last answered a ping.
func (m *Manager) LastHeartbeatAck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAck
}

// SelfID returns the user id of the current credential, empty before Connect.
func (m *Manager) SelfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.UserID
}

// Credential returns the bearer credential of the current session.
func (m *Manager) Credential() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential
}

// WaitFor blocks until the state is one of want or ctx is done.
func (m *Manager) WaitFor(ctx context.Context, want ...State) error {
	for {
		m.mu.Lock()
		ch := m.notify
		m.mu.Unlock()
		if slices.Contains(want, m.State()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (m *Manager) setState(to State) {
	if err := m.machine.Transition(to); err != nil {
		m.log.Debug("state transition skipped", zap.Error(err))
		return
	}
	m.mu.Lock()
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
}

// running reports whether the connection loop is alive. Caller holds m.mu.
func (m *Manager) running() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// liveTransport returns the transport if connected. Caller holds m.mu.
func (m *Manager) liveTransport() Transport {
	if m.transport == nil || m.machine.Current() != StateConnected {
		return nil
	}
	return m.transport
}

// roomList returns the sorted rooms. Caller holds m.mu.
func (m *Manager) roomList() []string {
	out := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) write(t Transport, event string, payload any) bool {
	f, err := wire.NewFrame(event, payload)
	if err != nil {
		m.log.Warn("encode frame", zap.String("event", event), zap.Error(err))
		return false
	}
	if err := t.WriteFrame(f); err != nil {
		// The read loop notices the broken transport and reconnects.
		m.log.Debug("write frame", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	reconnect := false

	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(StateConnecting)
		served, err := m.connectOnce(ctx, reconnect)
		reconnect = reconnect || served
		if ctx.Err() != nil {
			return
		}

		var authErr *AuthError
		switch {
		case errors.As(err, &authErr):
			m.log.Warn("authentication failed", zap.Error(err))
			m.setState(StateAuthFailed)
			m.bus.Emit(EventAuthFailed, err.Error())
			return
		case errors.Is(err, ErrServerClosed):
			m.log.Info("server closed the connection", zap.Error(err))
			m.setState(StateDisconnected)
			m.bus.Emit(EventServerClosed, err.Error())
			return
		}

		m.mu.Lock()
		attempt := m.attempt
		exhausted := m.opts.Backoff.Exhausted(attempt)
		if !exhausted {
			m.attempt++
		}
		m.mu.Unlock()

		if exhausted {
			m.log.Warn("giving up reconnecting", zap.Int("attempts", attempt), zap.Error(err))
			m.setState(StateOffline)
			m.bus.Emit(EventOffline, attempt)
			return
		}

		delay := m.opts.Backoff.Delay(attempt)
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		m.log.Info("reconnect scheduled",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("reason", reason),
		)
		m.setState(StateReconnecting)
		m.bus.Emit(EventReconnectScheduled, ReconnectScheduled{Attempt: attempt + 1, Delay: delay, Reason: reason})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce dials and serves until the transport drops. served reports
// whether the connection was established at all.
func (m *Manager) connectOnce(ctx context.Context, reconnect bool) (served bool, err error) {
	m.mu.Lock()
	credential, id := m.credential, m.identity
	m.mu.Unlock()
	if id.Expired(time.Now()) {
		return false, &AuthError{Reason: "credential expired"}
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	t, err := m.dialer.Dial(dctx, credential)
	cancel()
	if err != nil {
		return false, err
	}
	return true, m.serve(ctx, t, reconnect)
}

func (m *Manager) serve(ctx context.Context, t Transport, reconnect bool) error {
	m.mu.Lock()
	m.transport = t
	m.attempt = 0
	m.lastAck = time.Now()
	rooms := m.roomList()
	m.mu.Unlock()

	m.setState(StateConnected)
	for _, r := range rooms {
		m.write(t, wire.EventJoinRoom, wire.Room{Room: r})
	}
	m.log.Info("connected", zap.Bool("reconnect", reconnect), zap.Strings("rooms", rooms))
	m.bus.Emit(EventConnected, Connected{Reconnect: reconnect, Rooms: rooms})

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go m.heartbeat(hbCtx, t)

	stopClose := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stopClose()

	err := m.readLoop(t)

	m.mu.Lock()
	if m.transport == t {
		m.transport = nil
	}
	m.mu.Unlock()
	_ = t.Close()
	return err
}

func (m *Manager) readLoop(t Transport) error {
	for {
		f, err := t.ReadFrame()
		if err != nil {
			return err
		}
		m.dispatch(t, f)
	}
}

func (m *Manager) dispatch(t Transport, f wire.Frame) {
	switch f.Event {
	case wire.EventPong:
		m.mu.Lock()
		m.lastAck = time.Now()
		m.mu.Unlock()
		return
	case wire.EventPing:
		m.write(t, wire.EventPong, nil)
		return
	}

	m.mu.Lock()
	slot := m.handlers[f.Event]
	m.mu.Unlock()
	if slot == nil {
		m.log.Debug("no handler for event", zap.String("event", f.Event))
		return
	}
	slot.fn(f.Data)
}

// heartbeat pings every interval and drops the transport when two intervals
// pass without a pong.
func (m *Manager) heartbeat(ctx context.Context, t Transport) {
	interval := m.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		since := time.Since(m.lastAck)
		m.mu.Unlock()
		if since > 2*interval {
			m.log.Warn("heartbeat timed out", zap.Duration("since_ack", since))
			_ = t.Close()
			return
		}
		m.write(t, wire.EventPing, nil)
	}
}
