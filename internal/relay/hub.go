// Package relay is a development server that speaks the Heartline event
// contract: a websocket hub for rooms, typing, presence and call signaling,
// and an in-memory REST backend for conversations, messages, uploads and
// media tokens. It is enough for two daemons to talk on one machine.
package relay

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/heartline/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
	sendBuffer     = 256
)

// HubOptions tunes per-connection limits.
type HubOptions struct {
	// TypingEvery is the sustained rate of typing frames relayed per
	// connection; TypingBurst frames may pass at once.
	TypingEvery time.Duration
	TypingBurst int
}

// DefaultHubOptions are the limits used by heartline-relay.
func DefaultHubOptions() HubOptions {
	return HubOptions{TypingEvery: 250 * time.Millisecond, TypingBurst: 4}
}

type client struct {
	id      string
	userID  string
	conn    *websocket.Conn
	send    chan []byte
	typing  *rate.Limiter
	roomsMu sync.RWMutex
	rooms   map[string]bool
}

func (c *client) joinRoom(room string) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	c.rooms[room] = true
}

func (c *client) leaveRoom(room string) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	delete(c.rooms, room)
}

func (c *client) inRoom(room string) bool {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	return c.rooms[room]
}

// Hub tracks every websocket connection and routes frames between them.
type Hub struct {
	auth     *Authenticator
	log      *zap.Logger
	opts     HubOptions
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	users   map[string]int
}

// NewHub creates a hub that authenticates connections with auth.
func NewHub(auth *Authenticator, opts HubOptions, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.TypingEvery <= 0 || opts.TypingBurst <= 0 {
		opts = DefaultHubOptions()
	}
	return &Hub{
		auth: auth,
		log:  log,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Native clients send no Origin; the relay is for local development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		users:   make(map[string]int),
	}
}

// ServeHTTP authenticates and upgrades a websocket connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := bearer(r.Header)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	userID, err := h.auth.Verify(token)
	if err != nil {
		h.log.Warn("websocket auth rejected", zap.Error(err))
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade", zap.Error(err))
		return
	}
	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		typing: rate.NewLimiter(rate.Every(h.opts.TypingEvery), h.opts.TypingBurst),
		rooms:  make(map[string]bool),
	}
	h.register(c)
	go h.writePump(c)
	h.readPump(c)
}

// Online returns the ids of users with at least one connection, sorted.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.users))
	for id := range h.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// SendToUser delivers an event to every connection of userID.
func (h *Hub) SendToUser(userID, event string, payload any) {
	msg, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.userID == userID {
			h.deliver(c, msg)
		}
	}
}

// PublishRoom delivers an event to every connection in room, and to every
// connection of the listed users whether or not they joined it.
func (h *Hub) PublishRoom(room, event string, payload any, users ...string) {
	msg, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.inRoom(room) || slices.Contains(users, c.userID) {
			h.deliver(c, msg)
		}
	}
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.users[c.userID]++
	first := h.users[c.userID] == 1
	others := make([]string, 0, len(h.users))
	for id := range h.users {
		if id != c.userID {
			others = append(others, id)
		}
	}
	h.mu.Unlock()

	h.log.Info("websocket connected", zap.String("conn_id", c.id), zap.String("user_id", c.userID))
	slices.Sort(others)
	for _, id := range others {
		if msg, ok := h.encode(wire.EventPresenceOnline, wire.Presence{UserID: id}); ok {
			h.deliver(c, msg)
		}
	}
	if first {
		h.broadcastExcept(c.userID, wire.EventPresenceOnline, wire.Presence{UserID: c.userID})
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.users[c.userID]--
	last := h.users[c.userID] <= 0
	if last {
		delete(h.users, c.userID)
	}
	close(c.send)
	h.mu.Unlock()

	h.log.Info("websocket disconnected", zap.String("conn_id", c.id), zap.String("user_id", c.userID))
	if last {
		h.broadcastExcept(c.userID, wire.EventPresenceOffline, wire.Presence{UserID: c.userID})
	}
}

func (h *Hub) broadcastExcept(userID, event string, payload any) {
	msg, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.userID != userID {
			h.deliver(c, msg)
		}
	}
}

// deliver queues msg for c, dropping it if c is too slow. Callers hold h.mu
// or own c's registration.
func (h *Hub) deliver(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.log.Warn("send buffer full, dropping frame", zap.String("conn_id", c.id))
	}
}

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	f, err := wire.NewFrame(event, payload)
	if err == nil {
		var msg []byte
		if msg, err = json.Marshal(f); err == nil {
			return msg, true
		}
	}
	h.log.Warn("encode frame", zap.String("event", event), zap.Error(err))
	return nil, false
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			h.log.Warn("malformed frame", zap.String("user_id", c.userID), zap.Error(err))
			continue
		}
		h.handle(c, f)
	}
}

func (h *Hub) handle(c *client, f wire.Frame) {
	switch f.Event {
	case wire.EventPing:
		h.mu.RLock()
		if msg, ok := h.encode(wire.EventPong, nil); ok {
			h.deliver(c, msg)
		}
		h.mu.RUnlock()

	case wire.EventJoinRoom, wire.EventLeaveRoom:
		var r wire.Room
		if err := f.Decode(&r); err != nil || r.Room == "" {
			h.log.Warn("malformed room frame", zap.String("event", f.Event), zap.Error(err))
			return
		}
		if f.Event == wire.EventJoinRoom {
			c.joinRoom(r.Room)
		} else {
			c.leaveRoom(r.Room)
		}
		h.log.Debug(f.Event, zap.String("room", r.Room), zap.String("user_id", c.userID))

	case wire.EventUserTyping:
		var t wire.Typing
		if err := f.Decode(&t); err != nil || t.ConversationID == "" {
			h.log.Warn("malformed user_typing", zap.Error(err))
			return
		}
		if !c.typing.Allow() {
			h.log.Debug("typing throttled", zap.String("user_id", c.userID))
			return
		}
		event := wire.EventTypingStop
		if t.Typing {
			event = wire.EventTypingStart
		}
		h.publishRoomExcept(t.ConversationID, c.userID, event, wire.Typing{ConversationID: t.ConversationID, UserID: c.userID, Typing: t.Typing})

	case wire.EventCallInvite, wire.EventCallResponse, wire.EventCallCancel, wire.EventCallEnd, wire.EventCallTypeSwitch:
		var body map[string]any
		if err := f.Decode(&body); err != nil {
			h.log.Warn("malformed call frame", zap.String("event", f.Event), zap.Error(err))
			return
		}
		to, _ := body["to"].(string)
		if to == "" || to == c.userID {
			h.log.Warn("call frame without a valid recipient", zap.String("event", f.Event))
			return
		}
		// The sender cannot claim to be someone else.
		body["from"] = c.userID
		h.SendToUser(to, f.Event, body)

	default:
		h.log.Debug("unhandled event", zap.String("event", f.Event))
	}
}

func (h *Hub) publishRoomExcept(room, userID, event string, payload any) {
	msg, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.userID != userID && c.inRoom(room) {
			h.deliver(c, msg)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
