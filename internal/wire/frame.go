// Package wire defines the event contract spoken over the real-time
// connection: the JSON frame envelope, event names and payload shapes.
package wire

import (
	"encoding/json"
	"fmt"
)

// Event names.
const (
	EventPing                = "ping"
	EventPong                = "pong"
	EventJoinRoom            = "join_room"
	EventLeaveRoom           = "leave_room"
	EventNewMessage          = "new_message"
	EventMessageStatusUpdate = "message_status_update"
	EventUserTyping          = "user_typing"
	EventPresenceOnline      = "presence_online"
	EventPresenceOffline     = "presence_offline"
	EventTypingStart         = "typing_start"
	EventTypingStop          = "typing_stop"
	EventCallInvite          = "call_invite"
	EventCallResponse        = "call_response"
	EventCallCancel          = "call_cancel"
	EventCallEnd             = "call_end"
	EventCallTypeSwitch      = "call_type_switch"
)

// Frame is the envelope of every message on the connection:
// {"event": name, "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data as the payload of an event. A nil data yields a
// frame without payload.
func NewFrame(event string, data any) (Frame, error) {
	f := Frame{Event: event}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	f.Data = raw
	return f, nil
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Event, err)
	}
	return nil
}
