package wire

import "github.com/matheus3301/heartline/internal/model"

// Room is the payload of join_room and leave_room. Rooms are conversation ids.
type Room struct {
	Room string `json:"room"`
}

// StatusUpdate is the payload of message_status_update.
type StatusUpdate struct {
	MessageID      string       `json:"message_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Status         model.Status `json:"status"`
}

// Typing is the payload of user_typing (outgoing) and of typing_start and
// typing_stop (incoming, UserID set by the server).
type Typing struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	Typing         bool   `json:"typing"`
}

// Presence is the payload of presence_online and presence_offline.
type Presence struct {
	UserID string `json:"user_id"`
}

// CallInvite is the payload of call_invite.
type CallInvite struct {
	ChannelID string         `json:"channel_id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Modality  model.Modality `json:"modality"`
}

// CallResponse is the payload of call_response.
type CallResponse struct {
	ChannelID string `json:"channel_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Accepted  bool   `json:"accepted"`
}

// CallSignal is the payload of call_cancel and call_end.
type CallSignal struct {
	ChannelID string `json:"channel_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

// CallTypeSwitch is the payload of call_type_switch.
type CallTypeSwitch struct {
	ChannelID string         `json:"channel_id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Modality  model.Modality `json:"modality"`
}

// Addressed is implemented by payloads routed to a single user.
type Addressed interface {
	Recipient() string
}

func (c CallInvite) Recipient() string     { return c.To }
func (c CallResponse) Recipient() string   { return c.To }
func (c CallSignal) Recipient() string     { return c.To }
func (c CallTypeSwitch) Recipient() string { return c.To }
