package rpc

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/presence"
)

// Empty is the request of methods without arguments.
type Empty struct{}

// StatusResponse describes the daemon and its connection.
type StatusResponse struct {
	Profile          string    `json:"profile"`
	State            string    `json:"state"`
	UserID           string    `json:"user_id,omitempty"`
	Attempt          int       `json:"attempt"`
	Rooms            []string  `json:"rooms"`
	LastHeartbeatAck time.Time `json:"last_heartbeat_ack,omitzero"`
	UptimeMs         int64     `json:"uptime_ms"`
	Call             call.Info `json:"call"`
	OpenedCount      int       `json:"opened_count"`
}

// ConnectRequest starts the connection. An empty credential reuses the one
// the daemon was started with.
type ConnectRequest struct {
	Credential string `json:"credential,omitempty"`
}

// WatchRequest streams bus events whose kind starts with one of Namespaces;
// none means every event.
type WatchRequest struct {
	Namespaces []string `json:"namespaces,omitempty"`
}

// Event is one bus event as streamed by Watch.
type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConversationRequest addresses one conversation.
type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

// CreateConversationRequest asks for the conversation with a peer.
type CreateConversationRequest struct {
	PeerID string `json:"peer_id"`
}

// MessagesResponse is a conversation snapshot.
type MessagesResponse struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
}

// ConversationsResponse lists conversations.
type ConversationsResponse struct {
	ConversationIDs []string `json:"conversation_ids"`
}

// SendTextRequest sends a text message.
type SendTextRequest struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	Wait           bool   `json:"wait,omitempty"`
}

// SendMediaRequest sends an image or audio message. MediaRef is a URL or a
// local file path, which is uploaded first.
type SendMediaRequest struct {
	ConversationID string     `json:"conversation_id"`
	MediaRef       string     `json:"media_ref"`
	Kind           model.Kind `json:"kind"`
	Wait           bool       `json:"wait,omitempty"`
}

// SendResponse returns the optimistic message, or the acknowledged one when
// the request asked to wait.
type SendResponse struct {
	Message model.Message `json:"message"`
}

// MarkReadResponse reports how many messages were marked read.
type MarkReadResponse struct {
	Marked int `json:"marked"`
}

// SetTypingRequest signals the local user's typing state.
type SetTypingRequest struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

// SentResponse reports whether a signal left the device.
type SentResponse struct {
	Sent bool `json:"sent"`
}

// StartCallRequest calls a peer.
type StartCallRequest struct {
	RemoteID string         `json:"remote_id"`
	Modality model.Modality `json:"modality"`
}

// RespondRequest answers the incoming call.
type RespondRequest struct {
	Accept bool `json:"accept"`
}

// EndCallRequest hangs up.
type EndCallRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SwitchModalityRequest changes the local modality of the call.
type SwitchModalityRequest struct {
	Modality model.Modality `json:"modality"`
}

// MuteRequest mutes or unmutes the microphone.
type MuteRequest struct {
	Muted bool `json:"muted"`
}

// CallResponse is the current call; Active is false when there is none.
type CallResponse struct {
	Active bool      `json:"active"`
	Call   call.Info `json:"call"`
}

// PresenceResponse is the presence snapshot.
type PresenceResponse struct {
	presence.Snapshot
}
