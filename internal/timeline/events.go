package timeline

import "github.com/matheus3301/heartline/internal/model"

// Bus event kinds.
const (
	EventUpserted      = "message.upserted"
	EventRemoved       = "message.removed"
	EventStatusChanged = "message.status_changed"
	EventSendAck       = "message.send_ack"
	EventSendFailed    = "message.send_failed"
	EventHistoryMerged = "message.history_merged"
)

// Upserted is the payload of message.upserted.
type Upserted struct {
	ConversationID string
	Message        model.Message
	// ReplacedID is the temporary id the message took over, if any.
	ReplacedID string
}

// Removed is the payload of message.removed.
type Removed struct {
	ConversationID string
	MessageID      string
}

// StatusChanged is the payload of message.status_changed.
type StatusChanged struct {
	ConversationID string
	MessageID      string
	Status         model.Status
}

// SendAck is the payload of message.send_ack.
type SendAck struct {
	ConversationID string
	ClientID       string
	MessageID      string
}

// SendFailed is the payload of message.send_failed.
type SendFailed struct {
	ConversationID string
	ClientID       string
	Error          string
}

// HistoryMerged is the payload of message.history_merged.
type HistoryMerged struct {
	ConversationID string
	Mode           Mode
	Received       int
	Total          int
}
