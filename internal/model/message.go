// Package model holds the value types shared by the timeline, the call engine
// and the local API: messages, delivery statuses and call outcomes.
package model

import (
	"fmt"
	"time"
)

// Kind is the content type of a message.
type Kind string

const (
	KindText      Kind = "text"
	KindImage     Kind = "image"
	KindAudio     Kind = "audio"
	KindCallEvent Kind = "call-event"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindCallEvent:
		return true
	}
	return false
}

// IsMedia reports whether the message carries a media reference instead of a body.
func (k Kind) IsMedia() bool {
	return k == KindImage || k == KindAudio
}

// Status is a message delivery status. Statuses are totally ordered:
// sending < sent < delivered < read.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// Rank returns the position of s in the delivery order; 0 for unknown values.
func (s Status) Rank() int {
	return statusRank[s]
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() > 0
}

// ParseStatus validates a wire value.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown delivery status %q", v)
	}
	return s, nil
}

// MaxStatus returns whichever of a and b is further along the delivery order.
func MaxStatus(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Message is one entry of a conversation timeline.
//
// ID is the server id once the message is acknowledged; before that it is a
// local temporary id and LocalOnly is set. ClientID is generated on the device
// for every outgoing message and echoed back by the server, which makes the
// temporary entry and its server copy unambiguous to pair. Seq travels as
// a decimal string so 64-bit sequences survive JSON number handling.
type Message struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Kind           Kind      `json:"kind"`
	Body           string    `json:"body,omitempty"`
	MediaRef       string    `json:"media_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Seq            int64     `json:"seq,omitempty,string"`
	Status         Status    `json:"status"`
	LocalOnly      bool      `json:"local_only,omitempty"`
}

// SameContent reports whether m and o look like the same logical send. It is
// the fallback pairing rule for server echoes that carry no client id.
func (m Message) SameContent(o Message) bool {
	if m.ConversationID != o.ConversationID || m.Kind != o.Kind || m.Body != o.Body {
		return false
	}
	if m.Kind.IsMedia() {
		// The local copy holds a file path until the upload resolves it.
		return true
	}
	return m.MediaRef == o.MediaRef
}
