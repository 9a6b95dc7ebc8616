package model

import (
	"encoding/json"
	"fmt"
)

// Modality is the media mode of a call.
type Modality string

const (
	ModalityVoice Modality = "voice"
	ModalityVideo Modality = "video"
)

// ParseModality validates a wire value.
func ParseModality(v string) (Modality, error) {
	switch m := Modality(v); m {
	case ModalityVoice, ModalityVideo:
		return m, nil
	}
	return "", fmt.Errorf("unknown call modality %q", v)
}

// Role is the side of a call the local user is on.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Outcome is how a call ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeMissed    Outcome = "missed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeFailed    Outcome = "failed"
)

// CallEvent is the body of a call-event message.
type CallEvent struct {
	ChannelID       string   `json:"channel_id"`
	CallerID        string   `json:"caller_id"`
	CalleeID        string   `json:"callee_id"`
	Modality        Modality `json:"modality"`
	Outcome         Outcome  `json:"outcome"`
	DurationSeconds int      `json:"duration_seconds"`
}

// Encode renders the event as a message body.
func (e CallEvent) Encode() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// DecodeCallEvent parses a call-event message body.
func DecodeCallEvent(body string) (CallEvent, error) {
	var e CallEvent
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return CallEvent{}, fmt.Errorf("decode call event: %w", err)
	}
	return e, nil
}

// Describe renders a short human summary, as shown in a timeline.
func (e CallEvent) Describe() string {
	switch e.Outcome {
	case OutcomeCompleted:
		return fmt.Sprintf("%s call, %dm%02ds", e.Modality, e.DurationSeconds/60, e.DurationSeconds%60)
	case OutcomeMissed:
		return fmt.Sprintf("missed %s call", e.Modality)
	case OutcomeDeclined:
		return fmt.Sprintf("declined %s call", e.Modality)
	case OutcomeCanceled:
		return fmt.Sprintf("canceled %s call", e.Modality)
	default:
		return fmt.Sprintf("failed %s call", e.Modality)
	}
}
