package call

import "github.com/matheus3301/heartline/internal/status"

// State is the state of the current call.
type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateCalling     State = "calling"
	StateRinging     State = "ringing"
	StateIncoming    State = "incoming"
	StateTalking     State = "talking"
	StateEnded       State = "ended"
)

var transitions = status.Table[State]{
	StateIdle:        {StateNegotiating, StateIncoming},
	StateNegotiating: {StateCalling, StateEnded},
	StateCalling:     {StateRinging, StateTalking, StateEnded},
	StateRinging:     {StateTalking, StateEnded},
	StateIncoming:    {StateTalking, StateEnded},
	StateTalking:     {StateEnded},
	StateEnded:       {StateIdle},
}

// preAnswer reports whether the call has not been answered yet.
func (s State) preAnswer() bool {
	switch s {
	case StateNegotiating, StateCalling, StateRinging, StateIncoming:
		return true
	}
	return false
}
