package conn

import "github.com/matheus3301/heartline/internal/status"

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateOffline      State = "offline"
	StateAuthFailed   State = "auth_failed"
)

var transitions = status.Table[State]{
	StateDisconnected: {StateConnecting, StateAuthFailed},
	StateConnecting:   {StateConnected, StateReconnecting, StateDisconnected, StateAuthFailed, StateOffline},
	StateConnected:    {StateReconnecting, StateDisconnected, StateAuthFailed},
	StateReconnecting: {StateConnecting, StateDisconnected, StateOffline, StateAuthFailed},
	StateOffline:      {StateConnecting, StateDisconnected, StateAuthFailed},
	StateAuthFailed:   {StateConnecting, StateDisconnected},
}

// Active reports whether the manager is trying to be, or is, connected.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}
