package conn

import "errors"

// ErrNotConnected is returned by operations that need a live transport.
var ErrNotConnected = errors.New("conn: not connected")

// ErrServerClosed means the server ended the connection on purpose. It is
// terminal for the current session and never triggers reconnection.
var ErrServerClosed = errors.New("conn: closed by server")

// AuthError means the credential was rejected or unusable. It is fatal to the
// session: the manager stops and waits for a new Connect.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "auth: " + e.Reason + ": " + e.Err.Error()
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }
