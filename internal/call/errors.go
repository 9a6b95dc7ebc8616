package call

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a call is already in progress.
	ErrBusy = errors.New("call: another call is in progress")
	// ErrNoCall is returned by controls used without a matching call.
	ErrNoCall = errors.New("call: no call in a state that allows this")
	// ErrStale marks an event or response for a call that is no longer current.
	ErrStale = errors.New("call: stale event")
	// ErrDuplicate is returned when the same call shows up twice within the
	// duplicate window.
	ErrDuplicate = errors.New("call: duplicate call suppressed")
)

// NegotiationError means the token or invite step failed. It ends only the
// call being set up.
type NegotiationError struct {
	ChannelID string
	Err       error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("call %s: negotiation failed: %v", e.ChannelID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
