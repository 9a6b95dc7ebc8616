package timeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNoIdentity is returned by sends before the user id is known.
	ErrNoIdentity = errors.New("timeline: user id unknown, connect first")
	// ErrNoOutbox is returned by sends when no sender is attached.
	ErrNoOutbox = errors.New("timeline: no outbox attached")
	// ErrInvalidMessage is returned for messages missing ids.
	ErrInvalidMessage = errors.New("timeline: invalid message")
)

// SendFailure reports an optimistic send that did not reach the server. The
// temporary entry has already been removed from the timeline.
type SendFailure struct {
	ConversationID string
	ClientID       string
	Err            error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send %s in %s failed: %v", e.ClientID, e.ConversationID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }
