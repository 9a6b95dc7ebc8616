package bus

import "time"

// Event is a domain event published on the bus. Kind is dot-namespaced
// ("conn.state_changed", "message.upserted", "call.ended") so subscribers can
// filter by prefix.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespace returns the part of Kind up to and including the first dot.
func (e Event) Namespace() string {
	for i := 0; i < len(e.Kind); i++ {
		if e.Kind[i] == '.' {
			return e.Kind[:i+1]
		}
	}
	return e.Kind
}
