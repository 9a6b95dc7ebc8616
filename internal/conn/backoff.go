package conn

import "time"

// Backoff computes reconnection delays: min(Base * 2^attempt, Cap).
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Delay returns the wait before reconnection attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Cap || d <= 0 {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Exhausted reports whether attempt has reached the retry limit.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxAttempts
}
