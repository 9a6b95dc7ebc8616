package model

import (
	"sync"
	"time"
)

// Level is the severity of a flash message.
type Level int

const (
	LevelInfo Level = iota
	LevelError
)

// Flash holds transient notification messages.
type Flash struct {
	mu      sync.RWMutex
	message string
	level   Level
	expires time.Time
}

// Info stores an informational message that expires after d.
func (f *Flash) Info(msg string, d time.Duration) {
	f.set(msg, LevelInfo, d)
}

// Error stores an error message that expires after d.
func (f *Flash) Error(msg string, d time.Duration) {
	f.set(msg, LevelError, d)
}

func (f *Flash) set(msg string, level Level, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.level = level
	f.expires = time.Now().Add(d)
}

// Get returns the current flash message and its level, or an empty message
// once it expired.
func (f *Flash) Get() (string, Level) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return "", LevelInfo
	}
	return f.message, f.level
}
