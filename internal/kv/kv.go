// Package kv is the durable key-value store behind the conversation cache and
// the other per-profile caches. Values are opaque bytes; callers own encoding.
package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")

// Store is a durable key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context, prefix string) error
	Close() error
}

// Key joins parts with "/" into a namespaced key, e.g. Key("timeline", id).
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}
