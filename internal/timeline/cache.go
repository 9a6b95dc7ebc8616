package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/heartline/internal/kv"
	"github.com/matheus3301/heartline/internal/model"
	"go.uber.org/zap"
)

const cachePrefix = "timeline/"

func cacheKey(conversationID string) string {
	return kv.Key("timeline", conversationID)
}

// cacheEntry is the persisted form of one conversation.
type cacheEntry struct {
	Messages      []model.Message `json:"messages"`
	SyncedThrough time.Time       `json:"synced_through"`
}

// snapshot is a conversation frozen for persistence.
type snapshot struct {
	conversationID string
	revision       uint64
	entry          cacheEntry
}

func (s *Store) readCache(ctx context.Context, conversationID string) (cacheEntry, error) {
	raw, err := s.cache.Get(ctx, cacheKey(conversationID))
	if errors.Is(err, kv.ErrNotFound) {
		return cacheEntry{}, nil
	}
	if err != nil {
		return cacheEntry{}, fmt.Errorf("read cache %s: %w", conversationID, err)
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is rebuilt from history rather than failing the open.
		s.log.Warn("discarding unreadable cache entry", zap.String("conversation_id", conversationID), zap.Error(err))
		return cacheEntry{}, nil
	}
	return entry, nil
}

// snapshotLocked bumps the revision and captures what to persist: every
// pending local message plus the newest CacheLimit confirmed ones. Caller
// holds s.mu.
func (s *Store) snapshotLocked(c *conversation) snapshot {
	c.revision++
	confirmed := 0
	for _, m := range c.messages {
		if !m.LocalOnly {
			confirmed++
		}
	}
	skip := confirmed - s.opts.CacheLimit
	msgs := make([]model.Message, 0, len(c.messages))
	for _, m := range c.messages {
		if !m.LocalOnly && skip > 0 {
			skip--
			continue
		}
		msgs = append(msgs, m)
	}
	return snapshot{
		conversationID: c.id,
		revision:       c.revision,
		entry:          cacheEntry{Messages: msgs, SyncedThrough: c.syncedThrough},
	}
}

// save writes a snapshot unless a newer revision was already written.
func (s *Store) save(snap snapshot) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if snap.revision <= s.saved[snap.conversationID] {
		return
	}
	raw, err := json.Marshal(snap.entry)
	if err != nil {
		s.log.Error("encode cache entry", zap.String("conversation_id", snap.conversationID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cache.Set(ctx, cacheKey(snap.conversationID), raw); err != nil {
		s.log.Error("persist cache entry", zap.String("conversation_id", snap.conversationID), zap.Error(err))
		return
	}
	s.saved[snap.conversationID] = snap.revision
}
