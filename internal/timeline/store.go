// Package timeline keeps every conversation as one ordered, deduplicated
// list that merges optimistic sends, polled history and pushed events, with
// delivery statuses that only move forward.
package timeline

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/matheus3301/heartline/internal/backend"
	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/kv"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/outbox"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Backend is the subset of the REST API the timeline reads and acks through.
type Backend interface {
	FetchHistory(ctx context.Context, conversationID string, opts backend.HistoryOptions) ([]model.Message, error)
	UpdateDeliveryStatus(ctx context.Context, messageID string, status model.Status) error
}

// Rooms is the room membership of the real-time connection.
type Rooms interface {
	JoinRoom(id string)
	LeaveRoom(id string)
}

// Enqueuer accepts background sends.
type Enqueuer interface {
	Enqueue(ctx context.Context, job outbox.Job) error
}

// Options bounds fetches and the persisted cache.
type Options struct {
	RecentLimit     int
	FullLimit       int
	CacheLimit      int
	MarkReadWorkers int
}

// Store is the message store for every conversation of the session.
type Store struct {
	backend Backend
	rooms   Rooms
	cache   kv.Store
	bus     *bus.Bus
	log     *zap.Logger
	opts    Options
	selfID  func() string
	flight  singleflight.Group

	mu       sync.Mutex
	outbox   Enqueuer
	convs    map[string]*conversation
	index    map[string]string
	early    map[string]model.Status
	inflight map[string]*Pending

	saveMu sync.Mutex
	saved  map[string]uint64
}

// New creates a store. selfID returns the current user id.
func New(b Backend, rooms Rooms, cache kv.Store, eventBus *bus.Bus, selfID func() string, opts Options, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 20
	}
	if opts.FullLimit <= 0 {
		opts.FullLimit = 500
	}
	if opts.CacheLimit <= 0 {
		opts.CacheLimit = 200
	}
	if opts.MarkReadWorkers <= 0 {
		opts.MarkReadWorkers = 4
	}
	return &Store{
		backend:  b,
		rooms:    rooms,
		cache:    cache,
		bus:      eventBus,
		log:      log,
		opts:     opts,
		selfID:   selfID,
		convs:    make(map[string]*conversation),
		index:    make(map[string]string),
		early:    make(map[string]model.Status),
		inflight: make(map[string]*Pending),
		saved:    make(map[string]uint64),
	}
}

// AttachOutbox sets the sender used for optimistic sends. The outbox reports
// back through Delivered and Failed.
func (s *Store) AttachOutbox(e Enqueuer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = e
}

// Open loads the cached timeline, joins the conversation room and fetches a
// recent page followed by the full history in the background. The returned
// snapshot comes from the cache alone.
func (s *Store) Open(ctx context.Context, conversationID string) ([]model.Message, error) {
	if conversationID == "" {
		return nil, errors.New("open: empty conversation id")
	}
	c, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	alreadyOpen := c.open
	var fetchCtx context.Context
	if !alreadyOpen {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithCancel(context.Background())
		c.open = true
		c.cancel = cancel
	}
	snapshot := slices.Clone(c.messages)
	s.mu.Unlock()

	if alreadyOpen {
		return snapshot, nil
	}
	s.rooms.JoinRoom(conversationID)
	s.resumePending(conversationID)
	go s.initialFetch(fetchCtx, conversationID)
	s.log.Info("conversation opened", zap.String("conversation_id", conversationID), zap.Int("cached", len(snapshot)))
	return snapshot, nil
}

// Close stops background work for the conversation and leaves its room. The
// timeline stays cached.
func (s *Store) Close(conversationID string) {
	s.mu.Lock()
	c := s.convs[conversationID]
	if c == nil || !c.open {
		s.mu.Unlock()
		return
	}
	c.open = false
	cancel := c.cancel
	c.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.rooms.LeaveRoom(conversationID)
	s.log.Info("conversation closed", zap.String("conversation_id", conversationID))
}

// CloseAll closes every open conversation.
func (s *Store) CloseAll() {
	for _, id := range s.OpenConversations() {
		s.Close(id)
	}
}

// OpenConversations returns the ids of open conversations, sorted.
func (s *Store) OpenConversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, c := range s.convs {
		if c.open {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Messages returns a copy of the conversation's timeline, loading the cache
// if the conversation was never touched in this session.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	c, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(c.messages), nil
}

// Evict drops a conversation from memory and from the persisted cache.
func (s *Store) Evict(ctx context.Context, conversationID string) error {
	s.Close(conversationID)
	s.mu.Lock()
	if c := s.convs[conversationID]; c != nil {
		for _, m := range c.messages {
			delete(s.index, m.ID)
		}
		delete(s.convs, conversationID)
	}
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	delete(s.saved, conversationID)
	return s.cache.Remove(ctx, cacheKey(conversationID))
}

// Purge drops every conversation, in memory and persisted.
func (s *Store) Purge(ctx context.Context) error {
	s.CloseAll()
	s.mu.Lock()
	s.convs = make(map[string]*conversation)
	s.index = make(map[string]string)
	s.early = make(map[string]model.Status)
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.saved = make(map[string]uint64)
	return s.cache.RemoveAll(ctx, cachePrefix)
}

// load returns the in-memory conversation, reading the persisted cache the
// first time a conversation is touched.
func (s *Store) load(ctx context.Context, conversationID string) (*conversation, error) {
	s.mu.Lock()
	if c := s.convs[conversationID]; c != nil {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	entry, err := s.readCache(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.convs[conversationID]; c != nil {
		return c, nil
	}
	c := &conversation{id: conversationID, messages: entry.Messages, syncedThrough: entry.SyncedThrough}
	sortMessages(c.messages)
	for _, m := range c.messages {
		s.index[m.ID] = conversationID
	}
	s.convs[conversationID] = c
	return c, nil
}

func (s *Store) self() string {
	if s.selfID == nil {
		return ""
	}
	return s.selfID()
}

func (s *Store) initialFetch(ctx context.Context, conversationID string) {
	recent, err := s.backend.FetchHistory(ctx, conversationID, backend.HistoryOptions{Limit: s.opts.RecentLimit, Sort: backend.SortDesc})
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("recent history fetch failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	} else if err := s.IngestHistory(ctx, conversationID, recent, ModeRecent); err != nil {
		s.log.Warn("recent history merge failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if ctx.Err() != nil {
		return
	}
	if err := s.Refresh(ctx, conversationID); err != nil && ctx.Err() == nil {
		s.log.Warn("full history sync failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
