package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/heartline/internal/backend"
	"github.com/matheus3301/heartline/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Mode tells IngestHistory which fetch a page came from.
type Mode string

const (
	// ModeRecent is a small first-paint page.
	ModeRecent Mode = "recent"
	// ModeFull is an authoritative sync of the whole window.
	ModeFull Mode = "full"
)

// maxEarlyStatuses bounds status updates held for messages not seen yet.
const maxEarlyStatuses = 1024

// IngestPushed merges a message delivered over the real-time connection.
func (s *Store) IngestPushed(ctx context.Context, msg model.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("%w: pushed message needs id and conversation id", ErrInvalidMessage)
	}
	c, err := s.load(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	res := c.merge(msg, s.self())
	if !res.changed {
		s.mu.Unlock()
		s.log.Debug("duplicate push ignored", zap.String("message_id", msg.ID))
		return nil
	}
	s.applyEarlyLocked(c, msg.ID)
	s.reindexLocked(c, res.replacedID)
	sortMessages(c.messages)
	c.syncedThrough = newestConfirmed(c.messages)
	final := c.messages[c.byID(msg.ID)]
	snap := s.snapshotLocked(c)
	s.mu.Unlock()

	s.save(snap)
	s.bus.Emit(EventUpserted, Upserted{ConversationID: c.id, Message: final, ReplacedID: res.replacedID})
	return nil
}

// IngestHistory merges a page of server history. Pending local messages are
// kept whether or not the page mentions them.
func (s *Store) IngestHistory(ctx context.Context, conversationID string, msgs []model.Message, mode Mode) error {
	c, err := s.load(ctx, conversationID)
	if err != nil {
		return err
	}

	var skipped int
	s.mu.Lock()
	self := s.self()
	changed := make([]mergeResult, 0, len(msgs))
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if m.ID == "" || m.ConversationID != conversationID {
			skipped++
			continue
		}
		res := c.merge(m, self)
		if !res.changed {
			continue
		}
		s.applyEarlyLocked(c, m.ID)
		s.reindexLocked(c, res.replacedID)
		changed = append(changed, res)
	}
	if len(changed) == 0 {
		total := len(c.messages)
		s.mu.Unlock()
		s.bus.Emit(EventHistoryMerged, HistoryMerged{ConversationID: conversationID, Mode: mode, Received: len(msgs), Total: total})
		return nil
	}
	sortMessages(c.messages)
	c.syncedThrough = newestConfirmed(c.messages)
	// Re-read merged entries: early statuses may have advanced them.
	for i := range changed {
		if j := c.byID(changed[i].message.ID); j >= 0 {
			changed[i].message = c.messages[j]
		}
	}
	total := len(c.messages)
	snap := s.snapshotLocked(c)
	s.mu.Unlock()

	s.save(snap)
	for _, res := range changed {
		s.bus.Emit(EventUpserted, Upserted{ConversationID: conversationID, Message: res.message, ReplacedID: res.replacedID})
	}
	s.bus.Emit(EventHistoryMerged, HistoryMerged{ConversationID: conversationID, Mode: mode, Received: len(msgs), Total: total})
	s.log.Debug("history merged",
		zap.String("conversation_id", conversationID),
		zap.String("mode", string(mode)),
		zap.Int("received", len(msgs)),
		zap.Int("changed", len(changed)),
		zap.Int("skipped", skipped),
	)
	return nil
}

// Refresh fetches the full history window and merges it. Concurrent
// refreshes of one conversation share a single request.
func (s *Store) Refresh(ctx context.Context, conversationID string) error {
	_, err, shared := s.flight.Do("full/"+conversationID, func() (any, error) {
		msgs, err := s.backend.FetchHistory(ctx, conversationID, backend.HistoryOptions{Limit: s.opts.FullLimit, Sort: backend.SortAsc})
		if err != nil {
			return nil, fmt.Errorf("fetch history %s: %w", conversationID, err)
		}
		return nil, s.IngestHistory(ctx, conversationID, msgs, ModeFull)
	})
	if shared {
		s.log.Debug("history refresh shared", zap.String("conversation_id", conversationID))
	}
	return err
}

// ApplyStatusUpdate advances a message's delivery status. Regressions and
// repeats are ignored. An update for a message not seen yet is held and
// applied when it arrives. It reports whether the timeline changed.
func (s *Store) ApplyStatusUpdate(messageID string, status model.Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("status update for %s: unknown status %q", messageID, status)
	}
	s.mu.Lock()
	convID, ok := s.index[messageID]
	c := s.convs[convID]
	if !ok || c == nil {
		if len(s.early) < maxEarlyStatuses {
			s.early[messageID] = model.MaxStatus(s.early[messageID], status)
		}
		s.mu.Unlock()
		return false, nil
	}
	i := c.byID(messageID)
	if i < 0 || c.messages[i].Status.Rank() >= status.Rank() {
		s.mu.Unlock()
		return false, nil
	}
	c.messages[i].Status = status
	snap := s.snapshotLocked(c)
	s.mu.Unlock()

	s.save(snap)
	s.bus.Emit(EventStatusChanged, StatusChanged{ConversationID: convID, MessageID: messageID, Status: status})
	return true, nil
}

// MarkConversationRead marks every received message that is not read yet as
// read, locally at once and then on the server one message at a time. A
// failed server update does not stop the others; all failures are returned
// joined. It returns how many messages were marked.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID string) (int, error) {
	c, err := s.load(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	self := s.self()

	s.mu.Lock()
	var ids []string
	for i := range c.messages {
		m := &c.messages[i]
		if m.LocalOnly || m.SenderID == self || m.Status == model.StatusRead {
			continue
		}
		m.Status = model.StatusRead
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	snap := s.snapshotLocked(c)
	s.mu.Unlock()

	s.save(snap)
	for _, id := range ids {
		s.bus.Emit(EventStatusChanged, StatusChanged{ConversationID: conversationID, MessageID: id, Status: model.StatusRead})
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(s.opts.MarkReadWorkers)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.backend.UpdateDeliveryStatus(ctx, id, model.StatusRead); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("mark %s read: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(ids), errors.Join(errs...)
}

// applyEarlyLocked applies a held status update to a newly seen message.
// Caller holds s.mu.
func (s *Store) applyEarlyLocked(c *conversation, messageID string) {
	st, ok := s.early[messageID]
	if !ok {
		return
	}
	delete(s.early, messageID)
	if i := c.byID(messageID); i >= 0 {
		c.messages[i].Status = model.MaxStatus(c.messages[i].Status, st)
	}
}

// reindexLocked refreshes the id index after a merge. Caller holds s.mu.
func (s *Store) reindexLocked(c *conversation, replacedID string) {
	if replacedID != "" {
		delete(s.index, replacedID)
	}
	for _, m := range c.messages {
		s.index[m.ID] = c.id
	}
}
