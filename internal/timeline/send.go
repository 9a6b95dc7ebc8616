package timeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/heartline/internal/backend"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/outbox"
	"go.uber.org/zap"
)

// Pending is an optimistic send awaiting the server.
type Pending struct {
	// Message is the optimistic entry as inserted.
	Message model.Message

	done   chan struct{}
	result model.Message
	err    error
}

func newPending(m model.Message) *Pending {
	return &Pending{Message: m, done: make(chan struct{})}
}

// Done is closed once the send resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the send resolved and returns the server copy, or a
// *SendFailure.
func (p *Pending) Wait(ctx context.Context) (model.Message, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return model.Message{}, ctx.Err()
	}
}

// SendText appends a sending text message and delivers it in the background.
func (s *Store) SendText(ctx context.Context, conversationID, body string) (*Pending, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("send text: empty body")
	}
	return s.send(ctx, conversationID, model.KindText, body, "")
}

// SendMedia appends a sending media message. mediaRef is either an uploaded
// URL or a local file path, which is uploaded before the message is sent.
func (s *Store) SendMedia(ctx context.Context, conversationID, mediaRef string, kind model.Kind) (*Pending, error) {
	if !kind.IsMedia() {
		return nil, fmt.Errorf("send media: %q is not a media kind", kind)
	}
	if mediaRef == "" {
		return nil, fmt.Errorf("send media: empty media reference")
	}
	return s.send(ctx, conversationID, kind, "", mediaRef)
}

// SendCallEvent appends the outcome of a call to the conversation.
func (s *Store) SendCallEvent(ctx context.Context, conversationID string, ev model.CallEvent) (*Pending, error) {
	return s.send(ctx, conversationID, model.KindCallEvent, ev.Encode(), "")
}

func (s *Store) send(ctx context.Context, conversationID string, kind model.Kind, body, mediaRef string) (*Pending, error) {
	self := s.self()
	if self == "" {
		return nil, ErrNoIdentity
	}
	c, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	tempID := "tmp-" + uuid.NewString()
	msg := model.Message{
		ID:             tempID,
		ClientID:       tempID,
		ConversationID: conversationID,
		SenderID:       self,
		Kind:           kind,
		Body:           body,
		MediaRef:       mediaRef,
		CreatedAt:      time.Now(),
		Status:         model.StatusSending,
		LocalOnly:      true,
	}
	p := newPending(msg)

	s.mu.Lock()
	ob := s.outbox
	if ob == nil {
		s.mu.Unlock()
		return nil, ErrNoOutbox
	}
	c.messages = append(c.messages, msg)
	sortMessages(c.messages)
	s.index[tempID] = conversationID
	s.inflight[tempID] = p
	snap := s.snapshotLocked(c)
	s.mu.Unlock()

	s.save(snap)
	s.bus.Emit(EventUpserted, Upserted{ConversationID: conversationID, Message: msg})

	if err := ob.Enqueue(ctx, jobFor(msg)); err != nil {
		s.Failed(jobFor(msg), err)
		return nil, &SendFailure{ConversationID: conversationID, ClientID: tempID, Err: err}
	}
	return p, nil
}

func jobFor(m model.Message) outbox.Job {
	job := outbox.Job{
		ConversationID: m.ConversationID,
		Draft:          backend.Draft{ClientID: m.ClientID, Kind: m.Kind, Body: m.Body, MediaRef: m.MediaRef},
	}
	if m.Kind.IsMedia() && isLocalPath(m.MediaRef) {
		job.LocalPath = m.MediaRef
		job.Draft.MediaRef = ""
	}
	return job
}

func isLocalPath(ref string) bool {
	return !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://")
}

// resumePending re-submits local messages restored from the cache that have
// no send in flight, such as sends interrupted by a restart. The server
// deduplicates by client id.
func (s *Store) resumePending(conversationID string) {
	s.mu.Lock()
	c := s.convs[conversationID]
	ob := s.outbox
	if c == nil || ob == nil {
		s.mu.Unlock()
		return
	}
	var resume []model.Message
	for _, m := range c.messages {
		if m.LocalOnly && s.inflight[m.ClientID] == nil {
			s.inflight[m.ClientID] = newPending(m)
			resume = append(resume, m)
		}
	}
	s.mu.Unlock()

	for _, m := range resume {
		s.log.Info("resuming interrupted send", zap.String("conversation_id", conversationID), zap.String("client_id", m.ClientID))
		if err := ob.Enqueue(context.Background(), jobFor(m)); err != nil {
			s.Failed(jobFor(m), err)
		}
	}
}

// Delivered is called by the outbox when the server accepted a send. The
// temporary entry takes the server id in place.
func (s *Store) Delivered(job outbox.Job, msg model.Message) {
	if msg.ConversationID == "" {
		msg.ConversationID = job.ConversationID
	}
	if msg.ClientID == "" {
		msg.ClientID = job.Draft.ClientID
	}
	c, err := s.load(context.Background(), job.ConversationID)
	if err != nil {
		s.log.Error("load conversation for ack", zap.String("conversation_id", job.ConversationID), zap.Error(err))
		return
	}

	s.mu.Lock()
	res := c.merge(msg, s.self())
	s.applyEarlyLocked(c, msg.ID)
	s.reindexLocked(c, res.replacedID)
	sortMessages(c.messages)
	c.syncedThrough = newestConfirmed(c.messages)
	final := c.messages[c.byID(msg.ID)]
	p := s.inflight[job.Draft.ClientID]
	delete(s.inflight, job.Draft.ClientID)
	snap := s.snapshotLocked(c)
	s.mu.Unlock()

	s.save(snap)
	s.bus.Emit(EventUpserted, Upserted{ConversationID: c.id, Message: final, ReplacedID: res.replacedID})
	s.bus.Emit(EventSendAck, SendAck{ConversationID: c.id, ClientID: job.Draft.ClientID, MessageID: final.ID})
	if p != nil {
		p.result = final
		close(p.done)
	}
}

// Failed is called by the outbox when a send could not be delivered. The
// temporary entry is removed. If the server echo already replaced it, the
// send did go through and is reported as delivered.
func (s *Store) Failed(job outbox.Job, sendErr error) {
	clientID := job.Draft.ClientID
	s.mu.Lock()
	c := s.convs[job.ConversationID]
	p := s.inflight[clientID]
	delete(s.inflight, clientID)

	var (
		echoed  *model.Message
		removed bool
		snap    snapshot
	)
	if c != nil {
		if i := c.pendingByClientID(clientID); i >= 0 {
			delete(s.index, c.messages[i].ID)
			c.messages = slices.Delete(c.messages, i, i+1)
			removed = true
			snap = s.snapshotLocked(c)
		} else if i := c.indexOf(func(m *model.Message) bool { return m.ClientID == clientID }); i >= 0 {
			m := c.messages[i]
			echoed = &m
		}
	}
	s.mu.Unlock()

	if echoed != nil {
		s.log.Info("send reported failed after server echo, keeping message",
			zap.String("client_id", clientID), zap.String("message_id", echoed.ID), zap.Error(sendErr))
		if p != nil {
			p.result = *echoed
			close(p.done)
		}
		return
	}

	if removed {
		s.save(snap)
		s.bus.Emit(EventRemoved, Removed{ConversationID: job.ConversationID, MessageID: clientID})
	}
	failure := &SendFailure{ConversationID: job.ConversationID, ClientID: clientID, Err: sendErr}
	s.log.Warn("send failed", zap.String("conversation_id", job.ConversationID), zap.String("client_id", clientID), zap.Error(sendErr))
	s.bus.Emit(EventSendFailed, SendFailed{ConversationID: job.ConversationID, ClientID: clientID, Error: sendErr.Error()})
	if p != nil {
		p.err = failure
		close(p.done)
	}
}
