// Package outbox delivers optimistic sends in the background: it uploads
// local media, submits the message and reports the result back to the
// timeline.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"
	"time"

	"github.com/matheus3301/heartline/internal/backend"
	"github.com/matheus3301/heartline/internal/model"
	"go.uber.org/zap"
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("outbox: stopped")

// Deliverer is the subset of the backend API the sender needs.
type Deliverer interface {
	SendMessage(ctx context.Context, conversationID string, d backend.Draft) (model.Message, error)
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

// Sink receives the outcome of every job exactly once.
type Sink interface {
	Delivered(job Job, msg model.Message)
	Failed(job Job, err error)
}

// Job is one pending send. When LocalPath is set the file is uploaded first
// and its URL becomes the draft's MediaRef.
type Job struct {
	ConversationID string
	Draft          backend.Draft
	LocalPath      string
	QueuedAt       time.Time
}

// Sender is a small worker pool. Jobs of one conversation always land on the
// same worker, so a conversation's sends reach the server in order.
type Sender struct {
	deliverer Deliverer
	sink      Sink
	logger    *zap.Logger
	timeout   time.Duration

	queues []chan Job

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSender creates a sender with the given number of workers.
func NewSender(d Deliverer, sink Sink, workers int, logger *zap.Logger) *Sender {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	queues := make([]chan Job, workers)
	for i := range queues {
		queues[i] = make(chan Job, 64)
	}
	return &Sender{
		deliverer: d,
		sink:      sink,
		logger:    logger,
		timeout:   time.Minute,
		queues:    queues,
	}
}

// Start launches the workers.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.stopped {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for i, q := range s.queues {
		s.wg.Add(1)
		go s.worker(ctx, i, q)
	}
}

// Stop cancels in-flight sends and waits for the workers. Jobs still queued
// are reported as failed.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	for _, q := range s.queues {
		s.drain(q)
	}
}

func (s *Sender) drain(q chan Job) {
	for {
		select {
		case job := <-q:
			s.sink.Failed(job, ErrStopped)
		default:
			return
		}
	}
}

// Enqueue schedules a job.
func (s *Sender) Enqueue(ctx context.Context, job Job) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.mu.Unlock()

	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now()
	}
	q := s.queues[s.shard(job.ConversationID)]
	select {
	case q <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Stop may have drained this queue before the push landed.
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		s.drain(q)
	}
	return nil
}

func (s *Sender) shard(conversationID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *Sender) worker(ctx context.Context, id int, q <-chan Job) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q:
			s.process(ctx, id, job)
		}
	}
}

func (s *Sender) process(ctx context.Context, worker int, job Job) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log := s.logger.With(
		zap.Int("worker", worker),
		zap.String("conversation_id", job.ConversationID),
		zap.String("client_id", job.Draft.ClientID),
	)

	if job.LocalPath != "" {
		ref, err := s.upload(ctx, job.LocalPath)
		if err != nil {
			log.Error("failed to upload media", zap.Error(err))
			s.sink.Failed(job, err)
			return
		}
		job.Draft.MediaRef = ref
	}

	msg, err := s.deliverer.SendMessage(ctx, job.ConversationID, job.Draft)
	if err != nil {
		log.Error("failed to send message", zap.Error(err))
		s.sink.Failed(job, err)
		return
	}

	log.Info("message sent",
		zap.String("server_id", msg.ID),
		zap.Duration("queued_for", time.Since(job.QueuedAt)),
	)
	s.sink.Delivered(job, msg)
}

func (s *Sender) upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open media: %w", err)
	}
	defer func() { _ = f.Close() }()
	return s.deliverer.Upload(ctx, path, f)
}
