package outbox

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/heartline/internal/backend"
	"github.com/matheus3301/heartline/internal/model"
	"go.uber.org/zap"
)

// mockDeliverer records calls and returns configurable results.
type mockDeliverer struct {
	mu        sync.Mutex
	sends     []backend.Draft
	uploads   []string
	err       error
	uploadErr error
	delay     time.Duration
}

func (m *mockDeliverer) SendMessage(ctx context.Context, conv string, d backend.Draft) (model.Message, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return model.Message{}, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, d)
	if m.err != nil {
		return model.Message{}, m.err
	}
	return model.Message{
		ID: "srv-" + d.ClientID, ClientID: d.ClientID, ConversationID: conv,
		Kind: d.Kind, Body: d.Body, MediaRef: d.MediaRef, Status: model.StatusSent,
	}, nil
}

func (m *mockDeliverer) Upload(_ context.Context, name string, r io.Reader) (string, error) {
	data, _ := io.ReadAll(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, string(data))
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	return "https://cdn/" + filepath.Base(name), nil
}

type result struct {
	job Job
	msg model.Message
	err error
}

type chanSink chan result

func (c chanSink) Delivered(job Job, msg model.Message) { c <- result{job: job, msg: msg} }
func (c chanSink) Failed(job Job, err error)            { c <- result{job: job, err: err} }

func (c chanSink) next(t *testing.T) result {
	t.Helper()
	select {
	case r := <-c:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbox result")
		return result{}
	}
}

func textJob(conv, clientID, body string) Job {
	return Job{ConversationID: conv, Draft: backend.Draft{ClientID: clientID, Kind: model.KindText, Body: body}}
}

func TestSenderDeliversText(t *testing.T) {
	mock := &mockDeliverer{}
	sink := make(chanSink, 4)
	logger, _ := zap.NewDevelopment()
	s := NewSender(mock, sink, 2, logger)
	s.Start(context.Background())
	defer s.Stop()

	if err := s.Enqueue(context.Background(), textJob("c1", "tmp-1", "hello")); err != nil {
		t.Fatal(err)
	}
	r := sink.next(t)
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.msg.ID != "srv-tmp-1" || r.job.Draft.ClientID != "tmp-1" {
		t.Errorf("result = %+v", r)
	}
}

func TestSenderReportsFailure(t *testing.T) {
	mock := &mockDeliverer{err: errors.New("boom")}
	sink := make(chanSink, 4)
	s := NewSender(mock, sink, 1, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	_ = s.Enqueue(context.Background(), textJob("c1", "tmp-1", "hello"))
	r := sink.next(t)
	if r.err == nil || r.err.Error() != "boom" {
		t.Errorf("err = %v", r.err)
	}
}

func TestSenderUploadsLocalMediaFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pic.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o600); err != nil {
		t.Fatal(err)
	}
	mock := &mockDeliverer{}
	sink := make(chanSink, 1)
	s := NewSender(mock, sink, 1, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	job := Job{ConversationID: "c1", Draft: backend.Draft{ClientID: "tmp-1", Kind: model.KindImage}, LocalPath: path}
	_ = s.Enqueue(context.Background(), job)
	r := sink.next(t)
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.msg.MediaRef != "https://cdn/pic.jpg" {
		t.Errorf("media ref = %q", r.msg.MediaRef)
	}
	if len(mock.uploads) != 1 || mock.uploads[0] != "jpeg" {
		t.Errorf("uploads = %v", mock.uploads)
	}
}

func TestSenderUploadFailureSkipsSend(t *testing.T) {
	mock := &mockDeliverer{}
	sink := make(chanSink, 1)
	s := NewSender(mock, sink, 1, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	job := Job{ConversationID: "c1", Draft: backend.Draft{ClientID: "tmp-1", Kind: model.KindAudio}, LocalPath: "/does/not/exist.m4a"}
	_ = s.Enqueue(context.Background(), job)
	if r := sink.next(t); r.err == nil {
		t.Fatal("expected upload failure")
	}
	if len(mock.sends) != 0 {
		t.Error("message sent despite failed upload")
	}
}

func TestSenderPreservesConversationOrder(t *testing.T) {
	mock := &mockDeliverer{delay: time.Millisecond}
	sink := make(chanSink, 16)
	s := NewSender(mock, sink, 4, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	want := []string{"a", "b", "c", "d", "e"}
	for _, id := range want {
		_ = s.Enqueue(context.Background(), textJob("c1", id, id))
	}
	for _, id := range want {
		if r := sink.next(t); r.job.Draft.ClientID != id {
			t.Fatalf("delivered %s, want %s", r.job.Draft.ClientID, id)
		}
	}
}

func TestStopFailsQueuedJobs(t *testing.T) {
	sink := make(chanSink, 4)
	s := NewSender(&mockDeliverer{}, sink, 1, zap.NewNop())
	// Never started: the job stays queued until Stop.
	_ = s.Enqueue(context.Background(), textJob("c1", "tmp-1", "hi"))
	s.Stop()

	if r := sink.next(t); !errors.Is(r.err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", r.err)
	}
	if err := s.Enqueue(context.Background(), textJob("c1", "tmp-2", "hi")); !errors.Is(err, ErrStopped) {
		t.Errorf("Enqueue after Stop = %v", err)
	}
}

func TestEnqueueRacingStopReportsEveryJob(t *testing.T) {
	for range 50 {
		sink := make(chanSink, 64)
		s := NewSender(&mockDeliverer{}, sink, 1, zap.NewNop())

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		for i := range 32 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Enqueue(context.Background(), textJob("c1", "tmp-"+string(rune('a'+i)), "hi")); err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		s.Stop()
		wg.Wait()

		if got := len(sink); got != accepted {
			t.Fatalf("reported %d jobs, accepted %d", got, accepted)
		}
	}
}
