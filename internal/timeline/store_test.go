package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/heartline/internal/backend"
	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/kv"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/outbox"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu       sync.Mutex
	history  map[string][]model.Message
	fetches  int
	block    chan struct{}
	statuses map[string]model.Status
	failIDs  map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history:  make(map[string][]model.Message),
		statuses: make(map[string]model.Status),
		failIDs:  make(map[string]bool),
	}
}

func (f *fakeBackend) FetchHistory(ctx context.Context, conv string, _ backend.HistoryOptions) ([]model.Message, error) {
	f.mu.Lock()
	f.fetches++
	block := f.block
	msgs := append([]model.Message(nil), f.history[conv]...)
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, nil
}

func (f *fakeBackend) UpdateDeliveryStatus(_ context.Context, id string, st model.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return errors.New("http 500")
	}
	f.statuses[id] = st
	return nil
}

type fakeRooms struct {
	mu     sync.Mutex
	joined map[string]bool
}

func (r *fakeRooms) JoinRoom(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined[id] = true
}

func (r *fakeRooms) LeaveRoom(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.joined, id)
}

func (r *fakeRooms) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined[id]
}

// captureOutbox holds jobs so tests decide when and how each send resolves.
type captureOutbox struct {
	jobs chan outbox.Job
	err  error
}

func (o *captureOutbox) Enqueue(_ context.Context, job outbox.Job) error {
	if o.err != nil {
		return o.err
	}
	o.jobs <- job
	return nil
}

func (o *captureOutbox) next(t *testing.T) outbox.Job {
	t.Helper()
	select {
	case j := <-o.jobs:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("no job enqueued")
		return outbox.Job{}
	}
}

type fixture struct {
	store   *Store
	backend *fakeBackend
	rooms   *fakeRooms
	outbox  *captureOutbox
	cache   *kv.Memory
	bus     *bus.Bus
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		backend: newFakeBackend(),
		rooms:   &fakeRooms{joined: make(map[string]bool)},
		outbox:  &captureOutbox{jobs: make(chan outbox.Job, 16)},
		cache:   kv.NewMemory(),
		bus:     bus.New(),
	}
	f.store = New(f.backend, f.rooms, f.cache, f.bus, func() string { return "alice" }, opts, zap.NewNop())
	f.store.AttachOutbox(f.outbox)
	return f
}

func (f *fixture) messages(t *testing.T, conv string) []model.Message {
	t.Helper()
	msgs, err := f.store.Messages(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC)
}

func received(id string, sec int) model.Message {
	return model.Message{ID: id, ConversationID: "c1", SenderID: "bob", Kind: model.KindText, Body: "msg " + id, CreatedAt: at(sec), Status: model.StatusDelivered}
}

func ids(msgs []model.Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return strings.Join(out, ",")
}

func TestSendTextThenPushedEchoYieldsOneMessage(t *testing.T) {
	for _, withClientID := range []bool{true, false} {
		name := "heuristic"
		if withClientID {
			name = "client id echo"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Options{})
			ctx := context.Background()

			p, err := f.store.SendText(ctx, "c1", "hi")
			if err != nil {
				t.Fatal(err)
			}
			if p.Message.Status != model.StatusSending || !p.Message.LocalOnly {
				t.Fatalf("optimistic = %+v", p.Message)
			}
			job := f.outbox.next(t)

			echo := model.Message{ID: "srv1", ConversationID: "c1", SenderID: "alice", Kind: model.KindText, Body: "hi", CreatedAt: at(1), Status: model.StatusSent}
			if withClientID {
				echo.ClientID = job.Draft.ClientID
			}
			if err := f.store.IngestPushed(ctx, echo); err != nil {
				t.Fatal(err)
			}
			f.store.Delivered(job, echo)

			msgs := f.messages(t, "c1")
			if len(msgs) != 1 {
				t.Fatalf("messages = %s, want exactly srv1", ids(msgs))
			}
			m := msgs[0]
			if m.ID != "srv1" || m.Status != model.StatusSent || m.LocalOnly || m.ClientID != job.Draft.ClientID {
				t.Errorf("message = %+v", m)
			}
			got, err := p.Wait(ctx)
			if err != nil || got.ID != "srv1" {
				t.Errorf("Wait = %+v, %v", got, err)
			}
		})
	}
}

func TestAckReplacesInPlace(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_ = f.store.IngestHistory(ctx, "c1", []model.Message{received("m1", 1)}, ModeRecent)

	upserts, unsub := f.bus.Subscribe(EventUpserted, 8)
	defer unsub()

	p, _ := f.store.SendText(ctx, "c1", "hello")
	job := f.outbox.next(t)
	<-upserts

	f.store.Delivered(job, model.Message{ID: "srv9", ClientID: job.Draft.ClientID, ConversationID: "c1", SenderID: "alice", Kind: model.KindText, Body: "hello", CreatedAt: at(5), Status: model.StatusSent})

	evt := <-upserts
	up := evt.Payload.(Upserted)
	if up.ReplacedID != p.Message.ID || up.Message.ID != "srv9" {
		t.Errorf("upsert = %+v", up)
	}
	if got := ids(f.messages(t, "c1")); got != "m1,srv9" {
		t.Errorf("order = %s", got)
	}
}

func TestSendFailureRemovesTemporaryEntry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	failed, unsub := f.bus.Subscribe(EventSendFailed, 1)
	defer unsub()

	p, _ := f.store.SendText(ctx, "c1", "hi")
	job := f.outbox.next(t)
	f.store.Failed(job, errors.New("http 500"))

	if msgs := f.messages(t, "c1"); len(msgs) != 0 {
		t.Errorf("messages = %s after failure", ids(msgs))
	}
	_, err := p.Wait(ctx)
	var sf *SendFailure
	if !errors.As(err, &sf) || sf.ClientID != job.Draft.ClientID {
		t.Errorf("Wait err = %v", err)
	}
	select {
	case <-failed:
	default:
		t.Error("no message.send_failed event")
	}
}

func TestFailureAfterEchoKeepsMessage(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p, _ := f.store.SendText(ctx, "c1", "hi")
	job := f.outbox.next(t)
	_ = f.store.IngestPushed(ctx, model.Message{ID: "srv1", ClientID: job.Draft.ClientID, ConversationID: "c1", SenderID: "alice", Kind: model.KindText, Body: "hi", CreatedAt: at(1)})
	f.store.Failed(job, context.DeadlineExceeded)

	msgs := f.messages(t, "c1")
	if ids(msgs) != "srv1" {
		t.Fatalf("messages = %s", ids(msgs))
	}
	if got, err := p.Wait(ctx); err != nil || got.ID != "srv1" {
		t.Errorf("Wait = %+v, %v", got, err)
	}
}

func TestEnqueueFailureSurfacesSendFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.outbox.err = outbox.ErrStopped

	_, err := f.store.SendText(context.Background(), "c1", "hi")
	var sf *SendFailure
	if !errors.As(err, &sf) || !errors.Is(err, outbox.ErrStopped) {
		t.Fatalf("err = %v", err)
	}
	if msgs := f.messages(t, "c1"); len(msgs) != 0 {
		t.Errorf("messages = %s", ids(msgs))
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.store.SendText(ctx, "c1", "   "); err == nil {
		t.Error("blank text accepted")
	}
	if _, err := f.store.SendMedia(ctx, "c1", "x.jpg", model.KindText); err == nil {
		t.Error("text kind accepted as media")
	}

	anon := New(f.backend, f.rooms, kv.NewMemory(), nil, func() string { return "" }, Options{}, nil)
	anon.AttachOutbox(f.outbox)
	if _, err := anon.SendText(ctx, "c1", "hi"); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("err = %v, want ErrNoIdentity", err)
	}
}

func TestSendMediaLocalPathIsUploaded(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if _, err := f.store.SendMedia(ctx, "c1", "/tmp/pic.jpg", model.KindImage); err != nil {
		t.Fatal(err)
	}
	job := f.outbox.next(t)
	if job.LocalPath != "/tmp/pic.jpg" || job.Draft.MediaRef != "" {
		t.Errorf("job = %+v", job)
	}

	if _, err := f.store.SendMedia(ctx, "c1", "https://cdn/a.m4a", model.KindAudio); err != nil {
		t.Fatal(err)
	}
	job = f.outbox.next(t)
	if job.LocalPath != "" || job.Draft.MediaRef != "https://cdn/a.m4a" {
		t.Errorf("job = %+v", job)
	}
}

func TestPushedDuplicatesAreDeduped(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for range 3 {
		if err := f.store.IngestPushed(ctx, received("m1", 1)); err != nil {
			t.Fatal(err)
		}
	}
	_ = f.store.IngestHistory(ctx, "c1", []model.Message{received("m1", 1), received("m2", 2)}, ModeFull)
	if got := ids(f.messages(t, "c1")); got != "m1,m2" {
		t.Errorf("messages = %s", got)
	}
}

func TestPushRejectsMessagesWithoutIDs(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.store.IngestPushed(context.Background(), model.Message{ConversationID: "c1"})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("err = %v", err)
	}
}

func TestStatusIsMonotonic(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	m := received("m1", 1)
	m.Status = model.StatusSent
	_ = f.store.IngestPushed(ctx, m)

	steps := []struct {
		status  model.Status
		changed bool
		want    model.Status
	}{
		{model.StatusDelivered, true, model.StatusDelivered},
		{model.StatusSent, false, model.StatusDelivered},
		{model.StatusDelivered, false, model.StatusDelivered},
		{model.StatusRead, true, model.StatusRead},
		{model.StatusSending, false, model.StatusRead},
	}
	for _, st := range steps {
		changed, err := f.store.ApplyStatusUpdate("m1", st.status)
		if err != nil {
			t.Fatal(err)
		}
		if changed != st.changed {
			t.Errorf("ApplyStatusUpdate(%s) changed = %v", st.status, changed)
		}
		if got := f.messages(t, "c1")[0].Status; got != st.want {
			t.Errorf("after %s status = %s, want %s", st.status, got, st.want)
		}
	}

	// History carrying an older status does not regress either.
	stale := received("m1", 1)
	stale.Status = model.StatusSent
	_ = f.store.IngestHistory(ctx, "c1", []model.Message{stale}, ModeFull)
	if got := f.messages(t, "c1")[0].Status; got != model.StatusRead {
		t.Errorf("history regressed status to %s", got)
	}

	if _, err := f.store.ApplyStatusUpdate("m1", "bogus"); err == nil {
		t.Error("unknown status accepted")
	}
}

func TestStatusUpdateBeforeMessageIsHeld(t *testing.T) {
	f := newFixture(t, Options{})
	if changed, _ := f.store.ApplyStatusUpdate("m1", model.StatusRead); changed {
		t.Error("update for unknown message reported a change")
	}
	m := received("m1", 1)
	m.Status = model.StatusSent
	_ = f.store.IngestPushed(context.Background(), m)
	if got := f.messages(t, "c1")[0].Status; got != model.StatusRead {
		t.Errorf("status = %s, held update not applied", got)
	}
}

func TestPendingSurvivesEmptyHistory(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	p, _ := f.store.SendText(ctx, "c1", "still sending")
	f.outbox.next(t)

	for _, mode := range []Mode{ModeRecent, ModeFull} {
		if err := f.store.IngestHistory(ctx, "c1", nil, mode); err != nil {
			t.Fatal(err)
		}
	}
	msgs := f.messages(t, "c1")
	if len(msgs) != 1 || msgs[0].ID != p.Message.ID || !msgs[0].LocalOnly {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestOrderingPutsPendingLast(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, _ = f.store.SendText(ctx, "c1", "first local")
	f.outbox.next(t)

	m3 := received("m3", 3)
	m2a := received("m2a", 2)
	m2a.Seq = 2
	m2b := received("m2b", 2)
	m2b.Seq = 1
	// Server time later than the local send still sorts before it.
	late := received("m9", 0)
	late.CreatedAt = time.Now().Add(time.Hour)
	_ = f.store.IngestHistory(ctx, "c1", []model.Message{m3, late, m2a, m2b, received("m1", 1)}, ModeFull)

	msgs := f.messages(t, "c1")
	got := ids(msgs[:len(msgs)-1])
	if got != "m1,m2b,m2a,m3,m9" {
		t.Errorf("confirmed order = %s", got)
	}
	if !msgs[len(msgs)-1].LocalOnly {
		t.Error("pending message not last")
	}
}

func TestHeuristicPairsEarliestPending(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	first, _ := f.store.SendText(ctx, "c1", "same")
	f.outbox.next(t)
	second, _ := f.store.SendText(ctx, "c1", "same")
	f.outbox.next(t)

	_ = f.store.IngestPushed(ctx, model.Message{ID: "srv1", ConversationID: "c1", SenderID: "alice", Kind: model.KindText, Body: "same", CreatedAt: at(1)})
	msgs := f.messages(t, "c1")
	if len(msgs) != 2 || msgs[0].ID != "srv1" || msgs[1].ID != second.Message.ID {
		t.Fatalf("messages = %s (first=%s)", ids(msgs), first.Message.ID)
	}
	if msgs[0].ClientID != first.Message.ClientID {
		t.Error("echo did not take over the earliest pending entry")
	}
}

func TestForeignClientIDIsNotPaired(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, _ = f.store.SendText(ctx, "c1", "same")
	f.outbox.next(t)

	// Same content sent from another device of the same user.
	_ = f.store.IngestPushed(ctx, model.Message{ID: "srv1", ClientID: "other-device", ConversationID: "c1", SenderID: "alice", Kind: model.KindText, Body: "same", CreatedAt: at(1)})
	if msgs := f.messages(t, "c1"); len(msgs) != 2 {
		t.Errorf("messages = %s", ids(msgs))
	}
}

func TestMarkConversationReadReportsPartialFailure(t *testing.T) {
	f := newFixture(t, Options{MarkReadWorkers: 2})
	ctx := context.Background()
	own := model.Message{ID: "mine", ConversationID: "c1", SenderID: "alice", Kind: model.KindText, Body: "x", CreatedAt: at(0), Status: model.StatusDelivered}
	_ = f.store.IngestHistory(ctx, "c1", []model.Message{own, received("m1", 1), received("m2", 2), received("m3", 3)}, ModeFull)
	f.backend.failIDs["m2"] = true

	n, err := f.store.MarkConversationRead(ctx, "c1")
	if n != 3 {
		t.Errorf("marked = %d", n)
	}
	if err == nil || !strings.Contains(err.Error(), "m2") {
		t.Errorf("err = %v", err)
	}
	if f.backend.statuses["m1"] != model.StatusRead || f.backend.statuses["m3"] != model.StatusRead {
		t.Errorf("server statuses = %v", f.backend.statuses)
	}
	for _, m := range f.messages(t, "c1") {
		want := model.StatusRead
		if m.ID == "mine" {
			want = model.StatusDelivered
		}
		if m.Status != want {
			t.Errorf("%s status = %s, want %s", m.ID, m.Status, want)
		}
	}

	if n, err := f.store.MarkConversationRead(ctx, "c1"); n != 0 || err != nil {
		t.Errorf("second mark = %d, %v", n, err)
	}
}

func TestOpenLoadsCacheBeforeNetwork(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_ = f.store.IngestHistory(ctx, "c1", []model.Message{received("m1", 1)}, ModeFull)

	// A new store over the same cache, with the network stalled.
	b2 := newFakeBackend()
	b2.block = make(chan struct{})
	defer close(b2.block)
	s2 := New(b2, f.rooms, f.cache, nil, func() string { return "alice" }, Options{}, nil)

	snap, err := s2.Open(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if ids(snap) != "m1" {
		t.Errorf("snapshot = %s", ids(snap))
	}
	if !f.rooms.has("c1") {
		t.Error("room not joined on open")
	}
	s2.Close("c1")
	if f.rooms.has("c1") {
		t.Error("room not left on close")
	}
}

func TestOpenFetchesRecentThenFull(t *testing.T) {
	f := newFixture(t, Options{})
	f.backend.history["c1"] = []model.Message{received("m1", 1), received("m2", 2)}
	merged, unsub := f.bus.Subscribe(EventHistoryMerged, 4)
	defer unsub()

	if _, err := f.store.Open(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	defer f.store.Close("c1")

	var modes []Mode
	for range 2 {
		select {
		case evt := <-merged:
			modes = append(modes, evt.Payload.(HistoryMerged).Mode)
		case <-time.After(2 * time.Second):
			t.Fatal("history not merged")
		}
	}
	if modes[0] != ModeRecent || modes[1] != ModeFull {
		t.Errorf("modes = %v", modes)
	}
	if got := ids(f.messages(t, "c1")); got != "m1,m2" {
		t.Errorf("messages = %s", got)
	}
	if open := f.store.OpenConversations(); len(open) != 1 || open[0] != "c1" {
		t.Errorf("open = %v", open)
	}
}

func TestPersistedCacheIsBounded(t *testing.T) {
	f := newFixture(t, Options{CacheLimit: 2})
	ctx := context.Background()
	_, _ = f.store.SendText(ctx, "c1", "pending")
	f.outbox.next(t)
	_ = f.store.IngestHistory(ctx, "c1", []model.Message{received("m1", 1), received("m2", 2), received("m3", 3)}, ModeFull)

	raw, err := f.cache.Get(ctx, "timeline/c1")
	if err != nil {
		t.Fatal(err)
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatal(err)
	}
	if len(entry.Messages) != 3 || entry.Messages[0].ID != "m2" || entry.Messages[1].ID != "m3" || !entry.Messages[2].LocalOnly {
		t.Errorf("persisted = %s", ids(entry.Messages))
	}
	if !entry.SyncedThrough.Equal(at(3)) {
		t.Errorf("synced through = %v", entry.SyncedThrough)
	}
	// Memory keeps everything.
	if n := len(f.messages(t, "c1")); n != 4 {
		t.Errorf("in memory = %d", n)
	}
}

func TestOpenResumesInterruptedSends(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	p, _ := f.store.SendText(ctx, "c1", "interrupted")
	f.outbox.next(t)

	s2 := New(f.backend, f.rooms, f.cache, nil, func() string { return "alice" }, Options{}, nil)
	s2.AttachOutbox(f.outbox)
	if _, err := s2.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	defer s2.Close("c1")

	job := f.outbox.next(t)
	if job.Draft.ClientID != p.Message.ClientID || job.Draft.Body != "interrupted" {
		t.Errorf("resumed job = %+v", job)
	}
}

func TestRefreshSharesConcurrentFetches(t *testing.T) {
	f := newFixture(t, Options{})
	f.backend.history["c1"] = []model.Message{received("m1", 1)}
	f.backend.block = make(chan struct{})

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.store.Refresh(context.Background(), "c1")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.backend.block)
	wg.Wait()

	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	if f.backend.fetches != 1 {
		t.Errorf("fetches = %d, want 1", f.backend.fetches)
	}
}

func TestEvictAndPurge(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_ = f.store.IngestPushed(ctx, received("m1", 1))
	m := received("x1", 1)
	m.ConversationID = "c2"
	_ = f.store.IngestPushed(ctx, m)

	if err := f.store.Evict(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.cache.Get(ctx, "timeline/c1"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("cache after evict: %v", err)
	}
	if len(f.messages(t, "c1")) != 0 {
		t.Error("evicted conversation still in memory")
	}

	// The evicted conversation persists again once touched.
	_ = f.store.IngestPushed(ctx, received("m2", 2))
	if _, err := f.cache.Get(ctx, "timeline/c1"); err != nil {
		t.Errorf("cache after re-ingest: %v", err)
	}

	if err := f.store.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	if f.cache.Len() != 0 {
		t.Errorf("cache keys after purge = %d", f.cache.Len())
	}
}
