package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/heartline/internal/wire"
)

var errNetwork = errors.New("connection reset by peer")

func credential(t *testing.T, sub string, exp time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: sub}
	if exp != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(exp))
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

type fakeTransport struct {
	in     chan wire.Frame
	out    chan wire.Frame
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	closeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan wire.Frame, 64),
		out:    make(chan wire.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) WriteFrame(fr wire.Frame) error {
	select {
	case <-f.closed:
		return errors.New("write on closed transport")
	case f.out <- fr:
		return nil
	}
}

func (f *fakeTransport) ReadFrame() (wire.Frame, error) {
	select {
	case fr := <-f.in:
		return fr, nil
	case <-f.closed:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closeErr != nil {
			return wire.Frame{}, f.closeErr
		}
		return wire.Frame{}, errors.New("use of closed network connection")
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// fail ends the transport from the remote side with err.
func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	f.closeErr = err
	f.mu.Unlock()
	_ = f.Close()
}

func (f *fakeTransport) push(t *testing.T, event string, data any) {
	t.Helper()
	fr, err := wire.NewFrame(event, data)
	if err != nil {
		t.Fatal(err)
	}
	f.in <- fr
}

// nextOut waits for the next frame written with the given event, skipping
// heartbeat pings.
func (f *fakeTransport) nextOut(t *testing.T, event string) wire.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case fr := <-f.out:
			if fr.Event == event {
				return fr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", event)
		}
	}
}

type dialResult struct {
	t   Transport
	err error
}

// fakeDialer hands out queued results. With nothing queued, Dial blocks
// until its context expires.
type fakeDialer struct {
	results chan dialResult

	mu    sync.Mutex
	dials int
	creds []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, credential string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.creds = append(d.creds, credential)
	d.mu.Unlock()
	select {
	case r := <-d.results:
		return r.t, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) queue(t Transport, err error) {
	d.results <- dialResult{t: t, err: err}
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitFor(ctx, want); err != nil {
		t.Fatalf("waiting for state %s: %v (current %s)", want, err, m.State())
	}
}

func fastOptions() Options {
	return Options{
		ConnectTimeout:    time.Second,
		HeartbeatInterval: time.Hour,
		Backoff:           Backoff{Base: time.Millisecond, Cap: 4 * time.Millisecond, MaxAttempts: 3},
	}
}

func waitDials(t *testing.T, d *fakeDialer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("dials = %d, want %d", d.count(), n)
		}
		time.Sleep(time.Millisecond)
	}
}
