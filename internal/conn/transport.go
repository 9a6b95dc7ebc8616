package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/heartline/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 1 << 16
	CloseAuthError = 4401
)

// Transport is a framed bidirectional event channel. ReadFrame is called from
// a single goroutine; WriteFrame may be called concurrently.
type Transport interface {
	WriteFrame(f wire.Frame) error
	ReadFrame() (wire.Frame, error)
	Close() error
}

// Dialer opens a Transport authenticated with credential.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Transport, error)
}

// WebSocketDialer dials the real-time endpoint over websocket.
type WebSocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func (d WebSocketDialer) Dial(ctx context.Context, credential string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	c, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: fmt.Sprintf("handshake rejected with http %d", resp.StatusCode), Err: err}
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	c.SetReadLimit(maxFrameSize)
	return &wsTransport{conn: c}, nil
}

type wsTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

func (t *wsTransport) WriteFrame(f wire.Frame) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) ReadFrame() (wire.Frame, error) {
	var f wire.Frame
	if err := t.conn.ReadJSON(&f); err != nil {
		return wire.Frame{}, classifyReadError(err)
	}
	return f, nil
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.wmu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.wmu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// classifyReadError separates deliberate server closes from network failure.
// Only the latter reconnects.
func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case CloseAuthError:
		return &AuthError{Reason: "server closed the session", Err: err}
	case websocket.CloseNormalClosure, websocket.ClosePolicyViolation:
		return fmt.Errorf("%w: %s", ErrServerClosed, ce.Text)
	}
	return err
}
