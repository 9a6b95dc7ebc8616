// Package sync routes pushed events into the timeline and keeps open
// conversations reconciled with the server, both after reconnects and on a
// fixed poll interval.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/conn"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/wire"
	"go.uber.org/zap"
)

const ackTimeout = 10 * time.Second

// Signaler is the real-time connection as seen by the engine.
type Signaler interface {
	On(event string, h conn.Handler) func()
}

// Timeline is the message store the engine feeds.
type Timeline interface {
	IngestPushed(ctx context.Context, msg model.Message) error
	ApplyStatusUpdate(messageID string, status model.Status) (bool, error)
	Refresh(ctx context.Context, conversationID string) error
	OpenConversations() []string
}

// Acker reports delivery of received messages back to the server.
type Acker interface {
	UpdateDeliveryStatus(ctx context.Context, messageID string, status model.Status) error
}

// Engine handles pushed messages and status updates.
// It also subscribes to "conn.connected" on the bus and refreshes every open
// conversation after a reconnect, since pushes sent while offline are lost.
type Engine struct {
	sig    Signaler
	tl     Timeline
	acker  Acker
	bus    *bus.Bus
	logger *zap.Logger
	selfID func() string

	cancel context.CancelFunc
	done   chan struct{}
	unsubs []func()
}

// NewEngine creates a new sync engine. acker may be nil, in which case
// received messages are not acknowledged as delivered.
func NewEngine(sig Signaler, tl Timeline, acker Acker, b *bus.Bus, selfID func() string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		sig:    sig,
		tl:     tl,
		acker:  acker,
		bus:    b,
		logger: logger,
		selfID: selfID,
	}
}

// Start registers the push handlers and watches the connection.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.unsubs = append(e.unsubs,
		e.sig.On(wire.EventNewMessage, func(data json.RawMessage) { e.onNewMessage(ctx, data) }),
		e.sig.On(wire.EventMessageStatusUpdate, e.onStatusUpdate),
	)

	ch, unsub := e.bus.Subscribe(conn.EventConnected, 16)
	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if c, ok := evt.Payload.(conn.Connected); ok && c.Reconnect {
					e.logger.Info("reconnected, refreshing open conversations")
					RefreshAll(ctx, e.tl, e.logger)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop removes the handlers and stops the engine.
func (e *Engine) Stop() {
	for _, u := range e.unsubs {
		u()
	}
	e.unsubs = nil
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) onNewMessage(ctx context.Context, data json.RawMessage) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		e.logger.Warn("malformed new_message", zap.Error(err))
		return
	}
	if err := e.tl.IngestPushed(ctx, msg); err != nil {
		e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.ID))
		return
	}
	if e.acker == nil || msg.SenderID == "" || (e.selfID != nil && msg.SenderID == e.selfID()) {
		return
	}
	if msg.Status.Rank() >= model.StatusDelivered.Rank() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, ackTimeout)
		defer cancel()
		if err := e.acker.UpdateDeliveryStatus(ctx, msg.ID, model.StatusDelivered); err != nil {
			e.logger.Warn("delivery ack failed", zap.String("msg_id", msg.ID), zap.Error(err))
		}
	}()
}

func (e *Engine) onStatusUpdate(data json.RawMessage) {
	var upd wire.StatusUpdate
	if err := json.Unmarshal(data, &upd); err != nil || upd.MessageID == "" {
		e.logger.Warn("malformed message_status_update", zap.Error(err))
		return
	}
	if _, err := e.tl.ApplyStatusUpdate(upd.MessageID, upd.Status); err != nil {
		e.logger.Warn("status update rejected", zap.String("msg_id", upd.MessageID), zap.String("status", string(upd.Status)), zap.Error(err))
	}
}

// RefreshAll runs a full reconciliation of every open conversation.
func RefreshAll(ctx context.Context, tl Timeline, logger *zap.Logger) {
	for _, id := range tl.OpenConversations() {
		if ctx.Err() != nil {
			return
		}
		if err := tl.Refresh(ctx, id); err != nil {
			logger.Warn("refresh failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
}
