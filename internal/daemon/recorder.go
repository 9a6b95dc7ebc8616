package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/timeline"
	"go.uber.org/zap"
)

const recordTimeout = 30 * time.Second

type conversationCreator interface {
	CreateConversation(ctx context.Context, userA, userB string) (string, error)
}

type callEventSender interface {
	SendCallEvent(ctx context.Context, conversationID string, ev model.CallEvent) (*timeline.Pending, error)
}

// CallLog writes a call-event message into the conversation of every call
// this user placed. The callee's side is left to the caller so each call is
// recorded once.
type CallLog struct {
	convs  conversationCreator
	sender callEventSender
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewCallLog(convs conversationCreator, sender callEventSender, logger *zap.Logger) *CallLog {
	return &CallLog{convs: convs, sender: sender, logger: logger}
}

// CallEnded records s in the background.
func (l *CallLog) CallEnded(s call.Summary) {
	if s.Role != model.RoleCaller || s.RemoteID == "" {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := l.record(ctx, s); err != nil {
			l.logger.Warn("call event not recorded",
				zap.String("channel_id", s.ChannelID),
				zap.Error(err),
			)
		}
	}()
}

func (l *CallLog) record(ctx context.Context, s call.Summary) error {
	conv, err := l.convs.CreateConversation(ctx, s.LocalID, s.RemoteID)
	if err != nil {
		return err
	}
	if _, err := l.sender.SendCallEvent(ctx, conv, s.Event()); err != nil {
		return err
	}
	l.logger.Info("call event recorded",
		zap.String("channel_id", s.ChannelID),
		zap.String("conversation_id", conv),
		zap.String("outcome", string(s.Outcome)),
	)
	return nil
}

// Wait blocks until in-flight recordings finish.
func (l *CallLog) Wait() {
	l.wg.Wait()
}
