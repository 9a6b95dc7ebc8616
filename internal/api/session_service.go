package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/conn"
	"github.com/matheus3301/heartline/internal/rpc"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Connection is the connection manager as seen by the API.
type Connection interface {
	Connect(ctx context.Context, credential string) error
	Disconnect(manual bool)
	State() conn.State
	SelfID() string
	Attempt() int
	Rooms() []string
	LastHeartbeatAck() time.Time
}

// CallState reports the current call.
type CallState interface {
	Current() (call.Info, bool)
}

// Resetter forgets per-user state on logout.
type Resetter interface {
	Reset(ctx context.Context) error
}

// SessionService implements heartline.v1.Session.
type SessionService struct {
	profile    string
	startedAt  time.Time
	conn       Connection
	calls      CallState
	opened     func() []string
	reset      Resetter
	credential func() string
	bus        *bus.Bus
	logger     *zap.Logger
}

// NewSessionService creates the session service. credential supplies the
// default credential for Connect requests that carry none.
func NewSessionService(profile string, c Connection, calls CallState, opened func() []string, reset Resetter, credential func() string, b *bus.Bus, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		profile:    profile,
		startedAt:  time.Now(),
		conn:       c,
		calls:      calls,
		opened:     opened,
		reset:      reset,
		credential: credential,
		bus:        b,
		logger:     logger,
	}
}

// Service returns the gRPC service.
func (s *SessionService) Service() rpc.Service {
	return rpc.Service{
		Name: rpc.SessionService,
		Unary: map[string]rpc.Unary{
			"Status":     handle(s.Status),
			"Connect":    handle(s.Connect),
			"Disconnect": handle(s.Disconnect),
			"Logout":     handle(s.Logout),
		},
		Streams: map[string]rpc.ServerStream{
			"Watch": s.Watch,
		},
	}
}

func (s *SessionService) Status(_ context.Context, _ rpc.Empty) (rpc.StatusResponse, error) {
	resp := rpc.StatusResponse{
		Profile:          s.profile,
		State:            string(s.conn.State()),
		UserID:           s.conn.SelfID(),
		Attempt:          s.conn.Attempt(),
		Rooms:            s.conn.Rooms(),
		LastHeartbeatAck: s.conn.LastHeartbeatAck(),
		UptimeMs:         time.Since(s.startedAt).Milliseconds(),
	}
	if s.calls != nil {
		resp.Call, _ = s.calls.Current()
	}
	if s.opened != nil {
		resp.OpenedCount = len(s.opened())
	}
	return resp, nil
}

func (s *SessionService) Connect(ctx context.Context, req rpc.ConnectRequest) (rpc.Empty, error) {
	cred := req.Credential
	if cred == "" && s.credential != nil {
		cred = s.credential()
	}
	if cred == "" {
		return rpc.Empty{}, invalid("no credential configured; pass one or set HEARTLINE_CREDENTIAL")
	}
	return rpc.Empty{}, s.conn.Connect(ctx, cred)
}

func (s *SessionService) Disconnect(_ context.Context, _ rpc.Empty) (rpc.Empty, error) {
	s.conn.Disconnect(true)
	return rpc.Empty{}, nil
}

// Logout disconnects and forgets cached conversations and presence.
func (s *SessionService) Logout(ctx context.Context, _ rpc.Empty) (rpc.Empty, error) {
	s.conn.Disconnect(true)
	if s.reset != nil {
		if err := s.reset.Reset(ctx); err != nil {
			return rpc.Empty{}, err
		}
	}
	s.logger.Info("logged out")
	return rpc.Empty{}, nil
}

// Watch streams bus events until the client goes away.
func (s *SessionService) Watch(ctx context.Context, in *structpb.Struct, send func(*structpb.Struct) error) error {
	var req rpc.WatchRequest
	if err := rpc.Decode(in, &req); err != nil {
		return invalid(err.Error())
	}
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if !matches(evt.Kind, req.Namespaces) {
				continue
			}
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Warn("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			msg, err := rpc.Encode(rpc.Event{
				ID:        evt.ID,
				Kind:      evt.Kind,
				Timestamp: evt.Timestamp,
				Payload:   payload,
			})
			if err != nil {
				s.logger.Warn("event not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := send(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func matches(kind string, namespaces []string) bool {
	if len(namespaces) == 0 {
		return true
	}
	for _, ns := range namespaces {
		if strings.HasPrefix(kind, ns) {
			return true
		}
	}
	return false
}
