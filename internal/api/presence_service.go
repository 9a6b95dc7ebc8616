package api

import (
	"context"

	"github.com/matheus3301/heartline/internal/presence"
	"github.com/matheus3301/heartline/internal/rpc"
)

// Presence reports who is online and typing.
type Presence interface {
	Snapshot() presence.Snapshot
}

// PresenceService implements heartline.v1.Presence.
type PresenceService struct {
	tracker Presence
}

func NewPresenceService(tracker Presence) *PresenceService {
	return &PresenceService{tracker: tracker}
}

// Service returns the gRPC service.
func (s *PresenceService) Service() rpc.Service {
	return rpc.Service{
		Name: rpc.PresenceService,
		Unary: map[string]rpc.Unary{
			"Get": handle(s.Get),
		},
	}
}

func (s *PresenceService) Get(_ context.Context, _ rpc.Empty) (rpc.PresenceResponse, error) {
	return rpc.PresenceResponse{Snapshot: s.tracker.Snapshot()}, nil
}
