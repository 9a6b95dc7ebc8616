package api

import (
	"context"
	"strings"

	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/rpc"
)

// Calls is the call manager as seen by the API.
type Calls interface {
	Current() (call.Info, bool)
	Initiate(ctx context.Context, remoteID string, modality model.Modality) (call.Info, error)
	Respond(ctx context.Context, accept bool) error
	Cancel() error
	End(reason string) error
	SwitchModality(modality model.Modality) error
	MuteAudio(muted bool) error
	SwitchCamera() error
}

// CallService implements heartline.v1.Calls.
type CallService struct {
	calls Calls
}

// NewCallService creates the calls service.
func NewCallService(calls Calls) *CallService {
	return &CallService{calls: calls}
}

// Service returns the gRPC service.
func (s *CallService) Service() rpc.Service {
	return rpc.Service{
		Name: rpc.CallsService,
		Unary: map[string]rpc.Unary{
			"Get":            handle(s.Get),
			"Start":          handle(s.Start),
			"Respond":        handle(s.Respond),
			"Cancel":         handle(s.Cancel),
			"End":            handle(s.End),
			"SwitchModality": handle(s.SwitchModality),
			"Mute":           handle(s.Mute),
			"SwitchCamera":   handle(s.SwitchCamera),
		},
	}
}

func (s *CallService) Get(_ context.Context, _ rpc.Empty) (rpc.CallResponse, error) {
	return s.current(), nil
}

func (s *CallService) Start(ctx context.Context, req rpc.StartCallRequest) (rpc.CallResponse, error) {
	remote := strings.TrimSpace(req.RemoteID)
	if remote == "" {
		return rpc.CallResponse{}, invalid("remote_id is required")
	}
	modality := req.Modality
	if modality == "" {
		modality = model.ModalityVoice
	}
	if _, err := model.ParseModality(string(modality)); err != nil {
		return rpc.CallResponse{}, invalid(err.Error())
	}
	info, err := s.calls.Initiate(ctx, remote, modality)
	if err != nil {
		return rpc.CallResponse{}, err
	}
	return rpc.CallResponse{Active: true, Call: info}, nil
}

func (s *CallService) Respond(ctx context.Context, req rpc.RespondRequest) (rpc.CallResponse, error) {
	if err := s.calls.Respond(ctx, req.Accept); err != nil {
		return rpc.CallResponse{}, err
	}
	return s.current(), nil
}

func (s *CallService) Cancel(_ context.Context, _ rpc.Empty) (rpc.CallResponse, error) {
	if err := s.calls.Cancel(); err != nil {
		return rpc.CallResponse{}, err
	}
	return s.current(), nil
}

func (s *CallService) End(_ context.Context, req rpc.EndCallRequest) (rpc.CallResponse, error) {
	reason := req.Reason
	if reason == "" {
		reason = call.ReasonHangup
	}
	if err := s.calls.End(reason); err != nil {
		return rpc.CallResponse{}, err
	}
	return s.current(), nil
}

func (s *CallService) SwitchModality(_ context.Context, req rpc.SwitchModalityRequest) (rpc.CallResponse, error) {
	if _, err := model.ParseModality(string(req.Modality)); err != nil {
		return rpc.CallResponse{}, invalid(err.Error())
	}
	if err := s.calls.SwitchModality(req.Modality); err != nil {
		return rpc.CallResponse{}, err
	}
	return s.current(), nil
}

func (s *CallService) Mute(_ context.Context, req rpc.MuteRequest) (rpc.CallResponse, error) {
	if err := s.calls.MuteAudio(req.Muted); err != nil {
		return rpc.CallResponse{}, err
	}
	return s.current(), nil
}

func (s *CallService) SwitchCamera(_ context.Context, _ rpc.Empty) (rpc.CallResponse, error) {
	if err := s.calls.SwitchCamera(); err != nil {
		return rpc.CallResponse{}, err
	}
	return s.current(), nil
}

func (s *CallService) current() rpc.CallResponse {
	info, ok := s.calls.Current()
	return rpc.CallResponse{Active: ok, Call: info}
}
