package api

import (
	"context"
	"strings"

	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/rpc"
	"github.com/matheus3301/heartline/internal/timeline"
)

// Timeline is the message store as seen by the API.
type Timeline interface {
	Open(ctx context.Context, conversationID string) ([]model.Message, error)
	Close(conversationID string)
	OpenConversations() []string
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendText(ctx context.Context, conversationID, body string) (*timeline.Pending, error)
	SendMedia(ctx context.Context, conversationID, mediaRef string, kind model.Kind) (*timeline.Pending, error)
	MarkConversationRead(ctx context.Context, conversationID string) (int, error)
}

// Conversations creates one-to-one conversations on the backend.
type Conversations interface {
	CreateConversation(ctx context.Context, userA, userB string) (string, error)
}

// Typing publishes the local typing indicator.
type Typing interface {
	SetTyping(conversationID string, typing bool) bool
}

// MessageService implements heartline.v1.Messages.
type MessageService struct {
	timeline Timeline
	convs    Conversations
	typing   Typing
	selfID   func() string
}

// NewMessageService creates the messages service.
func NewMessageService(tl Timeline, convs Conversations, typing Typing, selfID func() string) *MessageService {
	return &MessageService{timeline: tl, convs: convs, typing: typing, selfID: selfID}
}

// Service returns the gRPC service.
func (s *MessageService) Service() rpc.Service {
	return rpc.Service{
		Name: rpc.MessagesService,
		Unary: map[string]rpc.Unary{
			"Open":          handle(s.Open),
			"Close":         handle(s.Close),
			"List":          handle(s.List),
			"Conversations": handle(s.Conversations),
			"Create":        handle(s.Create),
			"SendText":      handle(s.SendText),
			"SendMedia":     handle(s.SendMedia),
			"MarkRead":      handle(s.MarkRead),
			"SetTyping":     handle(s.SetTyping),
		},
	}
}

func (s *MessageService) Open(ctx context.Context, req rpc.ConversationRequest) (rpc.MessagesResponse, error) {
	if req.ConversationID == "" {
		return rpc.MessagesResponse{}, invalid("conversation_id is required")
	}
	msgs, err := s.timeline.Open(ctx, req.ConversationID)
	if err != nil {
		return rpc.MessagesResponse{}, err
	}
	return rpc.MessagesResponse{ConversationID: req.ConversationID, Messages: msgs}, nil
}

func (s *MessageService) Close(_ context.Context, req rpc.ConversationRequest) (rpc.Empty, error) {
	if req.ConversationID == "" {
		return rpc.Empty{}, invalid("conversation_id is required")
	}
	s.timeline.Close(req.ConversationID)
	return rpc.Empty{}, nil
}

func (s *MessageService) List(ctx context.Context, req rpc.ConversationRequest) (rpc.MessagesResponse, error) {
	if req.ConversationID == "" {
		return rpc.MessagesResponse{}, invalid("conversation_id is required")
	}
	msgs, err := s.timeline.Messages(ctx, req.ConversationID)
	if err != nil {
		return rpc.MessagesResponse{}, err
	}
	return rpc.MessagesResponse{ConversationID: req.ConversationID, Messages: msgs}, nil
}

func (s *MessageService) Conversations(_ context.Context, _ rpc.Empty) (rpc.ConversationsResponse, error) {
	return rpc.ConversationsResponse{ConversationIDs: s.timeline.OpenConversations()}, nil
}

// Create returns the conversation between the local user and a peer,
// creating it on the backend if needed.
func (s *MessageService) Create(ctx context.Context, req rpc.CreateConversationRequest) (rpc.ConversationRequest, error) {
	peer := strings.TrimSpace(req.PeerID)
	if peer == "" {
		return rpc.ConversationRequest{}, invalid("peer_id is required")
	}
	self := s.selfID()
	if self == "" {
		return rpc.ConversationRequest{}, timeline.ErrNoIdentity
	}
	if peer == self {
		return rpc.ConversationRequest{}, invalid("cannot start a conversation with yourself")
	}
	id, err := s.convs.CreateConversation(ctx, self, peer)
	if err != nil {
		return rpc.ConversationRequest{}, err
	}
	return rpc.ConversationRequest{ConversationID: id}, nil
}

func (s *MessageService) SendText(ctx context.Context, req rpc.SendTextRequest) (rpc.SendResponse, error) {
	p, err := s.timeline.SendText(ctx, req.ConversationID, req.Body)
	if err != nil {
		return rpc.SendResponse{}, err
	}
	return s.result(ctx, p, req.Wait)
}

func (s *MessageService) SendMedia(ctx context.Context, req rpc.SendMediaRequest) (rpc.SendResponse, error) {
	p, err := s.timeline.SendMedia(ctx, req.ConversationID, req.MediaRef, req.Kind)
	if err != nil {
		return rpc.SendResponse{}, err
	}
	return s.result(ctx, p, req.Wait)
}

func (s *MessageService) result(ctx context.Context, p *timeline.Pending, wait bool) (rpc.SendResponse, error) {
	if !wait {
		return rpc.SendResponse{Message: p.Message}, nil
	}
	msg, err := p.Wait(ctx)
	if err != nil {
		return rpc.SendResponse{}, err
	}
	return rpc.SendResponse{Message: msg}, nil
}

func (s *MessageService) MarkRead(ctx context.Context, req rpc.ConversationRequest) (rpc.MarkReadResponse, error) {
	if req.ConversationID == "" {
		return rpc.MarkReadResponse{}, invalid("conversation_id is required")
	}
	n, err := s.timeline.MarkConversationRead(ctx, req.ConversationID)
	if err != nil {
		return rpc.MarkReadResponse{}, err
	}
	return rpc.MarkReadResponse{Marked: n}, nil
}

func (s *MessageService) SetTyping(_ context.Context, req rpc.SetTypingRequest) (rpc.SentResponse, error) {
	if req.ConversationID == "" {
		return rpc.SentResponse{}, invalid("conversation_id is required")
	}
	return rpc.SentResponse{Sent: s.typing.SetTyping(req.ConversationID, req.Typing)}, nil
}
