package model

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	domain "github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/presence"
	"github.com/matheus3301/heartline/internal/rpc"
)

// Caller performs one request against the daemon.
type Caller interface {
	Call(ctx context.Context, service, method string, in, out any) error
}

// Refresh tells the UI which parts of the model an event invalidated.
type Refresh uint8

const (
	RefreshStatus Refresh = 1 << iota
	RefreshConversations
	RefreshMessages
	RefreshCall
	RefreshPresence
)

// Has reports whether r includes part.
func (r Refresh) Has(part Refresh) bool { return r&part != 0 }

// ViewModel caches daemon state for the views.
type ViewModel struct {
	mu sync.RWMutex

	client        Caller
	status        rpc.StatusResponse
	conversations []string
	active        string
	messages      []domain.Message
	call          rpc.CallResponse
	presence      presence.Snapshot

	Flash Flash
}

// NewViewModel creates a new view model connected to the daemon client.
func NewViewModel(c Caller) *ViewModel {
	return &ViewModel{client: c}
}

// Classify maps a daemon event onto the parts of the model it affects.
func (vm *ViewModel) Classify(evt rpc.Event) Refresh {
	ns, _, _ := strings.Cut(evt.Kind, ".")
	switch ns {
	case "conn":
		return RefreshStatus
	case "call":
		return RefreshCall | RefreshStatus
	case "presence":
		return RefreshPresence
	case "message":
		var p struct{ ConversationID string }
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return 0
		}
		r := RefreshConversations
		if p.ConversationID != "" && p.ConversationID == vm.Active() {
			r |= RefreshMessages
		}
		return r
	}
	return 0
}

// Load refreshes the parts named by r.
func (vm *ViewModel) Load(ctx context.Context, r Refresh) error {
	if r.Has(RefreshStatus) {
		if err := vm.LoadStatus(ctx); err != nil {
			return err
		}
	}
	if r.Has(RefreshConversations) {
		if err := vm.LoadConversations(ctx); err != nil {
			return err
		}
	}
	if r.Has(RefreshMessages) {
		if err := vm.LoadMessages(ctx); err != nil {
			return err
		}
	}
	if r.Has(RefreshCall) {
		if err := vm.LoadCall(ctx); err != nil {
			return err
		}
	}
	if r.Has(RefreshPresence) {
		if err := vm.LoadPresence(ctx); err != nil {
			return err
		}
	}
	return nil
}

// LoadStatus fetches the daemon status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	var out rpc.StatusResponse
	if err := vm.client.Call(ctx, rpc.SessionService, "Status", rpc.Empty{}, &out); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = out
	vm.mu.Unlock()
	return nil
}

// LoadConversations fetches the open conversations.
func (vm *ViewModel) LoadConversations(ctx context.Context) error {
	var out rpc.ConversationsResponse
	if err := vm.client.Call(ctx, rpc.MessagesService, "Conversations", rpc.Empty{}, &out); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = out.ConversationIDs
	vm.mu.Unlock()
	return nil
}

// LoadMessages re-reads the active conversation's timeline.
func (vm *ViewModel) LoadMessages(ctx context.Context) error {
	conv := vm.Active()
	if conv == "" {
		return nil
	}
	var out rpc.MessagesResponse
	if err := vm.client.Call(ctx, rpc.MessagesService, "List", rpc.ConversationRequest{ConversationID: conv}, &out); err != nil {
		return err
	}
	vm.mu.Lock()
	if vm.active == conv {
		vm.messages = out.Messages
	}
	vm.mu.Unlock()
	return nil
}

// LoadCall fetches the current call.
func (vm *ViewModel) LoadCall(ctx context.Context) error {
	var out rpc.CallResponse
	if err := vm.client.Call(ctx, rpc.CallsService, "Get", rpc.Empty{}, &out); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.call = out
	vm.mu.Unlock()
	return nil
}

// LoadPresence fetches who is online and typing.
func (vm *ViewModel) LoadPresence(ctx context.Context) error {
	var out rpc.PresenceResponse
	if err := vm.client.Call(ctx, rpc.PresenceService, "Get", rpc.Empty{}, &out); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.presence = out.Snapshot
	vm.mu.Unlock()
	return nil
}

// Open opens a conversation and makes it the active one.
func (vm *ViewModel) Open(ctx context.Context, conv string) error {
	var out rpc.MessagesResponse
	if err := vm.client.Call(ctx, rpc.MessagesService, "Open", rpc.ConversationRequest{ConversationID: conv}, &out); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.active = conv
	vm.messages = out.Messages
	vm.mu.Unlock()
	return vm.LoadConversations(ctx)
}

// Leave closes the active conversation.
func (vm *ViewModel) Leave(ctx context.Context) error {
	vm.mu.Lock()
	conv := vm.active
	vm.active = ""
	vm.messages = nil
	vm.mu.Unlock()
	if conv == "" {
		return nil
	}
	return vm.client.Call(ctx, rpc.MessagesService, "Close", rpc.ConversationRequest{ConversationID: conv}, &rpc.Empty{})
}

// Start gets or creates the conversation with peer and opens it.
func (vm *ViewModel) Start(ctx context.Context, peer string) error {
	var out rpc.ConversationRequest
	if err := vm.client.Call(ctx, rpc.MessagesService, "Create", rpc.CreateConversationRequest{PeerID: peer}, &out); err != nil {
		return err
	}
	return vm.Open(ctx, out.ConversationID)
}

// SendText sends text to the active conversation.
func (vm *ViewModel) SendText(ctx context.Context, text string) error {
	conv := vm.Active()
	if conv == "" {
		return nil
	}
	var out rpc.SendResponse
	return vm.client.Call(ctx, rpc.MessagesService, "SendText", rpc.SendTextRequest{ConversationID: conv, Body: text}, &out)
}

// SendMedia sends an image or audio clip to the active conversation.
func (vm *ViewModel) SendMedia(ctx context.Context, ref string, kind domain.Kind) error {
	conv := vm.Active()
	if conv == "" {
		return nil
	}
	var out rpc.SendResponse
	return vm.client.Call(ctx, rpc.MessagesService, "SendMedia", rpc.SendMediaRequest{ConversationID: conv, MediaRef: ref, Kind: kind}, &out)
}

// SetTyping publishes the typing indicator for the active conversation.
func (vm *ViewModel) SetTyping(ctx context.Context, typing bool) error {
	conv := vm.Active()
	if conv == "" {
		return nil
	}
	var out rpc.SentResponse
	return vm.client.Call(ctx, rpc.MessagesService, "SetTyping", rpc.SetTypingRequest{ConversationID: conv, Typing: typing}, &out)
}

// MarkRead marks the active conversation read.
func (vm *ViewModel) MarkRead(ctx context.Context) (int, error) {
	conv := vm.Active()
	if conv == "" {
		return 0, nil
	}
	var out rpc.MarkReadResponse
	err := vm.client.Call(ctx, rpc.MessagesService, "MarkRead", rpc.ConversationRequest{ConversationID: conv}, &out)
	return out.Marked, err
}

// Connect asks the daemon to connect, with the configured credential when
// credential is empty.
func (vm *ViewModel) Connect(ctx context.Context, credential string) error {
	return vm.client.Call(ctx, rpc.SessionService, "Connect", rpc.ConnectRequest{Credential: credential}, &rpc.Empty{})
}

// Disconnect closes the daemon's connection.
func (vm *ViewModel) Disconnect(ctx context.Context) error {
	return vm.client.Call(ctx, rpc.SessionService, "Disconnect", rpc.Empty{}, &rpc.Empty{})
}

// Logout disconnects and drops every cached conversation.
func (vm *ViewModel) Logout(ctx context.Context) error {
	if err := vm.client.Call(ctx, rpc.SessionService, "Logout", rpc.Empty{}, &rpc.Empty{}); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.active = ""
	vm.messages = nil
	vm.conversations = nil
	vm.mu.Unlock()
	return nil
}

// CallPeer places a call.
func (vm *ViewModel) CallPeer(ctx context.Context, peer string, video bool) error {
	modality := domain.ModalityVoice
	if video {
		modality = domain.ModalityVideo
	}
	return vm.callControl(ctx, "Start", rpc.StartCallRequest{RemoteID: peer, Modality: modality})
}

// Respond answers or declines the incoming call.
func (vm *ViewModel) Respond(ctx context.Context, accept bool) error {
	return vm.callControl(ctx, "Respond", rpc.RespondRequest{Accept: accept})
}

// HangUp cancels an unanswered outgoing call or ends the current one.
func (vm *ViewModel) HangUp(ctx context.Context) error {
	info := vm.Call()
	if info.Active && info.Call.Role == domain.RoleCaller && info.Call.StartedAt.IsZero() {
		return vm.callControl(ctx, "Cancel", rpc.Empty{})
	}
	return vm.callControl(ctx, "End", rpc.EndCallRequest{})
}

// ToggleVideo switches the call between voice and video.
func (vm *ViewModel) ToggleVideo(ctx context.Context) error {
	next := domain.ModalityVideo
	if vm.Call().Call.Modality == domain.ModalityVideo {
		next = domain.ModalityVoice
	}
	return vm.callControl(ctx, "SwitchModality", rpc.SwitchModalityRequest{Modality: next})
}

// Mute mutes or unmutes the microphone.
func (vm *ViewModel) Mute(ctx context.Context, muted bool) error {
	return vm.callControl(ctx, "Mute", rpc.MuteRequest{Muted: muted})
}

func (vm *ViewModel) callControl(ctx context.Context, method string, in any) error {
	var out rpc.CallResponse
	if err := vm.client.Call(ctx, rpc.CallsService, method, in, &out); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.call = out
	vm.mu.Unlock()
	return nil
}

// Status returns a snapshot of the daemon status.
func (vm *ViewModel) Status() rpc.StatusResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Conversations returns the open conversation ids.
func (vm *ViewModel) Conversations() []string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversations
}

// Active returns the active conversation id.
func (vm *ViewModel) Active() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.active
}

// Messages returns the active conversation's timeline.
func (vm *ViewModel) Messages() []domain.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.messages
}

// Call returns the current call.
func (vm *ViewModel) Call() rpc.CallResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.call
}

// Presence returns the presence snapshot.
func (vm *ViewModel) Presence() presence.Snapshot {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.presence
}

// TypingInActive lists the peers typing in the active conversation.
func (vm *ViewModel) TypingInActive() []string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.active == "" {
		return nil
	}
	return vm.presence.Typing[vm.active]
}

// CallDuration returns how long the current call has been talking.
func (vm *ViewModel) CallDuration(now time.Time) time.Duration {
	c := vm.Call()
	if !c.Active || c.Call.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(c.Call.StartedAt)
}
