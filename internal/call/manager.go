// Package call runs the call-signaling state machine over the real-time
// connection: invites, the accept/decline/timeout/cancel races, talking,
// modality switches and termination.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/heartline/internal/backend"
	"github.com/matheus3301/heartline/internal/bus"
	"github.com/matheus3301/heartline/internal/conn"
	"github.com/matheus3301/heartline/internal/media"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/status"
	"github.com/matheus3301/heartline/internal/wire"
	"go.uber.org/zap"
)

// Bus event kinds, besides call.state_changed.
const (
	EventStateChanged          = "call.state_changed"
	EventIncoming              = "call.incoming"
	EventStarted               = "call.started"
	EventDeclined              = "call.declined"
	EventEnded                 = "call.ended"
	EventModalityChanged       = "call.modality_changed"
	EventRemoteModalityChanged = "call.remote_modality_changed"
	EventDuplicateSuppressed   = "call.duplicate_suppressed"
	EventBusy                  = "call.busy"
	EventError                 = "call.error"
)

// End reasons carried in call_end and call_cancel.
const (
	ReasonHangup      = "hangup"
	ReasonCanceled    = "canceled"
	ReasonNoAnswer    = "no_answer"
	ReasonMediaFailed = "media_failed"
	ReasonTokenFailed = "token_failed"
)

const mediaJoinTimeout = 15 * time.Second

// Signaler is the real-time connection as seen by the call engine.
type Signaler interface {
	Emit(event string, payload any) bool
	On(event string, h conn.Handler) func()
}

// TokenSource issues media session tokens.
type TokenSource interface {
	SessionToken(ctx context.Context, req backend.TokenRequest) (string, error)
}

// Recorder receives every finished call.
type Recorder interface {
	CallEnded(s Summary)
}

// Options tunes call timing.
type Options struct {
	RingAfter       time.Duration
	NoAnswerAfter   time.Duration
	DuplicateWindow time.Duration
}

// Manager owns the single current call.
type Manager struct {
	sig      Signaler
	tokens   TokenSource
	media    media.Session
	recorder Recorder
	bus      *bus.Bus
	log      *zap.Logger
	opts     Options
	selfID   func() string

	mu     sync.Mutex
	cur    *session
	seen   map[string]time.Time
	unsubs []func()
}

// NewManager creates an idle manager. Call Register to start receiving
// signaling events.
func NewManager(sig Signaler, tokens TokenSource, ms media.Session, rec Recorder, b *bus.Bus, selfID func() string, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sig:      sig,
		tokens:   tokens,
		media:    ms,
		recorder: rec,
		bus:      b,
		log:      log,
		opts:     opts,
		selfID:   selfID,
		seen:     make(map[string]time.Time),
	}
}

// Register installs the signaling handlers and the media listener.
func (m *Manager) Register() {
	m.media.SetListener(m)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubs = append(m.unsubs,
		m.sig.On(wire.EventCallInvite, m.onInvite),
		m.sig.On(wire.EventCallResponse, m.onResponse),
		m.sig.On(wire.EventCallCancel, m.onCancel),
		m.sig.On(wire.EventCallEnd, m.onEnd),
		m.sig.On(wire.EventCallTypeSwitch, m.onTypeSwitch),
	)
}

// Close ends any current call and removes the handlers.
func (m *Manager) Close() {
	_ = m.End(ReasonHangup)
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	m.media.SetListener(nil)
}

// Current returns the current call, if any.
func (m *Manager) Current() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Info{State: StateIdle}, false
	}
	return m.cur.info(), true
}

// State returns the state of the current call, idle when there is none.
func (m *Manager) State() State {
	info, _ := m.Current()
	return info.State
}

// Initiate starts an outgoing call: it fetches a media token, invites the
// remote party and waits for an answer in the calling state.
func (m *Manager) Initiate(ctx context.Context, remoteID string, modality model.Modality) (Info, error) {
	self := m.self()
	switch {
	case self == "":
		return Info{}, errors.New("call: user id unknown, connect first")
	case remoteID == "" || remoteID == self:
		return Info{}, errors.New("call: invalid remote party")
	}
	if _, err := model.ParseModality(string(modality)); err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return Info{}, ErrBusy
	}
	// Outgoing channel ids are unique per attempt; the guard keys on the pair
	// so a repeated initiate within the window is caught.
	if m.duplicateLocked("out/"+channelBase(self, remoteID), time.Now()) {
		m.mu.Unlock()
		m.bus.Emit(EventDuplicateSuppressed, remoteID)
		return Info{}, ErrDuplicate
	}
	s := m.newSessionLocked(ChannelID(self, remoteID), self, remoteID, model.RoleCaller, modality)
	m.transition(s, StateNegotiating)
	m.mu.Unlock()

	m.log.Info("initiating call", zap.String("channel_id", s.channelID), zap.String("remote_id", remoteID), zap.String("modality", string(modality)))

	token, err := m.tokens.SessionToken(ctx, backend.TokenRequest{ChannelID: s.channelID, PartyID: self, Role: model.RoleCaller})

	m.mu.Lock()
	if m.cur != s || s.terminated {
		m.mu.Unlock()
		return Info{}, ErrStale
	}
	if err != nil {
		fx := m.terminateLocked(s, model.OutcomeFailed, ReasonTokenFailed)
		m.mu.Unlock()
		m.apply(fx)
		return Info{}, &NegotiationError{ChannelID: s.channelID, Err: err}
	}
	s.token = token
	invite := wire.CallInvite{ChannelID: s.channelID, From: self, To: remoteID, Modality: modality}
	m.mu.Unlock()

	if !m.sig.Emit(wire.EventCallInvite, invite) {
		m.mu.Lock()
		fx := m.terminateLocked(s, model.OutcomeFailed, "not_connected")
		m.mu.Unlock()
		m.apply(fx)
		return Info{}, &NegotiationError{ChannelID: s.channelID, Err: conn.ErrNotConnected}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != s || s.terminated {
		return Info{}, ErrStale
	}
	s.inviteSent = true
	m.transition(s, StateCalling)
	s.ringTimer = time.AfterFunc(m.opts.RingAfter, func() { m.escalate(s) })
	s.noAnswerTimer = time.AfterFunc(m.opts.NoAnswerAfter, func() { m.noAnswer(s) })
	return s.info(), nil
}

// Respond answers the incoming call. Accepting fetches a token, tells the
// caller and joins the media session; declining ends the call.
func (m *Manager) Respond(ctx context.Context, accept bool) error {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.role != model.RoleCallee || s.state() != StateIncoming || s.accepting {
		m.mu.Unlock()
		return ErrNoCall
	}
	self := s.localID
	if !accept {
		resp := wire.CallResponse{ChannelID: s.channelID, From: self, To: s.remoteID, Accepted: false}
		fx := m.terminateLocked(s, model.OutcomeDeclined, "declined")
		fx.emits = append([]outgoing{{wire.EventCallResponse, resp}}, fx.emits...)
		m.mu.Unlock()
		m.apply(fx)
		return nil
	}
	s.accepting = true
	s.stopTimers()
	m.mu.Unlock()

	token, err := m.tokens.SessionToken(ctx, backend.TokenRequest{ChannelID: s.channelID, PartyID: self, Role: model.RoleCallee})

	m.mu.Lock()
	if m.cur != s || s.terminated {
		m.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		fx := m.terminateLocked(s, model.OutcomeFailed, ReasonTokenFailed)
		fx.emits = append([]outgoing{{wire.EventCallEnd, wire.CallSignal{ChannelID: s.channelID, From: self, To: s.remoteID, Reason: ReasonTokenFailed}}}, fx.emits...)
		m.mu.Unlock()
		m.apply(fx)
		return &NegotiationError{ChannelID: s.channelID, Err: err}
	}
	s.token = token
	s.joining = true
	resp := wire.CallResponse{ChannelID: s.channelID, From: self, To: s.remoteID, Accepted: true}
	m.mu.Unlock()

	m.sig.Emit(wire.EventCallResponse, resp)
	go m.joinMedia(s)
	return nil
}

// Cancel withdraws an outgoing call before it was answered.
func (m *Manager) Cancel() error {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.role != model.RoleCaller || !s.state().preAnswer() || s.joining {
		m.mu.Unlock()
		return ErrNoCall
	}
	fx := m.terminateLocked(s, model.OutcomeCanceled, ReasonCanceled)
	if s.inviteSent {
		fx.emits = append([]outgoing{{wire.EventCallCancel, wire.CallSignal{ChannelID: s.channelID, From: s.localID, To: s.remoteID, Reason: ReasonCanceled}}}, fx.emits...)
	}
	m.mu.Unlock()
	m.apply(fx)
	return nil
}

// End hangs up whatever call is current. Before an answer it cancels or
// declines; while talking it completes the call. It is a no-op without a
// call.
func (m *Manager) End(reason string) error {
	if reason == "" {
		reason = ReasonHangup
	}
	m.mu.Lock()
	s := m.cur
	if s == nil || s.terminated {
		m.mu.Unlock()
		return nil
	}
	var (
		outcome model.Outcome
		signal  outgoing
	)
	sig := wire.CallSignal{ChannelID: s.channelID, From: s.localID, To: s.remoteID, Reason: reason}
	switch {
	case s.started:
		outcome = model.OutcomeCompleted
		signal = outgoing{wire.EventCallEnd, sig}
	case s.role == model.RoleCallee && !s.accepting:
		outcome = model.OutcomeDeclined
		signal = outgoing{wire.EventCallResponse, wire.CallResponse{ChannelID: s.channelID, From: s.localID, To: s.remoteID}}
	case s.role == model.RoleCaller && !s.joining:
		outcome = model.OutcomeCanceled
		signal = outgoing{wire.EventCallCancel, sig}
	default:
		outcome = model.OutcomeCanceled
		signal = outgoing{wire.EventCallEnd, sig}
	}
	fx := m.terminateLocked(s, outcome, reason)
	if s.inviteSent || s.role == model.RoleCallee {
		fx.emits = append([]outgoing{signal}, fx.emits...)
	}
	m.mu.Unlock()
	m.apply(fx)
	return nil
}

// SwitchModality changes the local modality mid-call and informs the remote
// party. Only valid while talking.
func (m *Manager) SwitchModality(modality model.Modality) error {
	if _, err := model.ParseModality(string(modality)); err != nil {
		return err
	}
	m.mu.Lock()
	s := m.cur
	if s == nil || s.state() != StateTalking {
		m.mu.Unlock()
		return ErrNoCall
	}
	if s.modality == modality {
		m.mu.Unlock()
		return nil
	}
	s.modality = modality
	sw := wire.CallTypeSwitch{ChannelID: s.channelID, From: s.localID, To: s.remoteID, Modality: modality}
	info := s.info()
	m.mu.Unlock()

	if err := m.media.MuteVideo(modality == model.ModalityVoice); err != nil {
		m.log.Warn("toggle video", zap.Error(err))
	}
	m.sig.Emit(wire.EventCallTypeSwitch, sw)
	m.bus.Emit(EventModalityChanged, info)
	return nil
}

// MuteAudio mutes or unmutes the microphone during a call.
func (m *Manager) MuteAudio(muted bool) error {
	if m.State() != StateTalking {
		return ErrNoCall
	}
	return m.media.MuteAudio(muted)
}

// SwitchCamera flips between front and back cameras during a video call.
func (m *Manager) SwitchCamera() error {
	info, ok := m.Current()
	if !ok || info.State != StateTalking || info.Modality != model.ModalityVideo {
		return ErrNoCall
	}
	return m.media.SwitchCamera()
}

func (m *Manager) self() string {
	if m.selfID == nil {
		return ""
	}
	return m.selfID()
}

func (m *Manager) newSessionLocked(channelID, localID, remoteID string, role model.Role, modality model.Modality) *session {
	s := &session{
		machine:        status.NewMachine(StateIdle, transitions, m.bus, EventStateChanged).WithScope(channelID),
		channelID:      channelID,
		localID:        localID,
		remoteID:       remoteID,
		role:           role,
		modality:       modality,
		remoteModality: modality,
		createdAt:      time.Now(),
	}
	m.cur = s
	return s
}

// duplicateLocked records key and reports whether it was already seen
// within the duplicate window. Caller holds m.mu.
func (m *Manager) duplicateLocked(key string, now time.Time) bool {
	for k, t := range m.seen {
		if now.Sub(t) > m.opts.DuplicateWindow {
			delete(m.seen, k)
		}
	}
	if _, ok := m.seen[key]; ok {
		return true
	}
	m.seen[key] = now
	return false
}

func (m *Manager) transition(s *session, to State) {
	if err := s.machine.Transition(to); err != nil {
		m.log.Debug("call transition skipped", zap.String("channel_id", s.channelID), zap.Error(err))
	}
}

// outgoing is a signaling frame to send once the lock is released.
type outgoing struct {
	event   string
	payload any
}

// effects are the side effects of a state change, applied outside m.mu.
type effects struct {
	emits   []outgoing
	leave   bool
	summary *Summary
	session *session
}

// terminateLocked ends s with outcome. It runs at most once per session.
// Caller holds m.mu and must apply the returned effects after unlocking.
func (m *Manager) terminateLocked(s *session, outcome model.Outcome, reason string) effects {
	if s.terminated {
		return effects{}
	}
	s.terminated = true
	s.stopTimers()

	now := time.Now()
	sum := Summary{
		ChannelID: s.channelID,
		LocalID:   s.localID,
		RemoteID:  s.remoteID,
		Role:      s.role,
		Modality:  s.modality,
		Outcome:   outcome,
		Reason:    reason,
		StartedAt: s.startedAt,
		EndedAt:   now,
	}
	if s.started {
		sum.Duration = now.Sub(s.startedAt)
	}
	m.transition(s, StateEnded)
	if m.cur == s {
		m.cur = nil
	}
	// A failed or declined attempt can be retried right away.
	if s.role == model.RoleCaller && (outcome == model.OutcomeFailed || outcome == model.OutcomeDeclined) {
		delete(m.seen, "out/"+channelBase(s.localID, s.remoteID))
	}
	return effects{leave: s.joining || s.joined, summary: &sum, session: s}
}

func (m *Manager) apply(fx effects) {
	for _, o := range fx.emits {
		if !m.sig.Emit(o.event, o.payload) {
			m.log.Debug("signal not sent", zap.String("event", o.event))
		}
	}
	if fx.leave {
		if err := m.media.Leave(); err != nil {
			m.log.Warn("leave media session", zap.Error(err))
		}
	}
	if fx.summary == nil {
		return
	}
	sum := *fx.summary
	m.transition(fx.session, StateIdle)
	m.log.Info("call ended",
		zap.String("channel_id", sum.ChannelID),
		zap.String("outcome", string(sum.Outcome)),
		zap.String("reason", sum.Reason),
		zap.Duration("duration", sum.Duration),
	)
	m.bus.Emit(EventEnded, sum)
	if m.recorder != nil {
		m.recorder.CallEnded(sum)
	}
}

// escalate moves an unanswered outgoing call from calling to ringing.
func (m *Manager) escalate(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == s && !s.terminated && s.state() == StateCalling {
		m.transition(s, StateRinging)
	}
}

// noAnswer ends a call nobody picked up.
func (m *Manager) noAnswer(s *session) {
	m.mu.Lock()
	if m.cur != s || s.terminated || !s.state().preAnswer() || s.accepting || s.joining {
		m.mu.Unlock()
		return
	}
	fx := m.terminateLocked(s, model.OutcomeMissed, ReasonNoAnswer)
	if s.role == model.RoleCaller {
		fx.emits = append(fx.emits, outgoing{wire.EventCallCancel, wire.CallSignal{ChannelID: s.channelID, From: s.localID, To: s.remoteID, Reason: ReasonNoAnswer}})
	}
	m.mu.Unlock()
	m.log.Info("call not answered", zap.String("channel_id", s.channelID))
	m.apply(fx)
}

func (m *Manager) joinMedia(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), mediaJoinTimeout)
	defer cancel()

	m.mu.Lock()
	opts := media.JoinOptions{ChannelID: s.channelID, PartyID: s.localID, Token: s.token, Video: s.modality == model.ModalityVideo}
	m.mu.Unlock()

	err := m.media.Join(ctx, opts)

	m.mu.Lock()
	if m.cur != s || s.terminated {
		m.mu.Unlock()
		if err == nil {
			// The call ended while joining.
			_ = m.media.Leave()
		}
		return
	}
	if err != nil {
		fx := m.terminateLocked(s, model.OutcomeFailed, ReasonMediaFailed)
		fx.leave = true
		fx.emits = append(fx.emits, outgoing{wire.EventCallEnd, wire.CallSignal{ChannelID: s.channelID, From: s.localID, To: s.remoteID, Reason: ReasonMediaFailed}})
		m.mu.Unlock()
		m.log.Error("media join failed", zap.String("channel_id", s.channelID), zap.Error(err))
		m.bus.Emit(EventError, err.Error())
		m.apply(fx)
		return
	}
	s.joined = true
	info, started := m.enterTalkingLocked(s)
	m.mu.Unlock()
	if started {
		m.bus.Emit(EventStarted, info)
	}
}

// enterTalkingLocked moves s to talking once; it reports whether this call
// did it. Caller holds m.mu.
func (m *Manager) enterTalkingLocked(s *session) (Info, bool) {
	if s.started || s.terminated {
		return Info{}, false
	}
	s.started = true
	s.startedAt = time.Now()
	s.stopTimers()
	m.transition(s, StateTalking)
	m.log.Info("call started", zap.String("channel_id", s.channelID))
	return s.info(), true
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
