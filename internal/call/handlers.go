package call

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/wire"
	"go.uber.org/zap"
)

func (m *Manager) onInvite(data json.RawMessage) {
	inv, err := decode[wire.CallInvite](data)
	if err != nil || inv.ChannelID == "" || inv.From == "" {
		m.log.Warn("malformed call_invite", zap.Error(err))
		return
	}
	self := m.self()
	if inv.To != self {
		m.log.Debug("call_invite for someone else", zap.String("to", inv.To))
		return
	}
	modality, err := model.ParseModality(string(inv.Modality))
	if err != nil {
		modality = model.ModalityVoice
	}

	m.mu.Lock()
	redelivered := m.cur != nil && m.cur.channelID == inv.ChannelID
	if m.duplicateLocked("in/"+inv.ChannelID, time.Now()) || redelivered {
		m.mu.Unlock()
		m.log.Info("duplicate call_invite suppressed", zap.String("channel_id", inv.ChannelID))
		m.bus.Emit(EventDuplicateSuppressed, inv.ChannelID)
		return
	}
	if m.cur != nil {
		m.mu.Unlock()
		m.log.Info("busy, declining call", zap.String("channel_id", inv.ChannelID), zap.String("from", inv.From))
		m.sig.Emit(wire.EventCallResponse, wire.CallResponse{ChannelID: inv.ChannelID, From: self, To: inv.From, Accepted: false})
		m.bus.Emit(EventBusy, inv)
		return
	}
	s := m.newSessionLocked(inv.ChannelID, self, inv.From, model.RoleCallee, modality)
	s.inviteSent = true
	m.transition(s, StateIncoming)
	s.noAnswerTimer = time.AfterFunc(m.opts.NoAnswerAfter, func() { m.noAnswer(s) })
	info := s.info()
	m.mu.Unlock()

	m.log.Info("incoming call", zap.String("channel_id", inv.ChannelID), zap.String("from", inv.From), zap.String("modality", string(modality)))
	m.bus.Emit(EventIncoming, info)
}

// currentLocked returns the session addressed by channelID, or nil for a stale
// event. Caller holds m.mu.
func (m *Manager) currentLocked(channelID, event string) *session {
	s := m.cur
	if s == nil || s.terminated || s.channelID != channelID {
		m.log.Debug("stale call event ignored", zap.String("event", event), zap.String("channel_id", channelID), zap.Error(ErrStale))
		return nil
	}
	return s
}

func (m *Manager) onResponse(data json.RawMessage) {
	resp, err := decode[wire.CallResponse](data)
	if err != nil {
		m.log.Warn("malformed call_response", zap.Error(err))
		return
	}
	m.mu.Lock()
	s := m.currentLocked(resp.ChannelID, wire.EventCallResponse)
	if s == nil {
		m.mu.Unlock()
		return
	}
	if s.role != model.RoleCaller || !s.inviteSent || s.joining || (s.state() != StateCalling && s.state() != StateRinging) {
		m.mu.Unlock()
		m.log.Debug("call_response out of turn", zap.String("channel_id", resp.ChannelID))
		return
	}

	if !resp.Accepted {
		fx := m.terminateLocked(s, model.OutcomeDeclined, "declined")
		m.mu.Unlock()
		m.bus.Emit(EventDeclined, resp)
		m.apply(fx)
		return
	}
	s.joining = true
	s.stopTimers()
	m.mu.Unlock()

	m.log.Info("call accepted", zap.String("channel_id", resp.ChannelID))
	go m.joinMedia(s)
}

func (m *Manager) onCancel(data json.RawMessage) {
	sig, err := decode[wire.CallSignal](data)
	if err != nil {
		m.log.Warn("malformed call_cancel", zap.Error(err))
		return
	}
	m.mu.Lock()
	s := m.currentLocked(sig.ChannelID, wire.EventCallCancel)
	if s == nil {
		m.mu.Unlock()
		return
	}
	outcome := model.OutcomeMissed
	if s.started {
		outcome = model.OutcomeCompleted
	}
	fx := m.terminateLocked(s, outcome, sig.Reason)
	m.mu.Unlock()
	m.apply(fx)
}

func (m *Manager) onEnd(data json.RawMessage) {
	sig, err := decode[wire.CallSignal](data)
	if err != nil {
		m.log.Warn("malformed call_end", zap.Error(err))
		return
	}
	m.mu.Lock()
	s := m.currentLocked(sig.ChannelID, wire.EventCallEnd)
	if s == nil {
		m.mu.Unlock()
		return
	}
	var outcome model.Outcome
	switch {
	case s.started:
		outcome = model.OutcomeCompleted
	case s.role == model.RoleCallee && !s.accepting:
		outcome = model.OutcomeMissed
	default:
		outcome = model.OutcomeFailed
	}
	fx := m.terminateLocked(s, outcome, sig.Reason)
	m.mu.Unlock()
	m.apply(fx)
}

func (m *Manager) onTypeSwitch(data json.RawMessage) {
	sw, err := decode[wire.CallTypeSwitch](data)
	if err != nil {
		m.log.Warn("malformed call_type_switch", zap.Error(err))
		return
	}
	modality, err := model.ParseModality(string(sw.Modality))
	if err != nil {
		m.log.Warn("unknown modality in call_type_switch", zap.String("modality", string(sw.Modality)))
		return
	}
	m.mu.Lock()
	s := m.currentLocked(sw.ChannelID, wire.EventCallTypeSwitch)
	if s == nil {
		m.mu.Unlock()
		return
	}
	s.remoteModality = modality
	info := s.info()
	m.mu.Unlock()
	m.bus.Emit(EventRemoteModalityChanged, info)
}

// OnJoined implements media.Listener.
func (m *Manager) OnJoined(channelID string) {
	m.mu.Lock()
	s := m.currentLocked(channelID, "media_joined")
	if s == nil {
		m.mu.Unlock()
		return
	}
	s.joined = true
	info, started := Info{}, false
	if s.remoteJoined {
		info, started = m.enterTalkingLocked(s)
	}
	m.mu.Unlock()
	if started {
		m.bus.Emit(EventStarted, info)
	}
}

// OnRemoteJoined implements media.Listener.
func (m *Manager) OnRemoteJoined(partyID string) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.terminated || s.remoteID != partyID {
		m.mu.Unlock()
		return
	}
	s.remoteJoined = true
	info, started := Info{}, false
	if s.joined {
		info, started = m.enterTalkingLocked(s)
	}
	m.mu.Unlock()
	if started {
		m.bus.Emit(EventStarted, info)
	}
}

// OnRemoteLeft implements media.Listener. The remote dropping out of the
// media channel ends a running call.
func (m *Manager) OnRemoteLeft(partyID string) {
	m.mu.Lock()
	s := m.cur
	if s == nil || s.terminated || s.remoteID != partyID || !s.started {
		m.mu.Unlock()
		return
	}
	fx := m.terminateLocked(s, model.OutcomeCompleted, "remote_left")
	m.mu.Unlock()
	m.apply(fx)
}
