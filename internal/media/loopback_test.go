package media

import (
	"context"
	"errors"
	"testing"
)

type recordingListener struct {
	events []string
}

func (r *recordingListener) OnJoined(ch string)      { r.events = append(r.events, "joined:"+ch) }
func (r *recordingListener) OnRemoteJoined(p string) { r.events = append(r.events, "remote:"+p) }
func (r *recordingListener) OnRemoteLeft(p string)   { r.events = append(r.events, "left:"+p) }

func TestLoopbackJoinReportsRemote(t *testing.T) {
	l := NewLoopback()
	l.RemoteID = func(string) string { return "bob" }
	rec := &recordingListener{}
	l.SetListener(rec)

	if err := l.Join(context.Background(), JoinOptions{ChannelID: "a_b-1", PartyID: "alice", Token: "t", Video: true}); err != nil {
		t.Fatal(err)
	}
	if len(rec.events) != 2 || rec.events[0] != "joined:a_b-1" || rec.events[1] != "remote:bob" {
		t.Errorf("events = %v", rec.events)
	}
	if s := l.Snapshot(); s.Channel != "a_b-1" || s.VideoMuted {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestLoopbackControls(t *testing.T) {
	l := NewLoopback()
	if err := l.MuteVideo(true); !errors.Is(err, ErrNotJoined) {
		t.Errorf("MuteVideo before join = %v", err)
	}
	if err := l.Join(context.Background(), JoinOptions{ChannelID: "c", Token: "t"}); err != nil {
		t.Fatal(err)
	}
	if !l.Snapshot().VideoMuted {
		t.Error("voice join should start with video muted")
	}
	_ = l.MuteVideo(false)
	_ = l.MuteAudio(true)
	_ = l.SwitchCamera()
	s := l.Snapshot()
	if s.VideoMuted || !s.AudioMuted || s.FrontCamera {
		t.Errorf("snapshot = %+v", s)
	}
	_ = l.Leave()
	if err := l.SwitchCamera(); !errors.Is(err, ErrNotJoined) {
		t.Errorf("SwitchCamera after leave = %v", err)
	}
}

func TestLoopbackRequiresToken(t *testing.T) {
	if err := NewLoopback().Join(context.Background(), JoinOptions{ChannelID: "c"}); err == nil {
		t.Error("join without token should fail")
	}
}
