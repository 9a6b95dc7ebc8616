package media

import (
	"context"
	"errors"
	"sync"
)

// ErrNotJoined is returned by controls used outside a channel.
var ErrNotJoined = errors.New("media: not in a channel")

// Loopback is a Session with no real engine behind it. Join succeeds at once
// and reports the remote party present right after, which is enough to drive
// the call state machine end to end without audio or video.
type Loopback struct {
	// RemoteID, when set, is reported through OnRemoteJoined after a join.
	RemoteID func(channelID string) string

	mu         sync.Mutex
	listener   Listener
	channel    string
	audioMuted bool
	videoMuted bool
	frontCam   bool
}

// NewLoopback creates a loopback session.
func NewLoopback() *Loopback {
	return &Loopback{frontCam: true}
}

func (l *Loopback) SetListener(ln Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = ln
}

func (l *Loopback) Join(ctx context.Context, opts JoinOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opts.Token == "" {
		return errors.New("media: join without token")
	}
	l.mu.Lock()
	l.channel = opts.ChannelID
	l.videoMuted = !opts.Video
	ln := l.listener
	remote := ""
	if l.RemoteID != nil {
		remote = l.RemoteID(opts.ChannelID)
	}
	l.mu.Unlock()

	if ln != nil {
		ln.OnJoined(opts.ChannelID)
		if remote != "" {
			ln.OnRemoteJoined(remote)
		}
	}
	return nil
}

func (l *Loopback) Leave() error {
	l.mu.Lock()
	l.channel = ""
	l.mu.Unlock()
	return nil
}

func (l *Loopback) MuteAudio(muted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.channel == "" {
		return ErrNotJoined
	}
	l.audioMuted = muted
	return nil
}

func (l *Loopback) MuteVideo(muted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.channel == "" {
		return ErrNotJoined
	}
	l.videoMuted = muted
	return nil
}

func (l *Loopback) SwitchCamera() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.channel == "" {
		return ErrNotJoined
	}
	l.frontCam = !l.frontCam
	return nil
}

// Snapshot is the loopback's local control state.
type Snapshot struct {
	Channel     string
	AudioMuted  bool
	VideoMuted  bool
	FrontCamera bool
}

// Snapshot returns the current control state.
func (l *Loopback) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{Channel: l.channel, AudioMuted: l.audioMuted, VideoMuted: l.videoMuted, FrontCamera: l.frontCam}
}
