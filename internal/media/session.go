// Package media abstracts the audio/video engine a call runs on.
package media

import "context"

// JoinOptions identifies the channel and party joining it.
type JoinOptions struct {
	ChannelID string
	PartyID   string
	Token     string
	Video     bool
}

// Listener receives engine callbacks. Callbacks may arrive on any goroutine.
type Listener interface {
	OnJoined(channelID string)
	OnRemoteJoined(partyID string)
	OnRemoteLeft(partyID string)
}

// Session is a media engine connection. Join returns once the join request
// was accepted; OnJoined reports when the local party is actually in.
type Session interface {
	Join(ctx context.Context, opts JoinOptions) error
	Leave() error
	MuteAudio(muted bool) error
	MuteVideo(muted bool) error
	SwitchCamera() error
	SetListener(l Listener)
}
