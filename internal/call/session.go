package call

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/status"
)

// ChannelID builds the channel for a call between a and b: the sorted party
// ids joined, plus a suffix unique to this call.
func ChannelID(a, b string) string {
	return channelBase(a, b) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func channelBase(a, b string) string {
	ids := []string{a, b}
	slices.Sort(ids)
	return strings.Join(ids, "_")
}

// Info is a snapshot of the current call.
type Info struct {
	ChannelID      string
	LocalID        string
	RemoteID       string
	Role           model.Role
	Modality       model.Modality
	RemoteModality model.Modality
	State          State
	CreatedAt      time.Time
	StartedAt      time.Time
}

// Summary describes a finished call.
type Summary struct {
	ChannelID string
	LocalID   string
	RemoteID  string
	Role      model.Role
	Modality  model.Modality
	Outcome   model.Outcome
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
}

// Event renders the summary as the body of a call-event message.
func (s Summary) Event() model.CallEvent {
	ev := model.CallEvent{
		ChannelID:       s.ChannelID,
		Modality:        s.Modality,
		Outcome:         s.Outcome,
		DurationSeconds: int(s.Duration.Round(time.Second) / time.Second),
	}
	if s.Role == model.RoleCaller {
		ev.CallerID, ev.CalleeID = s.LocalID, s.RemoteID
	} else {
		ev.CallerID, ev.CalleeID = s.RemoteID, s.LocalID
	}
	return ev
}

// session is the one live call. Fields are guarded by Manager.mu.
type session struct {
	machine *status.Machine[State]

	channelID      string
	localID        string
	remoteID       string
	role           model.Role
	modality       model.Modality
	remoteModality model.Modality
	token          string
	createdAt      time.Time
	startedAt      time.Time

	inviteSent   bool
	accepting    bool
	joining      bool
	joined       bool
	remoteJoined bool
	started      bool
	terminated   bool

	ringTimer     *time.Timer
	noAnswerTimer *time.Timer
}

func (s *session) state() State {
	return s.machine.Current()
}

func (s *session) info() Info {
	return Info{
		ChannelID:      s.channelID,
		LocalID:        s.localID,
		RemoteID:       s.remoteID,
		Role:           s.role,
		Modality:       s.modality,
		RemoteModality: s.remoteModality,
		State:          s.state(),
		CreatedAt:      s.createdAt,
		StartedAt:      s.startedAt,
	}
}

func (s *session) stopTimers() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if s.noAnswerTimer != nil {
		s.noAnswerTimer.Stop()
	}
}
