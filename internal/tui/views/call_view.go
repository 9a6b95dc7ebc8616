package views

import (
	"fmt"
	"time"

	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/rivo/tview"
)

// CallView is a one-line banner describing the current call.
type CallView struct {
	*tview.TextView
}

// NewCallView creates the banner.
func NewCallView() *CallView {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.ContrastBackgroundColor)
	return &CallView{TextView: tv}
}

// Update redraws the banner. It reports whether there is anything to show.
func (cv *CallView) Update(active bool, info call.Info, now time.Time) bool {
	cv.Clear()
	text := callBanner(active, info, now)
	if text == "" {
		return false
	}
	_, _ = fmt.Fprint(cv, text)
	return true
}

func callBanner(active bool, info call.Info, now time.Time) string {
	if !active {
		return ""
	}
	kind := "voice"
	if info.Modality == model.ModalityVideo {
		kind = "video"
	}
	peer := tview.Escape(info.RemoteID)
	switch info.State {
	case call.StateIncoming:
		return fmt.Sprintf(" [::b]Incoming %s call from %s[-:-:-]  a:answer d:decline", kind, peer)
	case call.StateNegotiating, call.StateCalling:
		return fmt.Sprintf(" Calling %s (%s)…  e:cancel", peer, kind)
	case call.StateRinging:
		return fmt.Sprintf(" Ringing %s (%s)…  e:cancel", peer, kind)
	case call.StateTalking:
		return fmt.Sprintf(" [green]In %s call with %s[-] %s  e:end m:mute v:video", kind, peer, formatDuration(now.Sub(info.StartedAt)))
	}
	return ""
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
