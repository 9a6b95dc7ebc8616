package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/rivo/tview"
)

// StatusBar displays the profile, connection state and key hints.
type StatusBar struct {
	*tview.TextView
	profile string
	user    string
	state   string
	flash   string
	isError bool
	hints   []string
}

// NewStatusBar creates a new status bar.
func NewStatusBar() *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv}
}

// SetProfile updates the profile name display.
func (sb *StatusBar) SetProfile(name string) {
	sb.profile = name
	sb.render()
}

// SetConnection updates the user and connection state.
func (sb *StatusBar) SetConnection(user, state string) {
	sb.user = user
	sb.state = state
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string, isError bool) {
	sb.flash = msg
	sb.isError = isError
	sb.render()
}

// SetHints sets the key hints for the current view.
func (sb *StatusBar) SetHints(hints []string) {
	sb.hints = hints
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	who := sb.profile
	if sb.user != "" {
		who += "/" + sb.user
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | %s", who, stateLabel(sb.state), time.Now().Format("15:04"))
	if sb.flash != "" {
		color := "yellow"
		if sb.isError {
			color = "red"
		}
		line += fmt.Sprintf(" | [%s]%s[-]", color, tview.Escape(sb.flash))
	}
	if len(sb.hints) > 0 {
		line += " | [::d]" + strings.Join(sb.hints, " ") + "[-:-:-]"
	}

	_, _ = fmt.Fprint(sb, line)
}

func stateLabel(state string) string {
	switch state {
	case "connected":
		return "[green]connected[-]"
	case "connecting", "reconnecting":
		return "[yellow]" + state + "[-]"
	case "":
		return "[::d]unknown[-:-:-]"
	default:
		return "[red]" + state + "[-]"
	}
}
