package views

import (
	"fmt"

	"github.com/rivo/tview"
)

// HelpView displays key binding reference.
type HelpView struct {
	*tview.TextView
}

// NewHelpView creates a new help view.
func NewHelpView() *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true).SetTitle(" Help ")

	hv := &HelpView{TextView: tv}
	_, _ = fmt.Fprint(hv, helpText)
	return hv
}

const helpText = `
  [::b]Keys[-:-:-]

  [::b]Enter[-:-:-]   open the selected conversation     [::b]Esc[-:-:-]  back / leave the composer
  [::b]i[-:-:-]       focus the composer                 [::b]r[-:-:-]    mark the conversation read
  [::b]:[-:-:-]       command mode                       [::b]?[-:-:-]    this help
  [::b]q[-:-:-]       quit

  [::b]During a call[-:-:-]

  [::b]a[-:-:-] answer   [::b]d[-:-:-] decline   [::b]e[-:-:-] end or cancel   [::b]m[-:-:-] mute   [::b]v[-:-:-] toggle video

  [::b]Commands[-:-:-]

  :open <conversation-id>      open a conversation
  :new <peer-id>               start a conversation with a match
  :close                       close the current conversation
  :read                        mark the current conversation read
  :image <path-or-url>         send an image
  :audio <path-or-url>         send an audio clip
  :call <peer-id> [video]      place a call
  :connect [credential]        connect to the server
  :disconnect                  disconnect
  :logout                      disconnect and forget cached conversations
  :help, :quit
`
