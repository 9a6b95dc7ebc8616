package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/heartline/internal/model"
	"github.com/rivo/tview"
)

// MessageView displays the timeline of one conversation.
type MessageView struct {
	*tview.TextView
}

// NewMessageView creates a new message view.
func NewMessageView() *MessageView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")

	return &MessageView{TextView: tv}
}

// SetConversation updates the title.
func (mv *MessageView) SetConversation(id string) {
	mv.SetTitle(fmt.Sprintf(" %s ", id))
}

// Update redraws the timeline, oldest first, followed by who is typing.
func (mv *MessageView) Update(msgs []model.Message, selfID string, typing []string) {
	mv.Clear()
	for _, m := range msgs {
		_, _ = fmt.Fprint(mv, renderMessage(m, selfID))
	}
	if len(typing) > 0 {
		_, _ = fmt.Fprintf(mv, "[::d]%s[-:-:-]\n", typingLine(typing))
	}
	mv.ScrollToEnd()
}

func renderMessage(m model.Message, selfID string) string {
	sender := m.SenderID
	mine := selfID != "" && m.SenderID == selfID
	if mine {
		sender = "You"
	}
	body := tview.Escape(cleanBody(m.Body))
	switch m.Kind {
	case model.KindImage, model.KindAudio:
		body = fmt.Sprintf("[::i]%s[-:-:-] %s", m.Kind, tview.Escape(m.MediaRef))
	case model.KindCallEvent:
		if ev, err := model.DecodeCallEvent(m.Body); err == nil {
			return fmt.Sprintf("[::d]  %s  %s[-:-:-]\n\n", ev.Describe(), formatTimestamp(m.CreatedAt))
		}
	}
	status := ""
	if mine {
		status = " " + statusGlyph(m.Status)
	}
	return fmt.Sprintf("[::b]%s[-:-:-] [::d]%s[-:-:-]%s\n%s\n\n", sender, formatTimestamp(m.CreatedAt), status, body)
}

// statusGlyph renders the delivery state of an outgoing message.
func statusGlyph(s model.Status) string {
	switch s {
	case model.StatusSending:
		return "[::d]…[-:-:-]"
	case model.StatusSent:
		return "✓"
	case model.StatusDelivered:
		return "✓✓"
	case model.StatusRead:
		return "[blue]✓✓[-]"
	}
	return ""
}

func typingLine(users []string) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0] + " is typing…"
	default:
		return strings.Join(users, ", ") + " are typing…"
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02 15:04")
}
