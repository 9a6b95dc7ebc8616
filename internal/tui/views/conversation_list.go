package views

import (
	"github.com/rivo/tview"
)

// ConversationList is the table of conversations the daemon has open.
type ConversationList struct {
	*tview.Table
	ids []string
}

// NewConversationList creates the conversation table.
func NewConversationList() *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Conversations ")
	return &ConversationList{Table: table}
}

// Update redraws the list. typing maps conversation id to the peers typing.
func (cl *ConversationList) Update(ids []string, active string, typing map[string][]string) {
	selected := cl.SelectedConversation()
	cl.ids = ids
	cl.Clear()

	cl.SetCell(0, 0, tview.NewTableCell(" Conversation").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 1, tview.NewTableCell(" Activity").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	if len(ids) == 0 {
		cl.SetCell(1, 0, tview.NewTableCell(" no open conversations, use :new <peer-id> or :open <id>").SetSelectable(false))
		return
	}
	for i, id := range ids {
		row := i + 1
		name := " " + id
		if id == active {
			name = "*" + id
		}
		activity := ""
		if users := typing[id]; len(users) > 0 {
			activity = typingLine(users)
		}
		cl.SetCell(row, 0, tview.NewTableCell(name).SetMaxWidth(40).SetExpansion(1))
		cl.SetCell(row, 1, tview.NewTableCell(" "+activity).SetExpansion(1))
		if id == selected {
			cl.Select(row, 0)
		}
	}
}

// SelectedConversation returns the id of the selected row.
func (cl *ConversationList) SelectedConversation() string {
	row, _ := cl.GetSelection()
	idx := row - 1 // account for header
	if idx >= 0 && idx < len(cl.ids) {
		return cl.ids[idx]
	}
	return ""
}
