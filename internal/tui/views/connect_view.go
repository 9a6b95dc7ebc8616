package views

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// ConnectView asks for a credential when the daemon is not connected.
type ConnectView struct {
	*tview.Flex
	message *tview.TextView
	input   *tview.InputField
	onDone  func(credential string)
}

// NewConnectView creates the connect prompt.
func NewConnectView() *ConnectView {
	message := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	input := tview.NewInputField().
		SetLabel(" credential: ").
		SetMaskCharacter('*').
		SetFieldWidth(0)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(message, 3, 0, false).
		AddItem(input, 1, 0, true).
		AddItem(nil, 0, 1, false)
	flex.SetBorder(true).SetTitle(" Connect ")

	cv := &ConnectView{Flex: flex, message: message, input: input}
	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && cv.onDone != nil {
			cv.onDone(input.GetText())
			input.SetText("")
		}
	})
	cv.ShowMessage("Not connected.\nPaste a credential, or press Enter to use the daemon's configured one.")
	return cv
}

// SetOnDone sets the callback invoked with the entered credential.
func (cv *ConnectView) SetOnDone(fn func(credential string)) {
	cv.onDone = fn
}

// ShowMessage replaces the explanatory text.
func (cv *ConnectView) ShowMessage(msg string) {
	cv.message.SetText(msg)
}

// Input returns the credential field.
func (cv *ConnectView) Input() *tview.InputField {
	return cv.input
}
