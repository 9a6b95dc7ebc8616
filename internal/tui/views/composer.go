package views

import (
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// typingRefresh is how often a running typing indicator is re-sent, and how
// long the composer waits after the last keystroke before clearing it.
const typingRefresh = 2 * time.Second

// Composer is the text input for sending messages.
type Composer struct {
	*tview.InputField
	onSend   func(text string)
	onTyping func(typing bool)

	lastSent time.Time
	idle     *time.Timer
}

// NewComposer creates a new message composer.
func NewComposer() *Composer {
	input := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)

	c := &Composer{InputField: input}

	input.SetChangedFunc(func(text string) {
		if text != "" {
			c.typing()
		}
	})
	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && c.onSend != nil {
			text := c.GetText()
			if text != "" {
				c.stopTyping()
				c.onSend(text)
				c.SetText("")
			}
		}
	})

	return c
}

// SetOnSend sets the callback when a message is sent.
func (c *Composer) SetOnSend(fn func(text string)) {
	c.onSend = fn
}

// SetOnTyping sets the callback for typing indicator changes. It may be
// called from a timer goroutine.
func (c *Composer) SetOnTyping(fn func(typing bool)) {
	c.onTyping = fn
}

func (c *Composer) typing() {
	if c.onTyping == nil {
		return
	}
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = time.AfterFunc(typingRefresh, func() { c.onTyping(false) })
	if time.Since(c.lastSent) >= typingRefresh {
		c.lastSent = time.Now()
		c.onTyping(true)
	}
}

func (c *Composer) stopTyping() {
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	if c.onTyping != nil && !c.lastSent.IsZero() {
		c.lastSent = time.Time{}
		c.onTyping(false)
	}
}
