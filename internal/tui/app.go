package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/heartline/internal/call"
	domain "github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/rpc"
	"github.com/matheus3301/heartline/internal/tui/keys"
	"github.com/matheus3301/heartline/internal/tui/model"
	"github.com/matheus3301/heartline/internal/tui/views"
	"github.com/rivo/tview"
)

const (
	flashShort   = 3 * time.Second
	flashLong    = 6 * time.Second
	requestLimit = 10 * time.Second
	watchRetry   = 2 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	vm        *model.ViewModel
	client    *rpc.Client
	registry  *keys.Registry
	statusBar *views.StatusBar
	callView  *views.CallView
	convList  *views.ConversationList
	msgView   *views.MessageView
	composer  *views.Composer
	connectV  *views.ConnectView
	helpV     *views.HelpView
	cmdLine   *tview.InputField
	body      *tview.Flex
	muted     bool
	lastState string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c *rpc.Client, profileName string) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		vm:        model.NewViewModel(c),
		client:    c,
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(),
		callView:  views.NewCallView(),
		convList:  views.NewConversationList(),
		msgView:   views.NewMessageView(),
		composer:  views.NewComposer(),
		connectV:  views.NewConnectView(),
		helpV:     views.NewHelpView(),
		cmdLine:   tview.NewInputField().SetLabel(":").SetFieldWidth(0),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetProfile(profileName)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal("quit", &keys.Action{
		Rune: 'q', Key: tcell.KeyRune,
		Description: "q:quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.AddGlobal("help", &keys.Action{
		Rune: '?', Key: tcell.KeyRune,
		Description: "?:help", Visible: true,
		Handler: func() { a.show("help", a.helpV) },
	})
	a.registry.AddGlobal("command", &keys.Action{
		Rune: ':', Key: tcell.KeyRune,
		Description: "::command", Visible: true,
		Handler: a.showCommandLine,
	})
	a.registry.AddView("chat", "compose", &keys.Action{
		Rune: 'i', Key: tcell.KeyRune,
		Description: "i:write", Visible: true,
		Handler: func() { a.app.SetFocus(a.composer) },
	})
	a.registry.AddView("chat", "read", &keys.Action{
		Rune: 'r', Key: tcell.KeyRune,
		Description: "r:read", Visible: true,
		Handler: a.markRead,
	})

	incoming := func() bool {
		c := a.vm.Call()
		return c.Active && c.Call.State == call.StateIncoming
	}
	inCall := func() bool { return a.vm.Call().Active }
	talking := func() bool {
		c := a.vm.Call()
		return c.Active && c.Call.State == call.StateTalking
	}
	a.registry.AddOverlay("answer", &keys.Action{
		Rune: 'a', Key: tcell.KeyRune, Description: "a:answer", Visible: true, Enabled: incoming,
		Handler: func() { a.do("answer", func(ctx context.Context) error { return a.vm.Respond(ctx, true) }) },
	})
	a.registry.AddOverlay("decline", &keys.Action{
		Rune: 'd', Key: tcell.KeyRune, Description: "d:decline", Visible: true, Enabled: incoming,
		Handler: func() { a.do("decline", func(ctx context.Context) error { return a.vm.Respond(ctx, false) }) },
	})
	a.registry.AddOverlay("hangup", &keys.Action{
		Rune: 'e', Key: tcell.KeyRune, Description: "e:hang up", Visible: true,
		Enabled: func() bool { return inCall() && !incoming() },
		Handler: func() { a.do("hang up", a.vm.HangUp) },
	})
	a.registry.AddOverlay("mute", &keys.Action{
		Rune: 'm', Key: tcell.KeyRune, Description: "m:mute", Visible: true, Enabled: talking,
		Handler: func() {
			a.muted = !a.muted
			muted := a.muted
			a.do("mute", func(ctx context.Context) error { return a.vm.Mute(ctx, muted) })
		},
	})
	a.registry.AddOverlay("video", &keys.Action{
		Rune: 'v', Key: tcell.KeyRune, Description: "v:video", Visible: true, Enabled: talking,
		Handler: func() { a.do("switch video", a.vm.ToggleVideo) },
	})
}

func (a *App) setupCallbacks() {
	a.convList.SetSelectedFunc(func(row, col int) {
		if id := a.convList.SelectedConversation(); id != "" {
			a.openConversation(id)
		}
	})

	a.composer.SetOnSend(func(text string) {
		a.do("send", func(ctx context.Context) error { return a.vm.SendText(ctx, text) })
	})
	a.composer.SetOnTyping(func(typing bool) {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, requestLimit)
			defer cancel()
			_ = a.vm.SetTyping(ctx, typing)
		}()
	})

	a.connectV.SetOnDone(func(credential string) {
		a.connectV.ShowMessage("Connecting…")
		a.do("connect", func(ctx context.Context) error { return a.vm.Connect(ctx, strings.TrimSpace(credential)) })
	})

	a.cmdLine.SetDoneFunc(func(key tcell.Key) {
		text := a.cmdLine.GetText()
		a.cmdLine.SetText("")
		a.hideCommandLine()
		if key == tcell.KeyEnter && strings.TrimSpace(text) != "" {
			a.runCommand(text)
		}
	})
}

func (a *App) setupLayout() {
	chatFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.msgView, 0, 1, false).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage("conversations", a.convList, true, true)
	a.pages.AddPage("chat", chatFlex, true, false)
	a.pages.AddPage("connect", a.connectV, true, false)
	a.pages.AddPage("help", a.helpV, true, false)

	a.body = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.callView, 0, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(a.body, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		currentPage, _ := a.pages.GetFrontPage()
		focused := a.app.GetFocus()

		if event.Key() == tcell.KeyEscape {
			switch {
			case focused == a.composer.InputField:
				a.app.SetFocus(a.msgView)
				return nil
			case currentPage == "chat":
				a.leaveConversation()
				return nil
			case currentPage == "help", currentPage == "connect":
				a.show("conversations", a.convList)
				return nil
			}
		}

		// Let text input widgets handle all keys normally.
		if _, ok := focused.(*tview.InputField); ok {
			return event
		}

		if a.registry.HandleEvent(currentPage, event) {
			return nil
		}
		return event
	})
}

func (a *App) show(page string, focus tview.Primitive) {
	a.pages.SwitchToPage(page)
	a.app.SetFocus(focus)
	a.statusBar.SetHints(a.registry.Hints(page))
}

func (a *App) showCommandLine() {
	a.body.RemoveItem(a.statusBar)
	a.body.AddItem(a.cmdLine, 1, 0, true)
	a.app.SetFocus(a.cmdLine)
}

func (a *App) hideCommandLine() {
	a.body.RemoveItem(a.cmdLine)
	a.body.AddItem(a.statusBar, 1, 0, false)
	page, item := a.pages.GetFrontPage()
	if page == "chat" {
		a.app.SetFocus(a.msgView)
		return
	}
	a.app.SetFocus(item)
}

func (a *App) runCommand(input string) {
	cmd, err := ParseCommand(input)
	if err != nil {
		a.flashError(err)
		return
	}
	switch cmd.Name {
	case "open":
		a.openConversation(cmd.Arg(0))
	case "new":
		peer := cmd.Arg(0)
		a.load("start conversation", func(ctx context.Context) error { return a.vm.Start(ctx, peer) }, a.enterChat)
	case "close":
		a.leaveConversation()
	case "read":
		a.markRead()
	case "image", "audio":
		ref, kind := cmd.Arg(0), domain.Kind(cmd.Name)
		a.do("send "+cmd.Name, func(ctx context.Context) error { return a.vm.SendMedia(ctx, ref, kind) })
	case "call":
		peer, video := cmd.Arg(0), cmd.Arg(1) == "video"
		a.do("call", func(ctx context.Context) error { return a.vm.CallPeer(ctx, peer, video) })
	case "connect":
		cred := cmd.Arg(0)
		a.do("connect", func(ctx context.Context) error { return a.vm.Connect(ctx, cred) })
	case "disconnect":
		a.do("disconnect", a.vm.Disconnect)
	case "logout":
		a.load("logout", a.vm.Logout, func() { a.show("connect", a.connectV.Input()) })
	case "help":
		a.show("help", a.helpV)
	case "quit":
		a.Stop()
	}
}

func (a *App) openConversation(id string) {
	a.load("open", func(ctx context.Context) error { return a.vm.Open(ctx, id) }, a.enterChat)
}

func (a *App) enterChat() {
	a.msgView.SetConversation(a.vm.Active())
	a.render()
	a.show("chat", a.msgView)
}

func (a *App) leaveConversation() {
	a.load("close", a.vm.Leave, func() {
		a.render()
		a.show("conversations", a.convList)
	})
}

func (a *App) markRead() {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, requestLimit)
		defer cancel()
		n, err := a.vm.MarkRead(ctx)
		if err != nil {
			a.flashError(err)
			return
		}
		a.vm.Flash.Info(fmt.Sprintf("%d message(s) marked read", n), flashShort)
		a.app.QueueUpdateDraw(a.render)
	}()
}

// do runs a daemon request in the background and reports failures.
func (a *App) do(what string, fn func(context.Context) error) {
	a.load(what, fn, a.render)
}

// load runs fn in the background, then applies done on the UI goroutine.
func (a *App) load(what string, fn func(context.Context) error, done func()) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, requestLimit)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.flashError(fmt.Errorf("%s: %w", what, err))
			return
		}
		a.app.QueueUpdateDraw(done)
	}()
}

func (a *App) flashError(err error) {
	a.vm.Flash.Error(err.Error(), flashLong)
	a.app.QueueUpdateDraw(a.render)
}

// render redraws every view from the view model. Must run on the UI goroutine.
func (a *App) render() {
	st := a.vm.Status()
	a.statusBar.SetConnection(st.UserID, st.State)
	msg, level := a.vm.Flash.Get()
	a.statusBar.SetFlash(msg, level == model.LevelError)

	pres := a.vm.Presence()
	a.convList.Update(a.vm.Conversations(), a.vm.Active(), pres.Typing)
	if a.vm.Active() != "" {
		a.msgView.Update(a.vm.Messages(), st.UserID, a.vm.TypingInActive())
	}

	c := a.vm.Call()
	if a.callView.Update(c.Active, c.Call, time.Now()) {
		a.body.ResizeItem(a.callView, 1, 0)
	} else {
		a.body.ResizeItem(a.callView, 0, 0)
		a.muted = false
	}

	page, _ := a.pages.GetFrontPage()
	a.statusBar.SetHints(a.registry.Hints(page))
	if st.State == a.lastState {
		return
	}
	a.lastState = st.State
	switch st.State {
	case "", "connected", "connecting", "reconnecting":
		if page == "connect" && st.State == "connected" {
			a.show("conversations", a.convList)
		}
	default:
		if page != "chat" {
			a.connectV.ShowMessage(fmt.Sprintf("Connection is %s.\nPaste a credential, or press Enter to use the daemon's configured one.", st.State))
			a.show("connect", a.connectV.Input())
		}
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, requestLimit)
		err := a.vm.Load(ctx, model.RefreshStatus|model.RefreshConversations|model.RefreshCall|model.RefreshPresence)
		cancel()
		if err != nil {
			a.flashError(err)
		}
		a.app.QueueUpdateDraw(a.render)
		a.watch()
	}()
	go a.tick()

	return a.app.Run()
}

// watch applies daemon events until the app stops, resubscribing when the
// stream breaks.
func (a *App) watch() {
	for a.ctx.Err() == nil {
		events, errc, err := a.client.Watch(a.ctx)
		if err == nil {
			err = a.consume(events, errc)
		}
		if a.ctx.Err() != nil {
			return
		}
		if err != nil {
			a.flashError(fmt.Errorf("event stream: %w", err))
		}
		select {
		case <-time.After(watchRetry):
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) consume(events <-chan rpc.Event, errc <-chan error) error {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			a.apply(evt)
		case err := <-errc:
			return err
		case <-a.ctx.Done():
			return nil
		}
	}
}

func (a *App) apply(evt rpc.Event) {
	if r := a.vm.Classify(evt); r != 0 {
		ctx, cancel := context.WithTimeout(a.ctx, requestLimit)
		err := a.vm.Load(ctx, r)
		cancel()
		if err != nil {
			a.vm.Flash.Error(err.Error(), flashLong)
		}
	}
	switch evt.Kind {
	case "message.send_failed":
		a.vm.Flash.Error("a message could not be sent", flashLong)
	case call.EventIncoming:
		a.vm.Flash.Info("incoming call", flashShort)
	case call.EventDeclined:
		a.vm.Flash.Info("call declined", flashShort)
	case call.EventBusy:
		a.vm.Flash.Info("they are on another call", flashShort)
	}
	a.app.QueueUpdateDraw(a.render)
}

// tick refreshes the clock, the call timer and expiring flashes.
func (a *App) tick() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.app.QueueUpdateDraw(a.render)
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
