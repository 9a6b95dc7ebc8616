package keys

import (
	"sort"

	"github.com/gdamore/tcell/v2"
)

// Action represents a keybinding action.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
	Visible     bool
	// Enabled, when set, gates the action on the current state.
	Enabled func() bool
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

func (a *Action) enabled() bool {
	return a.Enabled == nil || a.Enabled()
}

// Registry holds keybindings organized by scope. Overlay bindings, such as
// call controls, apply on every page while enabled and win over the rest.
type Registry struct {
	Global  map[string]*Action
	Overlay map[string]*Action
	Views   map[string]map[string]*Action
}

// NewRegistry creates a new keybinding registry.
func NewRegistry() *Registry {
	return &Registry{
		Global:  make(map[string]*Action),
		Overlay: make(map[string]*Action),
		Views:   make(map[string]map[string]*Action),
	}
}

// AddGlobal registers a global keybinding.
func (r *Registry) AddGlobal(name string, action *Action) {
	r.Global[name] = action
}

// AddOverlay registers a keybinding that applies on every view.
func (r *Registry) AddOverlay(name string, action *Action) {
	r.Overlay[name] = action
}

// AddView registers a view-specific keybinding.
func (r *Registry) AddView(view, name string, action *Action) {
	if r.Views[view] == nil {
		r.Views[view] = make(map[string]*Action)
	}
	r.Views[view][name] = action
}

// Hints returns visible keybinding descriptions for a given view, sorted so
// the status line does not reshuffle between renders.
func (r *Registry) Hints(view string) []string {
	var hints []string
	collect := func(m map[string]*Action) {
		var scoped []string
		for _, a := range m {
			if a.Visible && a.enabled() {
				scoped = append(scoped, a.Description)
			}
		}
		sort.Strings(scoped)
		hints = append(hints, scoped...)
	}
	collect(r.Overlay)
	collect(r.Views[view])
	collect(r.Global)
	return hints
}

// HandleEvent dispatches a key event to the matching action in the given
// view. Returns true if a handler matched.
func (r *Registry) HandleEvent(view string, ev *tcell.EventKey) bool {
	for _, m := range []map[string]*Action{r.Overlay, r.Views[view], r.Global} {
		for _, a := range m {
			if a.enabled() && a.Matches(ev) {
				a.Handler()
				return true
			}
		}
	}
	return false
}
