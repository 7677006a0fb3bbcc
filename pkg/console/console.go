// Package console defines the narrow capability interfaces consoles and
// their drivers implement, and the Registry that tracks which one is
// current. See Design Notes item 1 in spec.md: dynamic dispatch over
// consoles is replaced with a closed interface set, except for
// proxy_console_call, which is explicitly reflective per spec.md §4.7.
package console

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/kinderp/os-autoinst/pkg/imgref"
)

// Screen is the live framebuffer endpoint of a Console: the thing
// send_key, type_string, and friends are forwarded to.
type Screen interface {
	CurrentScreen() (*imgref.ImageRef, error)
	RequestScreenUpdate() error
	SendKey(key string) error
	TypeString(text string) error
	MouseSet(x, y int) error
	MouseHide(borderOffset int) error
	MouseButton(button string, bstate bool) error
}

// Console is a named addressable endpoint with a select/reset/disable
// lifecycle and, once selected, a Screen.
type Console interface {
	Name() string
	Select() error
	Reset() error
	Disable() error
	Screen() Screen
}

// state mirrors the Console lifecycle from spec.md §3:
// {inactive, active, disabled}.
type state int

const (
	stateInactive state = iota
	stateActive
	stateDisabled
)

// Registry tracks the named consoles and which one, if any, is current.
// Exactly zero or one console is current at any instant (spec.md
// invariant). Switching consoles emits one screenshot via onSwitch.
type Registry struct {
	mu       sync.Mutex
	consoles map[string]Console
	states   map[string]state
	current  string

	// onSwitch is called with the newly-selected console's name, letting
	// the caller capture a screenshot representing the switch in the
	// video feed (spec.md §4.7).
	onSwitch func(name string)
}

// NewRegistry builds an empty Registry. onSwitch may be nil.
func NewRegistry(onSwitch func(name string)) *Registry {
	return &Registry{
		consoles: make(map[string]Console),
		states:   make(map[string]state),
		onSwitch: onSwitch,
	}
}

// Add registers a console under its own name.
func (r *Registry) Add(c Console) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consoles[c.Name()] = c
	r.states[c.Name()] = stateInactive
}

// Select activates the named console, selecting it (switching the current
// console), and captures one screenshot to represent the switch.
func (r *Registry) Select(name string) (activated bool, err error) {
	r.mu.Lock()
	c, ok := r.consoles[name]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("select_console: unknown console %q", name)
	}

	if err := c.Select(); err != nil {
		return false, fmt.Errorf("select_console %q: %w", name, err)
	}

	r.mu.Lock()
	r.states[name] = stateActive
	r.current = name
	r.mu.Unlock()

	if r.onSwitch != nil {
		r.onSwitch(name)
	}
	return true, nil
}

// Reset resets the named console without changing which console is
// current.
func (r *Registry) Reset(name string) error {
	r.mu.Lock()
	c, ok := r.consoles[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("reset_console: unknown console %q", name)
	}
	return c.Reset()
}

// Deactivate disables the named console and clears current iff it was
// current.
func (r *Registry) Deactivate(name string) error {
	r.mu.Lock()
	c, ok := r.consoles[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("deactivate_console: unknown console %q", name)
	}
	if err := c.Disable(); err != nil {
		return fmt.Errorf("deactivate_console %q: %w", name, err)
	}

	r.mu.Lock()
	r.states[name] = stateDisabled
	if r.current == name {
		r.current = ""
	}
	r.mu.Unlock()
	return nil
}

// Current returns the current console, or nil if none is selected.
// Forwarded screen operations (send_key, type_string, ...) silently no-op
// when this returns nil, per spec.md §4.7.
func (r *Registry) Current() Console {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" {
		return nil
	}
	return r.consoles[r.current]
}

// CurrentScreen is a convenience accessor returning the current console's
// Screen, or nil if there is no current console.
func (r *Registry) CurrentScreen() Screen {
	c := r.Current()
	if c == nil {
		return nil
	}
	return c.Screen()
}

// ProxyResult is the shape returned by proxy_console_call: either a result
// value, or a stringified exception, never both.
type ProxyResult struct {
	Result    any    `json:"result,omitempty"`
	Exception string `json:"exception,omitempty"`
}

// ProxyCall executes an arbitrary named method on a named console with the
// given arguments, capturing any failure into a ProxyResult rather than
// propagating it — the runner decides whether to fail the test. This is
// the one place the engine uses reflection, since the method name and
// arity are only known at the wire-protocol boundary.
func (r *Registry) ProxyCall(consoleName, method string, args []any) ProxyResult {
	r.mu.Lock()
	c, ok := r.consoles[consoleName]
	r.mu.Unlock()
	if !ok {
		return ProxyResult{Exception: fmt.Sprintf("unknown console %q", consoleName)}
	}

	result, err := invoke(c, method, args)
	if err != nil {
		return ProxyResult{Exception: err.Error()}
	}
	return ProxyResult{Result: result}
}

func invoke(target any, method string, args []any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic calling %s: %v", method, p)
		}
	}()

	v := reflect.ValueOf(target)
	m := v.MethodByName(method)
	if !m.IsValid() {
		return nil, fmt.Errorf("no such method %q", method)
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = reflect.ValueOf(a)
	}

	out := m.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if e, ok := out[0].Interface().(error); ok {
			return nil, e
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		if e, ok := last.Interface().(error); ok && e != nil {
			return nil, e
		}
		vals := make([]any, len(out)-1)
		for i := range vals {
			vals[i] = out[i].Interface()
		}
		return vals, nil
	}
}
