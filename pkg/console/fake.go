package console

import "github.com/kinderp/os-autoinst/pkg/imgref"

// FakeConsole is an in-memory Console/Screen used by tests and by
// proxy_console_call examples.
type FakeConsole struct {
	name     string
	frame    *imgref.ImageRef
	selected bool
	disabled bool

	Keys  []string
	Typed []string
}

// NewFakeConsole builds a FakeConsole with the given name and initial
// frame (may be nil).
func NewFakeConsole(name string, frame *imgref.ImageRef) *FakeConsole {
	return &FakeConsole{name: name, frame: frame}
}

func (f *FakeConsole) Name() string { return f.name }

func (f *FakeConsole) Select() error {
	f.selected = true
	f.disabled = false
	return nil
}

func (f *FakeConsole) Reset() error {
	return nil
}

func (f *FakeConsole) Disable() error {
	f.disabled = true
	f.selected = false
	return nil
}

func (f *FakeConsole) Screen() Screen { return f }

// SetFrame updates the frame CurrentScreen will return next.
func (f *FakeConsole) SetFrame(frame *imgref.ImageRef) {
	f.frame = frame
}

func (f *FakeConsole) CurrentScreen() (*imgref.ImageRef, error) {
	return f.frame, nil
}

func (f *FakeConsole) RequestScreenUpdate() error { return nil }

func (f *FakeConsole) SendKey(key string) error {
	f.Keys = append(f.Keys, key)
	return nil
}

func (f *FakeConsole) TypeString(text string) error {
	f.Typed = append(f.Typed, text)
	return nil
}

func (f *FakeConsole) MouseSet(x, y int) error             { return nil }
func (f *FakeConsole) MouseHide(borderOffset int) error    { return nil }
func (f *FakeConsole) MouseButton(button string, bstate bool) error {
	return nil
}
