// Package wire implements the newline-framed JSON command/response
// protocol between the test runner and the capture-and-assert engine.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Command is a closed set of request names. Decoding accepts any name; an
// unrecognized Command is rejected by Dispatch with ErrUnknownCommand
// rather than silently routing nowhere (Design Notes: "stringly-typed
// command dispatch").
type Command string

const (
	CmdStartVM                Command = "start_vm"
	CmdStopVM                 Command = "stop_vm"
	CmdAlive                  Command = "alive"
	CmdSelectConsole          Command = "select_console"
	CmdResetConsole           Command = "reset_console"
	CmdDeactivateConsole      Command = "deactivate_console"
	CmdSendKey                Command = "send_key"
	CmdTypeString             Command = "type_string"
	CmdMouseSet               Command = "mouse_set"
	CmdMouseHide              Command = "mouse_hide"
	CmdMouseButton            Command = "mouse_button"
	CmdCaptureScreenshot      Command = "capture_screenshot"
	CmdLastScreenshotName     Command = "last_screenshot_name"
	CmdSetReferenceScreenshot Command = "set_reference_screenshot"
	CmdSimilarityToReference  Command = "similiarity_to_reference"
	CmdSetTagsToAssert        Command = "set_tags_to_assert"
	CmdCheckAssertedScreen    Command = "check_asserted_screen"
	CmdInteractiveAssert      Command = "interactive_assert_screen"
	CmdStopAssertScreen       Command = "stop_assert_screen"
	CmdRetryAssertScreen      Command = "retry_assert_screen"
	CmdSetSerialOffset        Command = "set_serial_offset"
	CmdSerialText             Command = "serial_text"
	CmdWaitSerial             Command = "wait_serial"
	CmdWaitIdle               Command = "wait_idle"
	CmdFreezeVM               Command = "freeze_vm"
	CmdContVM                 Command = "cont_vm"
	CmdProxyConsoleCall       Command = "proxy_console_call"
)

// Request is a single framed request from the runner.
type Request struct {
	Cmd       Command         `json:"cmd"`
	Arguments json.RawMessage `json:"arguments"`
}

// Response wraps a handler's return value for the wire.
type Response struct {
	Rsp any `json:"rsp"`
}

// quitSentinel is written on shutdown before the response pipe is closed.
type quitSentinel struct {
	Quit int `json:"QUIT"`
}

// HandlerFunc handles one decoded request and returns the value to wrap in
// {"rsp": ...}, or an error to abort the dispatcher fatally.
type HandlerFunc func(arguments json.RawMessage) (any, error)

// ErrUnknownCommand is returned when a request names a Command with no
// registered handler.
type ErrUnknownCommand struct {
	Cmd Command
}

func (e *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("unknown command: %q", e.Cmd)
}

// Dispatcher reads framed requests from an io.Reader, routes them to
// registered handlers, and writes framed responses to an io.Writer.
// ReadRequest reads exactly one request and Dispatch handles exactly one.
type Dispatcher struct {
	reader   *bufio.Reader
	writer   io.Writer
	handlers map[Command]HandlerFunc
	writeMu  sync.Mutex
	log      zerolog.Logger
}

// NewDispatcher builds a Dispatcher over the given command/response pipes.
func NewDispatcher(cmdPipe io.Reader, rspPipe io.Writer, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		reader:   bufio.NewReader(cmdPipe),
		writer:   rspPipe,
		handlers: make(map[Command]HandlerFunc),
		log:      log,
	}
}

// Handle registers a handler for a command name. Calling Handle twice for
// the same command replaces the previous handler.
func (d *Dispatcher) Handle(cmd Command, fn HandlerFunc) {
	d.handlers[cmd] = fn
}

// ReadRequest blocks until one framed request is available on the command
// pipe, or returns io.EOF if the pipe has been closed.
func (d *Dispatcher) ReadRequest() (Request, error) {
	line, err := d.reader.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return Request{}, err
		}
		// Fall through: a final unterminated line is still a valid frame.
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// Dispatch routes a decoded Request to its handler and writes the framed
// response. Returns *ErrUnknownCommand if no handler is
// registered; any other error is the handler's own fatal failure.
func (d *Dispatcher) Dispatch(req Request) error {
	handler, ok := d.handlers[req.Cmd]
	if !ok {
		return &ErrUnknownCommand{Cmd: req.Cmd}
	}

	result, err := handler(req.Arguments)
	if err != nil {
		return fmt.Errorf("handler for %q failed: %w", req.Cmd, err)
	}

	return d.writeFrame(Response{Rsp: result})
}

// Quit writes the shutdown sentinel. The caller is responsible for closing
// the underlying response pipe afterwards.
func (d *Dispatcher) Quit() error {
	return d.writeFrame(quitSentinel{Quit: 1})
}

func (d *Dispatcher) writeFrame(v any) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	data = append(data, '\n')
	if _, err := d.writer.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
