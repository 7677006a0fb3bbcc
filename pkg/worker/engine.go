// Package worker owns the single process-lifetime engine: lifecycle
// (start_vm/stop_vm/alive), the crash hook, and the command-handler table
// wiring every wire.Command onto the right component (spec.md §4.9, §7,
// Design Notes item 2: a process-lifetime owning context rather than
// ambient global mutable state).
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kinderp/os-autoinst/pkg/assert"
	"github.com/kinderp/os-autoinst/pkg/capture"
	"github.com/kinderp/os-autoinst/pkg/config"
	"github.com/kinderp/os-autoinst/pkg/console"
	"github.com/kinderp/os-autoinst/pkg/control"
	"github.com/kinderp/os-autoinst/pkg/encoder"
	"github.com/kinderp/os-autoinst/pkg/hypervisor"
	"github.com/kinderp/os-autoinst/pkg/imgref"
	"github.com/kinderp/os-autoinst/pkg/needle"
	"github.com/kinderp/os-autoinst/pkg/screenshot"
	"github.com/kinderp/os-autoinst/pkg/serial"
	"github.com/kinderp/os-autoinst/pkg/wire"
)

const forceExitAlarm = 3 * time.Second

// Engine is the single owner of every piece of mutable worker state: the
// id is a diagnostic correlation tag attached to log lines, matching the
// teacher's per-session uuid tagging.
type Engine struct {
	id  string
	cfg config.Config
	log zerolog.Logger

	registry *console.Registry
	pipeline *screenshot.Pipeline
	enc      encoder.Encoder
	driver   hypervisor.Driver
	needles  *needle.Set
	asserter *assert.Engine
	tail     *serial.Tail
	signals  control.Signals
	loop     *capture.Loop

	mu             sync.Mutex
	started        bool
	referenceImage *imgref.ImageRef
	forceExitTimer *time.Timer

	exit func(code int)
}

// Deps bundles the already-constructed collaborators an Engine is built
// from, so wiring lives in one place (cmd/os-autoinst-worker/serve.go).
type Deps struct {
	Cfg      config.Config
	Log      zerolog.Logger
	Pipeline *screenshot.Pipeline
	Enc      encoder.Encoder
	Driver   hypervisor.Driver
	Needles  *needle.Set
	Signals  control.Signals
}

// New builds an Engine and its ConsoleRegistry. The registry's onSwitch
// hook (spec.md §4.7: switching consoles captures one screenshot) closes
// over the Engine itself, so it must be constructed after e.
func New(deps Deps) *Engine {
	id := uuid.NewString()
	e := &Engine{
		id:       id,
		cfg:      deps.Cfg,
		log:      deps.Log.With().Str("engine_id", id).Logger(),
		pipeline: deps.Pipeline,
		enc:      deps.Enc,
		driver:   deps.Driver,
		needles:  deps.Needles,
		signals:  deps.Signals,
		asserter: assert.New(deps.Needles, deps.Signals, deps.Log, deps.Cfg.DefaultTimeout),
		tail:     serial.New(deps.Cfg.SerialFile, deps.Log),
		exit:     os.Exit,
	}
	e.asserter.SetInteractive(deps.Cfg.Interactive)
	e.registry = console.NewRegistry(func(name string) {
		if _, err := e.CaptureOne(); err != nil {
			e.log.Warn().Err(err).Str("console", name).Msg("screenshot-on-switch failed")
		}
	})
	return e
}

// Registry exposes the console registry for wiring consoles in at
// startup.
func (e *Engine) Registry() *console.Registry { return e.registry }

// Asserter exposes the assertion engine for the capture loop's stall
// monitor.
func (e *Engine) Asserter() *assert.Engine { return e.asserter }

// AttachLoop stores the capture loop this Engine drives commands through;
// wait_serial/wait_idle re-enter it in short bursts.
func (e *Engine) AttachLoop(loop *capture.Loop) {
	e.loop = loop
}

// CaptureOne implements capture.Capturer: ask the current console for a
// frame and forward it to the screenshot pipeline.
func (e *Engine) CaptureOne() (bool, error) {
	scr := e.registry.CurrentScreen()
	if scr == nil {
		return false, nil
	}
	img, err := scr.CurrentScreen()
	if err != nil {
		return false, fmt.Errorf("current_screen: %w", err)
	}
	if img == nil {
		return false, nil
	}
	if _, err := e.pipeline.Capture(img); err != nil {
		return false, err
	}
	return true, nil
}

// StartVM invokes the driver's start and marks the engine started; it is
// a no-op if the engine is already started. It does not reset mouse state
// and does not start the encoder: the encoder passed in Deps is already
// running (or is a NullEncoder) when the Engine is built.
func (e *Engine) StartVM(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}
	if e.driver != nil {
		if err := e.driver.DoStartVM(ctx); err != nil {
			return fmt.Errorf("start_vm: %w", err)
		}
	}
	e.started = true
	return nil
}

// StopVM closes the encoder, unlinks the heartbeat file, invokes the
// driver's stop, and clears the started flag. It does not close the
// command or response pipes; the capture loop keeps running until the
// command pipe is closed.
func (e *Engine) StopVM(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}

	if e.enc != nil {
		if err := e.enc.Close(); err != nil {
			e.log.Warn().Err(err).Msg("closing encoder during stop_vm")
		}
	}

	heartbeat := filepath.Join(e.cfg.ScreenshotDir, e.cfg.HeartbeatFile)
	if err := os.Remove(heartbeat); err != nil && !os.IsNotExist(err) {
		e.log.Warn().Err(err).Msg("unlinking heartbeat file")
	}

	if e.driver != nil {
		if err := e.driver.DoStopVM(ctx); err != nil {
			e.log.Warn().Err(err).Msg("driver stop_vm failed")
		}
	}

	e.started = false
	if e.forceExitTimer != nil {
		e.forceExitTimer.Stop()
		e.forceExitTimer = nil
	}
	return nil
}

// Alive reports whether the engine believes the SUT is up: started, with
// both the heartbeat file present and the driver's own liveness check
// passing. When not alive, it arms a 3-second force-exit alarm, the way a
// hung worker eventually gets reaped.
func (e *Engine) Alive(ctx context.Context) bool {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()

	if !started {
		e.scheduleForceExit()
		return false
	}

	heartbeat := filepath.Join(e.cfg.ScreenshotDir, e.cfg.HeartbeatFile)
	_, statErr := os.Stat(heartbeat)
	heartbeatOK := statErr == nil

	rawAlive := e.driver == nil || e.driver.RawAlive(ctx)

	if heartbeatOK && rawAlive {
		return true
	}
	e.scheduleForceExit()
	return false
}

func (e *Engine) scheduleForceExit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.forceExitTimer != nil {
		return
	}
	e.forceExitTimer = time.AfterFunc(forceExitAlarm, func() {
		e.log.Error().Msg("alive() failed repeatedly; forcing exit")
		e.exit(1)
	})
}

// CrashHook converts any fatal dispatcher error into: stop the VM, then
// terminate the process, so the runner reliably observes the response
// pipe close (spec.md §7). It is a closure over this Engine, not a
// package-level singleton (Design Notes item 2). The crash marker itself
// is scoped to stall-during-assert aborts (spec.md's Filesystem Layout);
// any other fatal error still stops the VM and exits, but leaves
// backend.crashed alone.
func (e *Engine) CrashHook(err error) {
	e.log.Error().Err(err).Msg("fatal error; crashing worker")
	if errors.Is(err, assert.ErrStallDuringAssert) {
		if crashErr := e.writeCrashMarker(); crashErr != nil {
			e.log.Error().Err(crashErr).Msg("writing crash marker")
		}
	}
	_ = e.StopVM(context.Background())
	e.exit(1)
}

func (e *Engine) writeCrashMarker() error {
	path := filepath.Join(e.cfg.ScreenshotDir, e.cfg.CrashFile)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// RegisterHandlers wires every wire.Command this engine understands onto
// d, the runner-facing dispatcher.
func (e *Engine) RegisterHandlers(d *wire.Dispatcher) {
	registerHandlers(e, d)
}
