package capture

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinderp/os-autoinst/pkg/console"
	"github.com/kinderp/os-autoinst/pkg/wire"
)

type countingCapturer struct {
	calls int
}

func (c *countingCapturer) CaptureOne() (bool, error) {
	c.calls++
	return true, nil
}

type noFrameCapturer struct {
	calls int
}

func (c *noFrameCapturer) CaptureOne() (bool, error) {
	c.calls++
	return false, nil
}

type noStall struct{}

func (noStall) ShouldStall(time.Time, time.Duration, time.Time) bool { return false }
func (noStall) MarkStall()                                          {}

type flagStall struct {
	shouldStall bool
	marked      bool
}

func (f *flagStall) ShouldStall(time.Time, time.Duration, time.Time) bool { return f.shouldStall }
func (f *flagStall) MarkStall()                                          { f.marked = true }

func TestLoopExitsOnTimeout(t *testing.T) {
	registry := console.NewRegistry(nil)
	capturer := &countingCapturer{}
	requests := make(chan wire.Request)
	dispatch := func(wire.Request) error { return nil }
	closed := make(chan struct{})

	loop := New(registry, capturer, noStall{}, requests, dispatch, closed,
		zerolog.New(io.Discard), 50*time.Millisecond, 20*time.Millisecond)

	err := loop.Run(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Greater(t, capturer.calls, 0)
}

func TestLoopExitsOnPipeClosed(t *testing.T) {
	registry := console.NewRegistry(nil)
	capturer := &countingCapturer{}
	requests := make(chan wire.Request)
	dispatch := func(wire.Request) error { return nil }
	closed := make(chan struct{})
	close(closed)

	loop := New(registry, capturer, noStall{}, requests, dispatch, closed,
		zerolog.New(io.Discard), 50*time.Millisecond, 20*time.Millisecond)

	err := loop.Run(context.Background(), 0)
	require.NoError(t, err)
}

func TestLoopDispatchesQueuedCommands(t *testing.T) {
	registry := console.NewRegistry(nil)
	capturer := &countingCapturer{}
	requests := make(chan wire.Request, 4)
	closed := make(chan struct{})

	var dispatched int
	dispatch := func(wire.Request) error {
		dispatched++
		return nil
	}

	loop := New(registry, capturer, noStall{}, requests, dispatch, closed,
		zerolog.New(io.Discard), 50*time.Millisecond, 20*time.Millisecond)

	requests <- wire.Request{Cmd: wire.CmdAlive, Arguments: json.RawMessage(`{}`)}
	requests <- wire.Request{Cmd: wire.CmdAlive, Arguments: json.RawMessage(`{}`)}

	done := make(chan error, 1)
	go func() {
		done <- loop.Run(context.Background(), 60*time.Millisecond)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}

	assert.GreaterOrEqual(t, dispatched, 1)
}

func TestLoopAdvancesScheduleEvenWhenNoFrameIsCaptured(t *testing.T) {
	registry := console.NewRegistry(nil)
	capturer := &noFrameCapturer{}
	requests := make(chan wire.Request)
	dispatch := func(wire.Request) error { return nil }
	closed := make(chan struct{})

	loop := New(registry, capturer, noStall{}, requests, dispatch, closed,
		zerolog.New(io.Discard), 50*time.Millisecond, 20*time.Millisecond)

	err := loop.Run(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)

	// An unconditional update to lastScreenshot paces calls roughly to the
	// screenshot interval (~5 over 100ms at 20ms); a capturer that never
	// reports "captured" must not turn this into a busy spin.
	assert.Less(t, capturer.calls, 20)
}

func TestLoopMarksStallWhenMonitorSaysSo(t *testing.T) {
	registry := console.NewRegistry(nil)
	capturer := &countingCapturer{}
	requests := make(chan wire.Request)
	dispatch := func(wire.Request) error { return nil }
	closed := make(chan struct{})
	stall := &flagStall{shouldStall: true}

	loop := New(registry, capturer, stall, requests, dispatch, closed,
		zerolog.New(io.Discard), 50*time.Millisecond, 20*time.Millisecond)

	err := loop.Run(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, stall.marked)
}

func TestLoopPropagatesDispatchError(t *testing.T) {
	registry := console.NewRegistry(nil)
	capturer := &countingCapturer{}
	requests := make(chan wire.Request, 1)
	closed := make(chan struct{})

	wantErr := assert.AnError
	dispatch := func(wire.Request) error { return wantErr }

	loop := New(registry, capturer, noStall{}, requests, dispatch, closed,
		zerolog.New(io.Discard), 50*time.Millisecond, 20*time.Millisecond)

	requests <- wire.Request{Cmd: wire.CmdAlive, Arguments: json.RawMessage(`{}`)}

	err := loop.Run(context.Background(), 2*time.Second)
	assert.ErrorIs(t, err, wantErr)
}
