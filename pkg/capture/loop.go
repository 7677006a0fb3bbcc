// Package capture implements the cooperative single-threaded scheduler
// that interleaves console refresh requests, screenshot capture, and
// command dispatch (spec.md §4.1).
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kinderp/os-autoinst/pkg/console"
	"github.com/kinderp/os-autoinst/pkg/wire"
)

// StallMonitor is consulted once per tick to detect an armed assertion
// that has gone 20 screenshot intervals without a capture attempt.
// lastScreenshot advances on every attempt, whether or not a frame was
// produced, so a console that returns no frame does not trigger a stall.
type StallMonitor interface {
	ShouldStall(now time.Time, screenshotInterval time.Duration, lastScreenshot time.Time) bool
	MarkStall()
}

// Capturer asks the current console for a frame and forwards it to the
// screenshot pipeline. It is a no-op (returns false, nil) if there is no
// current console or the console returned no frame.
type Capturer interface {
	CaptureOne() (captured bool, err error)
}

// Loop is the reentrant capture scheduler. UpdateRequestInterval and
// ScreenshotInterval are read and written directly by other operations
// while the loop runs — safe because the engine is single-threaded and
// cooperative (spec.md §5).
type Loop struct {
	UpdateRequestInterval time.Duration
	ScreenshotInterval    time.Duration

	registry *console.Registry
	capturer Capturer
	stall    StallMonitor
	requests <-chan wire.Request
	dispatch func(wire.Request) error
	closed   <-chan struct{}
	log      zerolog.Logger

	lastUpdateRequest time.Time
	lastScreenshot    time.Time
}

// New builds a Loop. requests delivers framed commands as they arrive on
// the command pipe (fed by a reader goroutine owned by the caller);
// dispatch executes exactly one command per call. closed is signalled
// once the command pipe is closed.
func New(
	registry *console.Registry,
	capturer Capturer,
	stall StallMonitor,
	requests <-chan wire.Request,
	dispatch func(wire.Request) error,
	closed <-chan struct{},
	log zerolog.Logger,
	updateRequestInterval, screenshotInterval time.Duration,
) *Loop {
	return &Loop{
		UpdateRequestInterval: updateRequestInterval,
		ScreenshotInterval:    screenshotInterval,
		registry:              registry,
		capturer:              capturer,
		stall:                 stall,
		requests:              requests,
		dispatch:              dispatch,
		closed:                closed,
		log:                   log,
	}
}

// Run executes the scheduler until the command pipe closes, ctx is
// cancelled, or — if timeout is positive — the overall timeout elapses.
// A zero timeout means "no overall deadline".
func (l *Loop) Run(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	hasDeadline := timeout > 0

	for {
		select {
		case <-l.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		if hasDeadline && now.Sub(start) >= timeout {
			return nil
		}

		if now.Sub(l.lastUpdateRequest) >= l.UpdateRequestInterval {
			if scr := l.registry.CurrentScreen(); scr != nil {
				if err := scr.RequestScreenUpdate(); err != nil {
					l.log.Warn().Err(err).Msg("request_screen_update failed")
				}
			}
			l.lastUpdateRequest = now
		}

		if l.stall != nil && l.stall.ShouldStall(now, l.ScreenshotInterval, l.lastScreenshot) {
			l.stall.MarkStall()
		}

		if now.Sub(l.lastScreenshot) >= l.ScreenshotInterval {
			if _, err := l.capturer.CaptureOne(); err != nil {
				return fmt.Errorf("capture screenshot: %w", err)
			}
			l.lastScreenshot = now
		}

		sleepFor := l.sleepFor(now, start, timeout, hasDeadline)

		timer := time.NewTimer(sleepFor)
		select {
		case req, ok := <-l.requests:
			timer.Stop()
			if !ok {
				return nil
			}
			if err := l.dispatch(req); err != nil {
				return err
			}
		case <-timer.C:
		case <-l.closed:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (l *Loop) sleepFor(now, start time.Time, timeout time.Duration, hasDeadline bool) time.Duration {
	toUpdate := l.UpdateRequestInterval - now.Sub(l.lastUpdateRequest)
	toScreenshot := l.ScreenshotInterval - now.Sub(l.lastScreenshot)

	sleep := minPositive(toUpdate, toScreenshot)
	if hasDeadline {
		toTimeout := timeout - now.Sub(start)
		sleep = minPositive(sleep, toTimeout)
	}
	if sleep <= 0 {
		return time.Millisecond
	}
	return sleep
}

func minPositive(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
