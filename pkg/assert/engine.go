// Package assert implements the needle-matching state machine: arming,
// adaptive-ratio polling, interactive freeze/continue, and failure-frame
// summarization on timeout (spec.md §4.3/§4.4).
package assert

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kinderp/os-autoinst/pkg/control"
	"github.com/kinderp/os-autoinst/pkg/imgref"
	"github.com/kinderp/os-autoinst/pkg/needle"
)

// ErrStallDuringAssert is returned by CheckAssertedScreen when a stall was
// flagged and the assertion has also timed out — the caller must write
// the crash marker and terminate fatally.
var ErrStallDuringAssert = errors.New("stall detected during active assertion")

// Status is the outcome kind of a poll.
type Status string

const (
	StatusPending          Status = "pending"
	StatusMatch            Status = "match"
	StatusTimeout          Status = "timeout"
	StatusWaitingForNeedle Status = "waiting_for_needle"
)

// Frame is the minimal shape CheckAssertedScreen needs from the most
// recently captured screenshot.
type Frame struct {
	Image    *imgref.ImageRef
	Filename string
}

// CheckResult is check_asserted_screen's return value.
type CheckResult struct {
	Status        Status
	Filename      string
	Found         *imgref.Needle
	Candidates    []imgref.Candidate
	FailedScreens []FailedMatch
}

// Engine is the assertion state machine: none, or one active Arming.
type Engine struct {
	needles        *needle.Set
	signals        control.Signals
	log            zerolog.Logger
	interactive    bool
	defaultTimeout time.Duration

	current *Arming
}

// New builds an Engine backed by the given needle set and control
// signals, with defaultTimeout used when set_tags_to_assert omits one.
func New(needles *needle.Set, signals control.Signals, log zerolog.Logger, defaultTimeout time.Duration) *Engine {
	return &Engine{needles: needles, signals: signals, log: log, defaultTimeout: defaultTimeout}
}

// SetInteractive toggles interactive_mode.
func (e *Engine) SetInteractive(interactive bool) {
	e.interactive = interactive
}

// Armed reports whether an assertion is currently in progress.
func (e *Engine) Armed() bool {
	return e.current != nil
}

// SetTagsToAssert arms a new assertion: input tag atoms (already split
// from either a single name or a list) are normalized, expanded against
// the needle set (recursively, BFS), and used to start a fresh Arming.
// Returns the normalized tag list for the caller to log.
func (e *Engine) SetTagsToAssert(input []string, timeout time.Duration, reloadNeedles bool) []string {
	if reloadNeedles {
		if err := e.needles.Reload(); err != nil {
			e.log.Warn().Err(err).Msg("reloading needles before arming failed")
		}
	}
	tags := needle.NormalizeTags(input)
	needles := e.needles.ExpandTags(tags)
	if len(needles) == 0 {
		e.log.Warn().Strs("tags", tags).Msg("no needles matched requested tag set; arming anyway")
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	now := time.Now()
	e.current = &Arming{
		Needles:       needles,
		Tags:          tags,
		MustMatchID:   needle.MustMatchID(tags),
		ArmedAt:       now,
		Deadline:      now.Add(timeout),
		ReloadNeedles: reloadNeedles,
	}
	return tags
}

// StopAssertScreen disarms unconditionally without producing a result.
func (e *Engine) StopAssertScreen() {
	e.current = nil
}

// RetryAssertScreen re-arms the current tag set (or, if none, a no-op)
// with a fresh deadline and reload flag.
func (e *Engine) RetryAssertScreen(reloadNeedles bool, timeout time.Duration) []string {
	if e.current == nil {
		return nil
	}
	return e.SetTagsToAssert(e.current.Tags, timeout, reloadNeedles)
}

// MarkStall flags the active arming as stalled, consumed by the next
// timeout poll.
func (e *Engine) MarkStall() {
	if e.current != nil {
		e.current.StallDetected = true
	}
}

// ShouldStall reports whether an assertion is armed, has been polled at
// least once, and the capture loop has gone more than 20 screenshot
// intervals without a capture attempt (spec.md §4.1 step 4).
func (e *Engine) ShouldStall(now time.Time, screenshotInterval time.Duration, lastScreenshot time.Time) bool {
	if e.current == nil || !e.current.Polled {
		return false
	}
	return now.Sub(lastScreenshot) > 20*screenshotInterval
}

// CheckAssertedScreen polls the current arming against frame, the most
// recently captured screenshot (nil if none has been captured yet).
func (e *Engine) CheckAssertedScreen(frame *Frame, now time.Time) (CheckResult, error) {
	if e.current == nil {
		return CheckResult{Status: StatusPending}, nil
	}
	if frame == nil {
		return CheckResult{Status: StatusPending}, nil
	}

	arming := e.current
	arming.Polled = true
	n := arming.Deadline.Sub(now)
	nSeconds := int(n.Seconds())

	var ratio float64
	switch {
	case nSeconds < 0:
		ratio = 1.0
	case nSeconds%5 == 0:
		ratio = 1.0
	default:
		ratio = 0.02
	}

	if arming.LastCheck != nil && arming.LastCheck.Filename == frame.Filename && arming.LastCheck.Ratio >= ratio {
		return CheckResult{Status: StatusPending}, nil
	}

	searchResult := imgref.Search(frame.Image, toImgrefNeedles(arming.Needles), 0, ratio)

	if e.interactive && e.signals.StopWaitForNeedle() && !arming.ReloadNeedles {
		return CheckResult{
			Status:     StatusWaitingForNeedle,
			Filename:   frame.Filename,
			Candidates: searchResult.FailedCandidates,
		}, nil
	}

	if searchResult.Found != nil {
		if e.signals.ContinueWaitForNeedle() {
			_ = e.signals.RemoveContinueWaitForNeedle()
		}
		e.current = nil
		return CheckResult{
			Status:     StatusMatch,
			Filename:   frame.Filename,
			Found:      searchResult.Found,
			Candidates: searchResult.FailedCandidates,
		}, nil
	}

	if nSeconds < 0 {
		return e.handleTimeout(arming, frame, searchResult)
	}

	if ratio == 1.0 {
		e.sampleFailure(arming, frame, searchResult, nSeconds)
	}
	arming.LastCheck = &LastCheck{Filename: frame.Filename, Ratio: ratio}
	return CheckResult{Status: StatusPending}, nil
}

func (e *Engine) handleTimeout(arming *Arming, frame *Frame, sr imgref.SearchResult) (CheckResult, error) {
	if e.interactive && !e.signals.ContinueWaitForNeedle() {
		if !e.signals.StopWaitForNeedle() {
			_ = e.signals.CreateStopWaitForNeedle()
		}
		return CheckResult{
			Status:     StatusWaitingForNeedle,
			Filename:   frame.Filename,
			Candidates: sr.FailedCandidates,
		}, nil
	}

	if arming.StallDetected {
		e.current = nil
		return CheckResult{}, fmt.Errorf("assertion %s: %w", arming.MustMatchID, ErrStallDuringAssert)
	}

	sentinel := FailedMatch{
		Frame:                frame.Image,
		Filename:             frame.Filename,
		FailedCandidates:     sr.FailedCandidates,
		AgeAtCapture:         0,
		SimilarityToPrevKept: 1000,
	}
	arming.Fails = append(arming.Fails, sentinel)
	result := summarize(arming.Fails)

	e.current = nil
	return CheckResult{Status: StatusTimeout, FailedScreens: result}, nil
}

// sampleFailure implements the "Failure sampling" rule: only push a
// failure frame if it is visually distinct enough from the last one kept,
// and keep the accumulator bounded.
func (e *Engine) sampleFailure(arming *Arming, frame *Frame, sr imgref.SearchResult, nSeconds int) {
	sim := 29
	if len(arming.Fails) > 0 && nSeconds > 0 {
		last := arming.Fails[len(arming.Fails)-1]
		if last.Frame != nil {
			sim = imgref.Similarity(last.Frame, frame.Image)
		}
	}
	if sim >= 30 {
		return
	}

	similarityToPrevKept := 0
	if len(arming.Fails) > 0 {
		last := arming.Fails[len(arming.Fails)-1]
		if last.Frame != nil {
			similarityToPrevKept = imgref.Similarity(last.Frame, frame.Image)
		}
	}

	arming.Fails = append(arming.Fails, FailedMatch{
		Frame:                frame.Image,
		Filename:             frame.Filename,
		FailedCandidates:     sr.FailedCandidates,
		AgeAtCapture:         time.Since(arming.ArmedAt),
		SimilarityToPrevKept: similarityToPrevKept,
	})

	if len(arming.Fails) > failsSoftCap {
		arming.Fails = reduce(arming.Fails, reducerTarget)
	}
}

func toImgrefNeedles(needles []needle.Needle) []imgref.Needle {
	out := make([]imgref.Needle, len(needles))
	for i, n := range needles {
		out[i] = imgref.Needle{Name: n.Name, Image: n.Image, Area: n.Area}
	}
	return out
}
