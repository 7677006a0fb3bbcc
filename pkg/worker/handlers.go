package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/kinderp/os-autoinst/pkg/assert"
	"github.com/kinderp/os-autoinst/pkg/console"
	"github.com/kinderp/os-autoinst/pkg/imgref"
	"github.com/kinderp/os-autoinst/pkg/wire"
)

func registerHandlers(e *Engine, d *wire.Dispatcher) {
	d.Handle(wire.CmdStartVM, func(json.RawMessage) (any, error) {
		return struct{}{}, e.StartVM(context.Background())
	})
	d.Handle(wire.CmdStopVM, func(json.RawMessage) (any, error) {
		return struct{}{}, e.StopVM(context.Background())
	})
	d.Handle(wire.CmdAlive, func(json.RawMessage) (any, error) {
		return e.Alive(context.Background()), nil
	})

	d.Handle(wire.CmdSelectConsole, func(raw json.RawMessage) (any, error) {
		var args struct {
			TestAPIConsole string `json:"testapi_console"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("select_console: %w", err)
		}
		activated, err := e.registry.Select(args.TestAPIConsole)
		if err != nil {
			return nil, err
		}
		return struct {
			Activated bool `json:"activated"`
		}{Activated: activated}, nil
	})

	d.Handle(wire.CmdResetConsole, func(raw json.RawMessage) (any, error) {
		var args struct {
			TestAPIConsole string `json:"testapi_console"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("reset_console: %w", err)
		}
		return struct{}{}, e.registry.Reset(args.TestAPIConsole)
	})

	d.Handle(wire.CmdDeactivateConsole, func(raw json.RawMessage) (any, error) {
		var args struct {
			TestAPIConsole string `json:"testapi_console"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("deactivate_console: %w", err)
		}
		return struct{}{}, e.registry.Deactivate(args.TestAPIConsole)
	})

	d.Handle(wire.CmdSendKey, func(raw json.RawMessage) (any, error) {
		var args struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("send_key: %w", err)
		}
		return struct{}{}, forwardScreen(e, func(scr console.Screen) error {
			return scr.SendKey(args.Key)
		})
	})

	d.Handle(wire.CmdTypeString, func(raw json.RawMessage) (any, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("type_string: %w", err)
		}
		return struct{}{}, forwardScreen(e, func(scr console.Screen) error {
			return scr.TypeString(args.Text)
		})
	})

	d.Handle(wire.CmdMouseSet, func(raw json.RawMessage) (any, error) {
		var args struct {
			X int `json:"x"`
			Y int `json:"y"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("mouse_set: %w", err)
		}
		return struct{}{}, forwardScreen(e, func(scr console.Screen) error {
			return scr.MouseSet(args.X, args.Y)
		})
	})

	d.Handle(wire.CmdMouseHide, func(raw json.RawMessage) (any, error) {
		var args struct {
			BorderOffset int `json:"border_offset"`
		}
		_ = json.Unmarshal(raw, &args)
		return struct{}{}, forwardScreen(e, func(scr console.Screen) error {
			return scr.MouseHide(args.BorderOffset)
		})
	})

	d.Handle(wire.CmdMouseButton, func(raw json.RawMessage) (any, error) {
		var args struct {
			Button string `json:"button"`
			BState bool   `json:"bstate"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("mouse_button: %w", err)
		}
		return struct{}{}, forwardScreen(e, func(scr console.Screen) error {
			return scr.MouseButton(args.Button, args.BState)
		})
	})

	d.Handle(wire.CmdCaptureScreenshot, func(json.RawMessage) (any, error) {
		_, err := e.CaptureOne()
		return struct{}{}, err
	})

	d.Handle(wire.CmdLastScreenshotName, func(json.RawMessage) (any, error) {
		return struct {
			Filename string `json:"filename"`
		}{Filename: e.pipeline.LastScreenshotName()}, nil
	})

	d.Handle(wire.CmdSetReferenceScreenshot, func(json.RawMessage) (any, error) {
		e.referenceImage = e.pipeline.LastImage()
		return struct{}{}, nil
	})

	d.Handle(wire.CmdSimilarityToReference, func(json.RawMessage) (any, error) {
		sim := 10000
		if e.referenceImage != nil {
			sim = imgref.Similarity(e.referenceImage, e.pipeline.LastImage())
		}
		return struct {
			Sim int `json:"sim"`
		}{Sim: sim}, nil
	})

	d.Handle(wire.CmdSetTagsToAssert, func(raw json.RawMessage) (any, error) {
		var args struct {
			MustMatch     json.RawMessage `json:"mustmatch"`
			Timeout       float64         `json:"timeout"`
			ReloadNeedles bool            `json:"reloadneedles"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("set_tags_to_assert: %w", err)
		}
		tags := parseMustMatch(args.MustMatch)
		timeout := time.Duration(args.Timeout * float64(time.Second))
		result := e.asserter.SetTagsToAssert(tags, timeout, args.ReloadNeedles)
		return struct {
			Tags []string `json:"tags"`
		}{Tags: result}, nil
	})

	d.Handle(wire.CmdCheckAssertedScreen, func(json.RawMessage) (any, error) {
		return checkAssertedScreenResult(e), nil
	})

	d.Handle(wire.CmdInteractiveAssert, func(raw json.RawMessage) (any, error) {
		var args struct {
			Interactive bool `json:"interactive"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("interactive_assert_screen: %w", err)
		}
		e.asserter.SetInteractive(args.Interactive)
		return struct{}{}, nil
	})

	d.Handle(wire.CmdStopAssertScreen, func(json.RawMessage) (any, error) {
		e.asserter.StopAssertScreen()
		return struct{}{}, nil
	})

	d.Handle(wire.CmdRetryAssertScreen, func(raw json.RawMessage) (any, error) {
		var args struct {
			ReloadNeedles bool    `json:"reload_needles"`
			Timeout       float64 `json:"timeout"`
		}
		_ = json.Unmarshal(raw, &args)
		timeout := time.Duration(args.Timeout * float64(time.Second))
		tags := e.asserter.RetryAssertScreen(args.ReloadNeedles, timeout)
		return struct {
			Tags []string `json:"tags"`
		}{Tags: tags}, nil
	})

	d.Handle(wire.CmdSetSerialOffset, func(json.RawMessage) (any, error) {
		offset, err := e.tail.SetOffset()
		if err != nil {
			return nil, err
		}
		return offset, nil
	})

	d.Handle(wire.CmdSerialText, func(json.RawMessage) (any, error) {
		return e.tail.Text()
	})

	d.Handle(wire.CmdWaitSerial, func(raw json.RawMessage) (any, error) {
		var args struct {
			Regexp  json.RawMessage `json:"regexp"`
			Timeout float64         `json:"timeout"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("wait_serial: %w", err)
		}
		patterns, texts, err := parseRegexps(args.Regexp)
		if err != nil {
			return nil, fmt.Errorf("wait_serial: %w", err)
		}
		timeout := time.Duration(args.Timeout * float64(time.Second))
		result, err := e.tail.Wait(patterns, texts, timeout, e.pump)
		if err != nil {
			return nil, err
		}
		return struct {
			Matched bool   `json:"matched"`
			String  string `json:"string"`
		}{Matched: result.Matched, String: result.String}, nil
	})

	d.Handle(wire.CmdWaitIdle, func(raw json.RawMessage) (any, error) {
		var args struct {
			Timeout float64 `json:"timeout"`
		}
		_ = json.Unmarshal(raw, &args)
		timeout := time.Duration(args.Timeout * float64(time.Second))
		e.waitIdle(timeout)
		return struct{}{}, nil
	})

	d.Handle(wire.CmdFreezeVM, func(json.RawMessage) (any, error) {
		return struct{}{}, e.signals.CreateStopWaitForNeedle()
	})

	d.Handle(wire.CmdContVM, func(json.RawMessage) (any, error) {
		return struct{}{}, e.signals.RemoveStopWaitForNeedle()
	})

	d.Handle(wire.CmdProxyConsoleCall, func(raw json.RawMessage) (any, error) {
		var args struct {
			Console  string `json:"console"`
			Function string `json:"function"`
			Args     []any  `json:"args"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("proxy_console_call: %w", err)
		}
		return e.registry.ProxyCall(args.Console, args.Function, args.Args), nil
	})
}

func forwardScreen(e *Engine, fn func(console.Screen) error) error {
	scr := e.registry.CurrentScreen()
	if scr == nil {
		return nil
	}
	return fn(scr)
}

func checkAssertedScreenResult(e *Engine) assert.CheckResult {
	var frame *assert.Frame
	if img := e.pipeline.LastImage(); img != nil {
		frame = &assert.Frame{Image: img, Filename: e.pipeline.LastScreenshotName()}
	}
	result, err := e.asserter.CheckAssertedScreen(frame, time.Now())
	if err != nil {
		e.CrashHook(err)
	}
	return result
}

// pump re-enters the capture loop for a short burst, keeping the
// screenshot/video stream alive while wait_serial/wait_idle block on
// something other than a command.
func (e *Engine) pump(timeout, updateRequestInterval time.Duration) {
	if e.loop == nil {
		return
	}
	saved := e.loop.UpdateRequestInterval
	e.loop.UpdateRequestInterval = updateRequestInterval
	defer func() { e.loop.UpdateRequestInterval = saved }()
	_ = e.loop.Run(context.Background(), timeout)
}

// waitIdle pumps the capture loop in 1s bursts until timeout elapses or
// two consecutive captured frames come back near-identical (sim >= 9900),
// taken as the SUT having gone idle.
func (e *Engine) waitIdle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	var prev *imgref.ImageRef
	for time.Now().Before(deadline) {
		e.pump(1*time.Second, 190*time.Millisecond)
		cur := e.pipeline.LastImage()
		if prev != nil && cur != nil && imgref.Similarity(prev, cur) >= 9900 {
			return
		}
		prev = cur
	}
}

// parseMustMatch accepts either a single tag string or a JSON array of
// tag strings, matching set_tags_to_assert's (a) single-name / (b) list
// input shapes (spec.md §4.3).
func parseMustMatch(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

// parseRegexps accepts either a single pattern string or a JSON array of
// pattern strings (spec.md §4.5: "one or a list of patterns").
func parseRegexps(raw json.RawMessage) ([]*regexp.Regexp, []string, error) {
	var texts []string
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		texts = []string{single}
	} else {
		if err := json.Unmarshal(raw, &texts); err != nil {
			return nil, nil, fmt.Errorf("decode regexp argument: %w", err)
		}
	}

	patterns := make([]*regexp.Regexp, len(texts))
	for i, t := range texts {
		re, err := regexp.Compile(t)
		if err != nil {
			return nil, nil, fmt.Errorf("compile pattern %q: %w", t, err)
		}
		patterns[i] = re
	}
	return patterns, texts, nil
}
