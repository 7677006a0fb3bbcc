// Package serial implements offset-based tailing of the SUT's serial
// console log (spec.md §4.5): set/read offset, and regex-gated waiting
// that cooperatively re-enters a capture pump between reads.
package serial

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// Pump is invoked between serial-log reads inside Wait so the screenshot
// and video stream keep advancing while a wait is in progress, the way
// wait_serial re-enters the capture loop in short bursts.
type Pump func(timeout, updateRequestInterval time.Duration)

const (
	pumpBurst         = 1 * time.Second
	pumpUpdateCadence = 190 * time.Millisecond
)

// Tail tracks a byte offset into an append-only serial log file.
type Tail struct {
	path   string
	offset int64
	log    zerolog.Logger
}

// New builds a Tail over the log file at path, with offset 0.
func New(path string, log zerolog.Logger) *Tail {
	return &Tail{path: path, log: log}
}

// Offset returns the current read offset.
func (t *Tail) Offset() int64 {
	return t.offset
}

// SetOffset resets the offset to the current end of the log file and
// returns the new offset (P5: never decreases except by this explicit
// reset).
func (t *Tail) SetOffset() (int64, error) {
	size, err := t.size()
	if err != nil {
		return 0, fmt.Errorf("stat serial file %s: %w", t.path, err)
	}
	t.offset = size
	return t.offset, nil
}

// Text returns the bytes from the current offset to EOF without
// advancing the offset.
func (t *Tail) Text() (string, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open serial file %s: %w", t.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, 0); err != nil {
		return "", fmt.Errorf("seek serial file %s: %w", t.path, err)
	}
	data, err := readAll(f)
	if err != nil {
		return "", fmt.Errorf("read serial file %s: %w", t.path, err)
	}
	return string(data), nil
}

// Result is wait_serial's return value: whether any pattern matched, the
// last tail text read, and the textual form of whichever pattern
// matched.
type Result struct {
	Matched bool
	String  string
	Pattern string
}

// Wait polls the tail text against patterns, in order, until a match or
// timeout elapses. Between reads it re-enters pump for a short burst so
// the capture loop keeps advancing. On return — match or timeout — the
// offset is advanced to the current end of file.
func (t *Tail) Wait(patterns []*regexp.Regexp, patternText []string, timeout time.Duration, pump Pump) (Result, error) {
	deadline := time.Now().Add(timeout)

	var lastText string
	for {
		text, err := t.Text()
		if err != nil {
			return Result{}, err
		}
		lastText = text

		for i, re := range patterns {
			if re.MatchString(text) {
				if advErr := t.advanceToEOF(); advErr != nil {
					return Result{}, advErr
				}
				return Result{Matched: true, String: text, Pattern: patternText[i]}, nil
			}
		}

		if !time.Now().Before(deadline) {
			break
		}

		if pump != nil {
			pump(pumpBurst, pumpUpdateCadence)
		}
	}

	if err := t.advanceToEOF(); err != nil {
		return Result{}, err
	}
	return Result{Matched: false, String: lastText}, nil
}

func (t *Tail) advanceToEOF() error {
	size, err := t.size()
	if err != nil {
		return fmt.Errorf("stat serial file %s: %w", t.path, err)
	}
	t.offset = size
	return nil
}

func (t *Tail) size() (int64, error) {
	info, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

func readAll(f *os.File) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}
