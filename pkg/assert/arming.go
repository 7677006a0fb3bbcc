package assert

import (
	"time"

	"github.com/kinderp/os-autoinst/pkg/needle"
)

// LastCheck remembers the (filename, ratio) of the last attempted match
// so a poll against an unchanged frame at an equal-or-weaker ratio can be
// skipped cheaply.
type LastCheck struct {
	Filename string
	Ratio    float64
}

// Arming is the state of one in-progress assertion: the expanded needle
// set, its deadline, and the accumulated failure history.
type Arming struct {
	Needles       []needle.Needle
	Tags          []string
	MustMatchID   string
	ArmedAt       time.Time
	Deadline      time.Time
	LastCheck     *LastCheck
	Fails         []FailedMatch
	StallDetected bool
	ReloadNeedles bool
	Polled        bool
}
