// Package control abstracts the filesystem-based interactive handshake
// used to freeze/continue the SUT for human inspection during a failing
// assertion, so the rest of the engine can be tested in-memory.
package control

import "os"

// Signals reports presence of the two control files that drive the
// interactive freeze/continue handshake. Existence is the entire signal;
// content is never read.
type Signals interface {
	// StopWaitForNeedle reports whether the runner has asked to freeze on
	// the next non-matching poll.
	StopWaitForNeedle() bool

	// ContinueWaitForNeedle reports whether the runner has asked to resume
	// a frozen assertion.
	ContinueWaitForNeedle() bool

	// CreateStopWaitForNeedle creates the stop file if it does not already
	// exist. Safe to call when it already exists.
	CreateStopWaitForNeedle() error

	// RemoveStopWaitForNeedle removes the stop file, ignoring absence. This
	// is the freeze_vm undo path: cont_vm calls it to release a VM parked
	// by freeze_vm.
	RemoveStopWaitForNeedle() error

	// RemoveContinueWaitForNeedle removes the continue file, ignoring
	// absence.
	RemoveContinueWaitForNeedle() error
}

// FileSignals implements Signals against real control files on disk.
type FileSignals struct {
	StopPath     string
	ContinuePath string
}

// NewFileSignals builds a FileSignals rooted at dir, using the
// conventional file names.
func NewFileSignals(dir string) *FileSignals {
	return &FileSignals{
		StopPath:     dir + "/stop_waitforneedle",
		ContinuePath: dir + "/continue_waitforneedle",
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (f *FileSignals) StopWaitForNeedle() bool {
	return exists(f.StopPath)
}

func (f *FileSignals) ContinueWaitForNeedle() bool {
	return exists(f.ContinuePath)
}

func (f *FileSignals) CreateStopWaitForNeedle() error {
	if exists(f.StopPath) {
		return nil
	}
	file, err := os.Create(f.StopPath)
	if err != nil {
		return err
	}
	return file.Close()
}

func (f *FileSignals) RemoveStopWaitForNeedle() error {
	err := os.Remove(f.StopPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileSignals) RemoveContinueWaitForNeedle() error {
	err := os.Remove(f.ContinuePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
