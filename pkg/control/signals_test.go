package control

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSignalsPresence(t *testing.T) {
	dir := t.TempDir()
	sig := NewFileSignals(dir)

	assert.False(t, sig.StopWaitForNeedle())
	assert.False(t, sig.ContinueWaitForNeedle())

	require.NoError(t, sig.CreateStopWaitForNeedle())
	assert.True(t, sig.StopWaitForNeedle())

	// Idempotent: creating twice must not error.
	require.NoError(t, sig.CreateStopWaitForNeedle())

	require.NoError(t, sig.RemoveContinueWaitForNeedle())
}

func TestFileSignalsRemoveStopWaitForNeedleUndoesFreeze(t *testing.T) {
	dir := t.TempDir()
	sig := NewFileSignals(dir)

	require.NoError(t, sig.CreateStopWaitForNeedle())
	assert.True(t, sig.StopWaitForNeedle())

	require.NoError(t, sig.RemoveStopWaitForNeedle())
	assert.False(t, sig.StopWaitForNeedle())

	// Removing when already absent must not error.
	require.NoError(t, sig.RemoveStopWaitForNeedle())
}

func TestFileSignalsPaths(t *testing.T) {
	dir := t.TempDir()
	sig := NewFileSignals(dir)
	assert.Equal(t, filepath.Join(dir, "stop_waitforneedle"), sig.StopPath)
	assert.Equal(t, filepath.Join(dir, "continue_waitforneedle"), sig.ContinuePath)
}
