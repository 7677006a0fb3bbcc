package serial

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSetOffsetRoundTripEmptyWhenNoGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial0")
	writeFile(t, path, "hello world\n")

	tail := New(path, zerolog.New(io.Discard))
	_, err := tail.SetOffset()
	require.NoError(t, err)

	text, err := tail.Text()
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestTextReturnsBytesSinceOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial0")
	writeFile(t, path, "AAAA")

	tail := New(path, zerolog.New(io.Discard))
	_, err := tail.SetOffset()
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("BBBB")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	text, err := tail.Text()
	require.NoError(t, err)
	assert.Equal(t, "BBBB", text)
}

func TestWaitMatchesAfterRefreshAndAdvancesOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial0")
	writeFile(t, path, "")

	tail := New(path, zerolog.New(io.Discard))
	_, err := tail.SetOffset()
	require.NoError(t, err)

	patterns := []*regexp.Regexp{regexp.MustCompile("BOOT OK")}
	texts := []string{"BOOT OK"}

	appended := false
	pump := func(_, _ time.Duration) {
		if !appended {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			require.NoError(t, err)
			_, err = f.WriteString("kernel init...BOOT OK\n")
			require.NoError(t, err)
			require.NoError(t, f.Close())
			appended = true
		}
	}

	result, err := tail.Wait(patterns, texts, 5*time.Second, pump)
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Contains(t, result.String, "BOOT OK")
	assert.Equal(t, "BOOT OK", result.Pattern)

	size, err := tail.size()
	require.NoError(t, err)
	assert.Equal(t, size, tail.Offset())
}

func TestWaitTimesOutWithoutMatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial0")
	writeFile(t, path, "nothing interesting\n")

	tail := New(path, zerolog.New(io.Discard))
	_, err := tail.SetOffset()
	require.NoError(t, err)

	patterns := []*regexp.Regexp{regexp.MustCompile("NEVER MATCHES")}
	texts := []string{"NEVER MATCHES"}

	pumped := 0
	pump := func(_, _ time.Duration) { pumped++ }

	result, err := tail.Wait(patterns, texts, 50*time.Millisecond, pump)
	require.NoError(t, err)
	assert.False(t, result.Matched)
}

func TestOffsetNeverDecreasesExceptExplicitReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial0")
	writeFile(t, path, "one\ntwo\nthree\n")

	tail := New(path, zerolog.New(io.Discard))
	first, err := tail.SetOffset()
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("four\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = tail.Text()
	require.NoError(t, err)
	assert.Equal(t, first, tail.Offset())
}
