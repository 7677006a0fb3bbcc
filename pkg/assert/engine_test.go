package assert

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinderp/os-autoinst/pkg/control"
	"github.com/kinderp/os-autoinst/pkg/imgref"
	"github.com/kinderp/os-autoinst/pkg/needle"
)

func solidFrame(v uint8) *imgref.ImageRef {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return imgref.New(img)
}

func writeNeedle(t *testing.T, dir, name string, tags []string, v uint8) {
	t.Helper()
	ref := solidFrame(v)
	require.NoError(t, ref.Write(filepath.Join(dir, name+".png")))
	doc := `{"name":"` + name + `","tags":[`
	for i, tag := range tags {
		if i > 0 {
			doc += ","
		}
		doc += `"` + tag + `"`
	}
	doc += `],"image":"` + name + `.png","area_x":0,"area_y":0,"area_w":32,"area_h":32}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(doc), 0o644))
}

func newEngineWithNeedles(t *testing.T, defaultTimeout time.Duration) (*Engine, *control.FakeSignals, string) {
	dir := t.TempDir()
	set, err := needle.NewSet(dir, zerolog.New(io.Discard))
	require.NoError(t, err)
	signals := &control.FakeSignals{}
	e := New(set, signals, zerolog.New(io.Discard), defaultTimeout)
	return e, signals, dir
}

func TestSetTagsToAssertWithNoNeedlesArmsAnyway(t *testing.T) {
	e, _, _ := newEngineWithNeedles(t, time.Second)
	tags := e.SetTagsToAssert([]string{"nope"}, time.Second, false)
	assert.Equal(t, []string{"nope"}, tags)
	assert.True(t, e.Armed())
}

func TestColdStartNoNeedleQuickTimeout(t *testing.T) {
	e, _, _ := newEngineWithNeedles(t, time.Second)
	e.SetTagsToAssert([]string{"nope"}, time.Second, false)

	frame := &Frame{Image: solidFrame(10), Filename: "shot-0000000001.png"}
	past := time.Now().Add(2 * time.Second)
	result, err := e.CheckAssertedScreen(frame, past)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	require.Len(t, result.FailedScreens, 1)
	assert.Equal(t, "shot-0000000001.png", result.FailedScreens[0].Filename)
	assert.False(t, e.Armed())
}

func TestMatchOnSecondPollNoFailsRecorded(t *testing.T) {
	e, _, dir := newEngineWithNeedles(t, 10*time.Second)
	writeNeedle(t, dir, "login", []string{"login"}, 200)
	set, err := needle.NewSet(dir, zerolog.New(io.Discard))
	require.NoError(t, err)
	e.needles = set

	e.SetTagsToAssert([]string{"login"}, 10*time.Second, false)

	armedAt := time.Now()
	// First poll: non-matching frame, partial ratio (n not a multiple of
	// 5 in general) -> pending.
	f1 := &Frame{Image: solidFrame(10), Filename: "shot-0000000001.png"}
	r1, err := e.CheckAssertedScreen(f1, armedAt.Add(1*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r1.Status)
	assert.Empty(t, e.current.Fails)

	// Second poll: matching frame.
	f2 := &Frame{Image: solidFrame(200), Filename: "shot-0000000002.png"}
	r2, err := e.CheckAssertedScreen(f2, armedAt.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusMatch, r2.Status)
	require.NotNil(t, r2.Found)
	assert.Equal(t, "login", r2.Found.Name)
	assert.False(t, e.Armed())
}

func TestInteractiveFreezeWithoutDisarming(t *testing.T) {
	e, signals, _ := newEngineWithNeedles(t, 10*time.Second)
	e.SetInteractive(true)
	e.SetTagsToAssert([]string{"nope"}, 10*time.Second, false)
	signals.Stop = true

	frame := &Frame{Image: solidFrame(10), Filename: "shot-0000000001.png"}
	result, err := e.CheckAssertedScreen(frame, time.Now().Add(1*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingForNeedle, result.Status)
	assert.True(t, e.Armed())
}

func TestStallDuringTimeoutIsFatal(t *testing.T) {
	e, _, _ := newEngineWithNeedles(t, time.Second)
	e.SetTagsToAssert([]string{"nope"}, time.Second, false)
	e.MarkStall()

	frame := &Frame{Image: solidFrame(10), Filename: "shot-0000000001.png"}
	_, err := e.CheckAssertedScreen(frame, time.Now().Add(2*time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStallDuringAssert)
	assert.False(t, e.Armed())
}

func TestSkipsRepeatedCheckAtSameOrWeakerRatio(t *testing.T) {
	e, _, _ := newEngineWithNeedles(t, 100*time.Second)
	e.SetTagsToAssert([]string{"nope"}, 100*time.Second, false)

	armedAt := time.Now()
	frame := &Frame{Image: solidFrame(10), Filename: "shot-0000000001.png"}

	// n at 99s -> not multiple of 5 -> ratio 0.02.
	_, err := e.CheckAssertedScreen(frame, armedAt.Add(1*time.Second))
	require.NoError(t, err)

	// Same filename, same-or-weaker ratio again (still 0.02 given elapsed
	// seconds not a multiple of 5) -> must be skipped (no panic, pending).
	result, err := e.CheckAssertedScreen(frame, armedAt.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, result.Status)
}

func TestFailsListNeverExceedsSoftCap(t *testing.T) {
	e, _, _ := newEngineWithNeedles(t, 1000*time.Second)
	e.SetTagsToAssert([]string{"nope"}, 1000*time.Second, false)

	deadline := e.current.Deadline
	for i := 0; i < 80; i++ {
		// Force ratio 1.0 every poll by landing exactly on 5-second
		// boundaries before the deadline, and alternate black/white so
		// similarity filtering (push only if sim < 30) keeps every candidate.
		v := uint8(0)
		if i%2 == 1 {
			v = 255
		}
		frame := &Frame{Image: solidFrame(v), Filename: fmt.Sprintf("shot-%010d.png", i+1)}
		at := deadline.Add(-time.Duration(1000-i*5) * time.Second)
		_, err := e.CheckAssertedScreen(frame, at)
		require.NoError(t, err)
		if e.current != nil {
			assert.LessOrEqual(t, len(e.current.Fails), 60)
		}
	}
}
