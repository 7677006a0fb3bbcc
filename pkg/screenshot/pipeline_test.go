package screenshot

import (
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinderp/os-autoinst/pkg/encoder"
	"github.com/kinderp/os-autoinst/pkg/imgref"
)

func grayFrame(v uint8) *imgref.ImageRef {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return imgref.New(img)
}

func TestCaptureFirstFrameAlwaysWrites(t *testing.T) {
	dir := t.TempDir()
	enc := &encoder.RecordingEncoder{}
	p := New(dir, enc, zerolog.New(io.Discard))

	frame, err := p.Capture(grayFrame(255))
	require.NoError(t, err)
	assert.True(t, frame.Written)
	assert.Equal(t, uint64(1), frame.Seq)
	assert.FileExists(t, filepath.Join(dir, "shot-0000000001.png"))

	require.Len(t, enc.Directives, 1)
	assert.Equal(t, "E", enc.Directives[0].Kind)
}

func TestCaptureDedupAndEncoderDirectives(t *testing.T) {
	dir := t.TempDir()
	enc := &encoder.RecordingEncoder{}
	p := New(dir, enc, zerolog.New(io.Discard))

	// Frame 1: no previous -> written, Encode.
	f1, err := p.Capture(grayFrame(0))
	require.NoError(t, err)
	assert.True(t, f1.Written)

	// Frame 2: drastically different from frame 1 -> low similarity,
	// written, Encode.
	f2, err := p.Capture(grayFrame(255))
	require.NoError(t, err)
	assert.True(t, f2.Written)

	// Frame 3: identical to frame 2 -> maximal similarity, not written,
	// Repeat.
	f3, err := p.Capture(grayFrame(255))
	require.NoError(t, err)
	assert.False(t, f3.Written)

	require.Len(t, enc.Directives, 3)
	assert.Equal(t, "E", enc.Directives[0].Kind)
	assert.Equal(t, "E", enc.Directives[1].Kind)
	assert.Equal(t, "R", enc.Directives[2].Kind)
}

func TestSequenceNumbersMonotone(t *testing.T) {
	dir := t.TempDir()
	enc := &encoder.RecordingEncoder{}
	p := New(dir, enc, zerolog.New(io.Discard))

	var prevSeq uint64
	for i := 0; i < 3; i++ {
		f, err := p.Capture(grayFrame(uint8(i * 80)))
		require.NoError(t, err)
		assert.Greater(t, f.Seq, prevSeq)
		prevSeq = f.Seq
	}
}

func TestLastPNGSymlinkTracksMostRecentWrite(t *testing.T) {
	dir := t.TempDir()
	enc := &encoder.RecordingEncoder{}
	p := New(dir, enc, zerolog.New(io.Discard))

	_, err := p.Capture(grayFrame(0))
	require.NoError(t, err)
	_, err = p.Capture(grayFrame(255))
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dir, "last.png"))
	require.NoError(t, err)
	assert.Equal(t, p.LastScreenshotName(), target)
}

func TestNoWriteOnDedupLeavesLastScreenshotNameUnchanged(t *testing.T) {
	dir := t.TempDir()
	enc := &encoder.RecordingEncoder{}
	p := New(dir, enc, zerolog.New(io.Discard))

	_, err := p.Capture(grayFrame(255))
	require.NoError(t, err)
	nameAfterFirst := p.LastScreenshotName()

	_, err = p.Capture(grayFrame(255))
	require.NoError(t, err)
	assert.Equal(t, nameAfterFirst, p.LastScreenshotName())
}
