// Package screenshot implements the deduplicated screenshot pipeline:
// scale, similarity-gated disk write, last.png symlink maintenance, and
// the encoder directive feed (spec.md §4.2).
package screenshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kinderp/os-autoinst/pkg/encoder"
	"github.com/kinderp/os-autoinst/pkg/imgref"
)

const (
	// writeThreshold: write to disk iff similarity to the previous
	// captured frame is <= this value.
	writeThreshold = 54
	// repeatThreshold: tell the encoder to repeat iff similarity is
	// > this value.
	repeatThreshold = 50

	frameWidth  = 1024
	frameHeight = 768
)

// Frame is an immutable captured frame: its sequence number, write path,
// and decoded image.
type Frame struct {
	Seq     uint64
	Path    string
	Image   *imgref.ImageRef
	Written bool
	Similar int // similarity to the previous captured frame; 0 if none
}

// Pipeline dedups, numbers, and writes captured frames, feeding the
// configured Encoder with exactly one directive per frame (P3).
type Pipeline struct {
	dir string
	enc encoder.Encoder
	log zerolog.Logger

	mu                 sync.Mutex
	seq                uint64
	lastImage          *imgref.ImageRef
	lastScreenshotName string
}

// New builds a Pipeline writing numbered frames under dir and feeding enc.
func New(dir string, enc encoder.Encoder, log zerolog.Logger) *Pipeline {
	return &Pipeline{dir: dir, enc: enc, log: log}
}

// LastImage returns the most recently captured frame, or nil if none has
// been captured yet.
func (p *Pipeline) LastImage() *imgref.ImageRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastImage
}

// LastScreenshotName returns the filename of the most recently written
// frame (spec.md invariant 2), which may lag LastImage() when the last
// capture was deduplicated away.
func (p *Pipeline) LastScreenshotName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastScreenshotName
}

// Capture runs one frame through the pipeline: scale, dedup-gated write,
// symlink repoint, and encoder feed. It returns the resulting Frame.
func (p *Pipeline) Capture(raw *imgref.ImageRef) (Frame, error) {
	start := time.Now()

	scaled := raw.Scale(frameWidth, frameHeight)

	p.mu.Lock()
	prev := p.lastImage
	seq := p.seq + 1
	p.seq = seq
	p.mu.Unlock()

	sim := 0
	if prev != nil {
		sim = imgref.Similarity(prev, scaled)
	}

	frame := Frame{Seq: seq, Image: scaled, Similar: sim}

	// Step 4: dedup-gated write, independent of the encoder directive
	// chosen in step 5 below — the two thresholds (54, 50) are not nested,
	// so a frame can be written AND still tell the encoder to repeat.
	if prev == nil || sim <= writeThreshold {
		path, name, err := p.writeFrame(seq, scaled)
		if err != nil {
			return Frame{}, fmt.Errorf("write frame %d: %w", seq, err)
		}
		frame.Path = path
		frame.Written = true

		p.mu.Lock()
		p.lastImage = scaled
		p.lastScreenshotName = name
		p.mu.Unlock()
	} else {
		// write_img's passthrough contract (spec.md §9): callers still get
		// the name of the file the symlink actually resolves to, even
		// though nothing was written this tick.
		p.mu.Lock()
		frame.Path = filepath.Join(p.dir, p.lastScreenshotName)
		p.lastImage = scaled
		p.mu.Unlock()
	}

	// Step 5: encoder directive, purely a function of similarity to the
	// previous captured frame.
	if prev != nil && sim > repeatThreshold {
		if err := p.enc.Repeat(); err != nil {
			return Frame{}, fmt.Errorf("feed encoder repeat: %w", err)
		}
	} else {
		if err := p.enc.Encode(filepath.Join(p.dir, p.LastScreenshotName())); err != nil {
			return Frame{}, fmt.Errorf("feed encoder encode: %w", err)
		}
	}

	if elapsed := time.Since(start); elapsed > 0 {
		p.log.Debug().
			Uint64("seq", seq).
			Dur("elapsed", elapsed).
			Bool("written", frame.Written).
			Msg("screenshot pipeline step")
	}

	return frame, nil
}

func (p *Pipeline) writeFrame(seq uint64, img *imgref.ImageRef) (path, name string, err error) {
	name = fmt.Sprintf("shot-%010d.png", seq)
	path = filepath.Join(p.dir, name)

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create screenshot dir: %w", err)
	}
	if err := img.Write(path); err != nil {
		return "", "", err
	}
	if err := p.relinkLast(name); err != nil {
		return "", "", err
	}
	return path, name, nil
}

// relinkLast atomically repoints last.png at name (P4): it creates a
// temporary symlink and renames it over last.png, so readers never see
// last.png missing.
func (p *Pipeline) relinkLast(name string) error {
	linkPath := filepath.Join(p.dir, "last.png")
	tmpPath := linkPath + ".tmp"

	os.Remove(tmpPath)
	if err := os.Symlink(name, tmpPath); err != nil {
		return fmt.Errorf("create last.png symlink: %w", err)
	}
	if err := os.Rename(tmpPath, linkPath); err != nil {
		return fmt.Errorf("repoint last.png: %w", err)
	}
	return nil
}
