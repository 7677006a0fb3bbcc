// Package encoder drives the video-encoder subprocess described in
// spec.md §4.6: a consumer of a line-framed R/E directive stream. Rather
// than shelling out to gst-launch, Encoder pushes buffers directly into a
// GStreamer pipeline via go-gst's appsrc, the way
// helixml-helix/api/pkg/desktop/gst_pipeline.go drives an appsink.
package encoder

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"github.com/rs/zerolog"
)

var gstInitOnce sync.Once

func initGStreamer() {
	gstInitOnce.Do(func() {
		gst.Init(nil)
	})
}

// Encoder is fed Repeat/Encode directives, exactly one per captured frame
// (spec.md P3), in strict frame-number order.
type Encoder interface {
	// Encode emits an "E <path>" directive: encode the frame written at
	// path.
	Encode(path string) error

	// Repeat emits an "R" directive: reuse the previously encoded frame.
	Repeat() error

	// Close flushes and tears down the pipeline, signalling end-of-video.
	Close() error
}

// GstEncoder is the real Encoder, backed by an appsrc → x264enc → mp4mux
// pipeline.
type GstEncoder struct {
	mu         sync.Mutex
	pipeline   *gst.Pipeline
	src        *app.Source
	lastBuffer *gst.Buffer
	log        zerolog.Logger
	closed     bool
}

// NewGstEncoder builds and starts an encoder pipeline writing to
// outputPath.
func NewGstEncoder(outputPath string, log zerolog.Logger) (*GstEncoder, error) {
	initGStreamer()

	pipelineStr := fmt.Sprintf(
		"appsrc name=src format=time is-live=true ! pngdec ! videoconvert ! "+
			"x264enc tune=zerolatency ! mp4mux ! filesink location=%s", outputPath)

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return nil, fmt.Errorf("parse encoder pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("src")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("get appsrc element: %w", err)
	}
	src := app.SrcFromElement(elem)
	if src == nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("src element is not an appsrc")
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("start encoder pipeline: %w", err)
	}

	return &GstEncoder{pipeline: pipeline, src: src, log: log}, nil
}

func (e *GstEncoder) Encode(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read frame %s for encoding: %w", path, err)
	}

	buf := gst.NewBufferFromBytes(data)
	buf.SetPresentationTimestamp(gst.ClockTime(time.Now().UnixNano()))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("encoder closed")
	}
	if ret := e.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("push encoded frame: flow return %v", ret)
	}
	e.lastBuffer = buf
	return nil
}

func (e *GstEncoder) Repeat() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("encoder closed")
	}
	if e.lastBuffer == nil {
		// Nothing encoded yet; a repeat with no prior frame is a no-op.
		return nil
	}
	if ret := e.src.PushBuffer(e.lastBuffer); ret != gst.FlowOK {
		return fmt.Errorf("push repeated frame: flow return %v", ret)
	}
	return nil
}

func (e *GstEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.src.EndOfStream()
	e.pipeline.SetState(gst.StateNull)
	return nil
}
