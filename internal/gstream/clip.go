package gstream

import (
	"fmt"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/dj-oyu/pollinator-cam/internal/logger"
	"github.com/dj-oyu/pollinator-cam/pkg/types"
)

// ClipOptions configures clip encoding.
type ClipOptions struct {
	FPS          int           // nominal frame rate written to the container
	Quality      int           // jpegenc quality, 1-100
	FinalizeWait time.Duration // how long Close waits for EOS
}

// DefaultClipOptions returns MJPEG settings matching a typical camera stream.
func DefaultClipOptions() ClipOptions {
	return ClipOptions{FPS: 15, Quality: 85, FinalizeWait: 5 * time.Second}
}

// Clip encodes RGB frames to an MJPEG AVI file.
type Clip struct {
	path     string
	width    int
	height   int
	opts     ClipOptions
	pipeline *gst.Pipeline
	src      *app.Source

	origin time.Time
	frames int
	closed bool
}

func clipPipelineString(path string, width, height int, opts ClipOptions) string {
	return fmt.Sprintf(
		"appsrc name=src format=time is-live=false "+
			"caps=\"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1\" ! "+
			"videoconvert ! jpegenc quality=%d ! avimux ! filesink location=%q",
		width, height, opts.FPS, opts.Quality, path,
	)
}

// OpenClip creates the output file and starts the encoder.
func OpenClip(path string, width, height int, opts ClipOptions) (*Clip, error) {
	initGst()

	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("gstream: invalid clip size %dx%d", width, height)
	}
	def := DefaultClipOptions()
	if opts.FPS <= 0 {
		opts.FPS = def.FPS
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = def.Quality
	}
	if opts.FinalizeWait <= 0 {
		opts.FinalizeWait = def.FinalizeWait
	}

	pipeline, err := gst.NewPipelineFromString(clipPipelineString(path, width, height, opts))
	if err != nil {
		return nil, fmt.Errorf("gstream: create clip pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName("src")
	if err != nil {
		return nil, abort(pipeline, fmt.Errorf("gstream: appsrc: %w", err))
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, abort(pipeline, fmt.Errorf("gstream: set playing: %w", err))
	}

	logger.Debug("GStream", "Clip opened: %s (%dx%d @ %dfps)", path, width, height, opts.FPS)
	return &Clip{
		path:     path,
		width:    width,
		height:   height,
		opts:     opts,
		pipeline: pipeline,
		src:      app.SrcFromElement(elem),
	}, nil
}

// WriteFrame pushes one frame; its timestamp relative to the first frame becomes the PTS.
func (c *Clip) WriteFrame(f *types.Frame) error {
	if c.closed {
		return fmt.Errorf("gstream: write to closed clip %s", c.path)
	}
	if f.Width != c.width || f.Height != c.height || f.Channels != types.ChannelsRGB {
		return fmt.Errorf("gstream: frame %dx%dx%d does not match clip %dx%d RGB",
			f.Width, f.Height, f.Channels, c.width, c.height)
	}
	if c.frames == 0 {
		c.origin = f.Timestamp
	}

	buf := gst.NewBufferFromBytes(padRows(f.Data, f.Width, f.Height, f.Channels))
	buf.SetPresentationTimestamp(f.Timestamp.Sub(c.origin))
	buf.SetDuration(time.Second / time.Duration(c.opts.FPS))

	if ret := c.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("gstream: push buffer to %s: %v", c.path, ret)
	}
	c.frames++
	return nil
}

// Close signals end of stream and waits for the muxer to finalize the file.
func (c *Clip) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.pipeline.SetState(gst.StateNull)

	if ret := c.src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("gstream: end stream %s: %v", c.path, ret)
	}

	bus := c.pipeline.GetPipelineBus()
	deadline := time.Now().Add(c.opts.FinalizeWait)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		switch err := busError(msg); err {
		case nil:
			continue
		case ErrEndOfStream:
			logger.Debug("GStream", "Clip finalized: %s (%d frames)", c.path, c.frames)
			return nil
		default:
			return err
		}
	}
	return fmt.Errorf("gstream: clip %s not finalized within %v", c.path, c.opts.FinalizeWait)
}

