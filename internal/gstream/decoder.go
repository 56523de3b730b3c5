package gstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/dj-oyu/pollinator-cam/internal/capture"
	"github.com/dj-oyu/pollinator-cam/internal/logger"
	"github.com/dj-oyu/pollinator-cam/pkg/types"
)

// DecoderOptions configures the RTSP decode pipeline.
type DecoderOptions struct {
	Latency     time.Duration // rtspsrc jitter buffer
	TCP         bool          // force RTSP over TCP
	OpenTimeout time.Duration // wait for the first decoded frame
}

// DefaultDecoderOptions returns options suited to LAN cameras.
func DefaultDecoderOptions() DecoderOptions {
	return DecoderOptions{
		Latency:     200 * time.Millisecond,
		TCP:         true,
		OpenTimeout: 10 * time.Second,
	}
}

// NewOpener returns a capture.Opener backed by GStreamer.
func NewOpener(opts DecoderOptions) capture.Opener {
	return func(ctx context.Context, locator string) (capture.Decoder, error) {
		d, err := OpenDecoder(ctx, locator, opts)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// Decoder pulls RGB frames out of an rtspsrc ! decodebin pipeline.
//
// The appsink callback keeps only the newest frame; older undelivered frames
// are dropped. Pipeline errors and EOS are forwarded from the bus.
type Decoder struct {
	pipeline *gst.Pipeline
	sink     *app.Sink

	frames chan *types.Frame
	errs   chan error

	stop      chan struct{}
	monitor   chan struct{}
	closeOnce sync.Once
}

func pipelineString(locator string, opts DecoderOptions) string {
	protocols := ""
	if opts.TCP {
		protocols = " protocols=tcp"
	}
	return fmt.Sprintf(
		"rtspsrc location=%q%s latency=%d ! "+
			"decodebin ! videoconvert ! video/x-raw,format=RGB ! "+
			"appsink name=sink max-buffers=1 drop=true sync=false",
		locator, protocols, opts.Latency.Milliseconds(),
	)
}

// OpenDecoder starts the pipeline and waits for the first frame or an error.
func OpenDecoder(ctx context.Context, locator string, opts DecoderOptions) (*Decoder, error) {
	initGst()

	pipeline, err := gst.NewPipelineFromString(pipelineString(locator, opts))
	if err != nil {
		return nil, fmt.Errorf("gstream: create pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return nil, abort(pipeline, fmt.Errorf("gstream: appsink: %w", err))
	}

	d := &Decoder{
		pipeline: pipeline,
		sink:     app.SinkFromElement(elem),
		frames:   make(chan *types.Frame, 1),
		errs:     make(chan error, 1),
		stop:     make(chan struct{}),
		monitor:  make(chan struct{}),
	}
	d.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, abort(pipeline, fmt.Errorf("gstream: set playing: %w", err))
	}
	go d.watchBus()

	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = DefaultDecoderOptions().OpenTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-d.frames:
		// Put it back for the first ReadFrame
		d.offer(f)
		logger.Debug("GStream", "Decoder ready: %dx%d", f.Width, f.Height)
		return d, nil
	case err := <-d.errs:
		d.Close()
		return nil, err
	case <-timer.C:
		d.Close()
		return nil, fmt.Errorf("gstream: no frame within %v", timeout)
	case <-ctx.Done():
		d.Close()
		return nil, ctx.Err()
	}
}

// ReadFrame returns the newest decoded frame.
func (d *Decoder) ReadFrame(ctx context.Context) (*types.Frame, error) {
	select {
	case f := <-d.frames:
		return f, nil
	case err := <-d.errs:
		return nil, err
	case <-d.stop:
		return nil, ErrEndOfStream
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the pipeline. Safe to call more than once.
func (d *Decoder) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stop)
		<-d.monitor
		err = d.pipeline.SetState(gst.StateNull)
	})
	return err
}

func (d *Decoder) offer(f *types.Frame) {
	select {
	case d.frames <- f:
		return
	default:
	}
	// Replace the stale frame
	select {
	case <-d.frames:
	default:
	}
	select {
	case d.frames <- f:
	default:
	}
}

func (d *Decoder) fail(err error) {
	select {
	case d.errs <- err:
	default:
	}
}

func (d *Decoder) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	width, height, err := sampleSize(sample)
	if err != nil {
		logger.Warn("GStream", "Skipping sample: %v", err)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data, err := unpadRows(mapInfo.Bytes(), width, height, types.ChannelsRGB)
	buffer.Unmap()
	if err != nil {
		logger.Warn("GStream", "Skipping sample: %v", err)
		return gst.FlowOK
	}

	d.offer(&types.Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Channels:  types.ChannelsRGB,
		Timestamp: time.Now(),
	})
	return gst.FlowOK
}

func sampleSize(sample *gst.Sample) (int, int, error) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, fmt.Errorf("sample without caps")
	}
	structure := caps.GetStructureAt(0)
	var width, height int
	if val, err := structure.GetValue("width"); err == nil {
		width, _ = val.(int)
	}
	if val, err := structure.GetValue("height"); err == nil {
		height, _ = val.(int)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("caps without size: %s", caps.String())
	}
	return width, height, nil
}

func (d *Decoder) watchBus() {
	defer close(d.monitor)
	bus := d.pipeline.GetPipelineBus()
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		if err := busError(msg); err != nil {
			logger.Warn("GStream", "Decoder: %v", err)
			d.fail(err)
		}
	}
}
