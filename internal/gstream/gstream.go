// Package gstream adapts GStreamer pipelines to the grabber: an RTSP decoder
// producing RGB frames and an MJPEG/AVI clip encoder.
package gstream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrEndOfStream is reported when the pipeline posts EOS.
var ErrEndOfStream = errors.New("gstream: end of stream")

var initOnce sync.Once

func initGst() {
	initOnce.Do(func() { gst.Init(nil) })
}

// stateSetter is the part of *gst.Pipeline that abort needs.
type stateSetter interface {
	SetState(state gst.State) error
}

// abort returns a pipeline that failed to start to NULL and passes err through.
func abort(p stateSetter, err error) error {
	p.SetState(gst.StateNull)
	return err
}

// busPollInterval bounds how long a bus read blocks, so shutdown stays responsive.
const busPollInterval = 50 * time.Millisecond

// busError converts a bus message into an error, or nil for messages that do not end the stream.
func busError(msg *gst.Message) error {
	switch msg.Type() {
	case gst.MessageEOS:
		return ErrEndOfStream
	case gst.MessageError:
		gerr := msg.ParseError()
		return fmt.Errorf("gstream: pipeline error: %s (%s)", gerr.Error(), gerr.DebugString())
	}
	return nil
}

// rowStride is the GStreamer default stride for packed raw video: rows are 4-byte aligned.
func rowStride(width, channels int) int {
	return (width*channels + 3) &^ 3
}

// unpadRows copies a strided buffer into a tightly packed one.
// It returns data unchanged when there is no padding.
func unpadRows(data []byte, width, height, channels int) ([]byte, error) {
	packed := width * channels
	if height <= 0 || packed <= 0 {
		return nil, fmt.Errorf("gstream: invalid geometry %dx%dx%d", width, height, channels)
	}
	if len(data) == packed*height {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	stride := len(data) / height
	if stride < packed {
		return nil, fmt.Errorf("gstream: buffer of %d bytes too small for %dx%dx%d", len(data), width, height, channels)
	}
	out := make([]byte, packed*height)
	for y := 0; y < height; y++ {
		copy(out[y*packed:(y+1)*packed], data[y*stride:y*stride+packed])
	}
	return out, nil
}

// padRows lays out packed pixels with the default GStreamer stride.
func padRows(data []byte, width, height, channels int) []byte {
	packed := width * channels
	stride := rowStride(width, channels)
	if stride == packed {
		return data
	}
	out := make([]byte, stride*height)
	for y := 0; y < height; y++ {
		copy(out[y*stride:], data[y*packed:(y+1)*packed])
	}
	return out
}
