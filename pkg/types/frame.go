package types

import (
	"fmt"
	"image"
	"time"
)

// Frame is a decoded video frame with metadata.
// A frame is immutable once published by the capture loop; consumers may keep it
// for as long as they like (pre-roll buffers do).
type Frame struct {
	Data      []byte    // Interleaved pixels, row-major, no padding
	Width     int       // Frame width
	Height    int       // Frame height
	Channels  int       // 1 (gray), 3 (RGB) or 4 (RGBA)
	Timestamp time.Time // Frame capture timestamp
	Seq       uint64    // Sequential frame number within a capture session
}

// Pixel layouts produced by decoders
const (
	ChannelsGray = 1
	ChannelsRGB  = 3
	ChannelsRGBA = 4
)

// Validate checks that the pixel buffer matches the declared geometry
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	switch f.Channels {
	case ChannelsGray, ChannelsRGB, ChannelsRGBA:
	default:
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	if want := f.Width * f.Height * f.Channels; len(f.Data) != want {
		return fmt.Errorf("frame data is %d bytes, want %d", len(f.Data), want)
	}
	return nil
}

// Size returns the frame dimensions as a point
func (f *Frame) Size() image.Point {
	return image.Pt(f.Width, f.Height)
}

// Image converts the frame to an RGBA image. The pixel data is copied.
func (f *Frame) Image() (*image.RGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	if f.Channels == ChannelsRGBA {
		copy(img.Pix, f.Data)
		return img, nil
	}

	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		dst := img.Pix[i*4 : i*4+4 : i*4+4]
		switch f.Channels {
		case ChannelsRGB:
			src := f.Data[i*3 : i*3+3 : i*3+3]
			dst[0], dst[1], dst[2] = src[0], src[1], src[2]
		case ChannelsGray:
			v := f.Data[i]
			dst[0], dst[1], dst[2] = v, v, v
		}
		dst[3] = 0xff
	}
	return img, nil
}

// RGB packs an RGBA image into tightly packed RGB bytes
func RGB(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for x := 0; x < len(row); x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out
}
