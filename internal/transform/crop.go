// Package transform turns camera frames into fixed size square inputs for inference.
package transform

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/pollinator-cam/pkg/types"
)

// Crop takes the centered square of a frame and resizes it to Edge x Edge.
// The crop rectangle is fixed at construction; use Matches to detect geometry changes.
type Crop struct {
	width  int
	height int
	edge   int
	rect   image.Rectangle

	scaler draw.Interpolator
}

// New computes the centered square crop for width x height frames.
func New(width, height, edge int) (*Crop, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("transform: invalid frame size %dx%d", width, height)
	}
	if edge <= 0 {
		return nil, fmt.Errorf("transform: invalid output edge %d", edge)
	}

	side := width
	if height < side {
		side = height
	}
	x0 := (width - side) / 2
	y0 := (height - side) / 2

	return &Crop{
		width:  width,
		height: height,
		edge:   edge,
		rect:   image.Rect(x0, y0, x0+side, y0+side),
		scaler: draw.BiLinear,
	}, nil
}

// Rect is the source rectangle in frame coordinates.
func (c *Crop) Rect() image.Rectangle { return c.rect }

// Edge is the output side length.
func (c *Crop) Edge() int { return c.edge }

// Matches reports whether frames of width x height can use this crop.
func (c *Crop) Matches(width, height int) bool {
	return c.width == width && c.height == height
}

// Apply returns the resized crop. The frame itself is not modified.
func (c *Crop) Apply(f *types.Frame) (*image.RGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	if !c.Matches(f.Width, f.Height) {
		return nil, fmt.Errorf("transform: frame is %dx%d, crop was derived for %dx%d",
			f.Width, f.Height, c.width, c.height)
	}

	src := c.extract(f)
	dst := image.NewRGBA(image.Rect(0, 0, c.edge, c.edge))
	if src.Bounds().Dx() == c.edge {
		draw.Copy(dst, image.Point{}, src, src.Bounds(), draw.Src, nil)
		return dst, nil
	}
	c.scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}

// extract copies the crop rectangle out of the frame as RGBA.
func (c *Crop) extract(f *types.Frame) *image.RGBA {
	side := c.rect.Dx()
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	ch := f.Channels

	for y := 0; y < side; y++ {
		srcRow := f.Data[((c.rect.Min.Y+y)*f.Width+c.rect.Min.X)*ch:]
		dstRow := img.Pix[y*img.Stride : y*img.Stride+side*4]
		for x := 0; x < side; x++ {
			d := dstRow[x*4 : x*4+4 : x*4+4]
			switch ch {
			case types.ChannelsRGBA:
				copy(d, srcRow[x*4:x*4+4])
			case types.ChannelsRGB:
				d[0], d[1], d[2], d[3] = srcRow[x*3], srcRow[x*3+1], srcRow[x*3+2], 0xff
			case types.ChannelsGray:
				v := srcRow[x]
				d[0], d[1], d[2], d[3] = v, v, v, 0xff
			}
		}
	}
	return img
}
