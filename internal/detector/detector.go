// Package detector turns inference scores into a trigger decision.
package detector

import (
	"math"
	"sync/atomic"

	"github.com/dj-oyu/pollinator-cam/internal/inference"
)

// DefaultThreshold is used when none is configured.
const DefaultThreshold = 0.5

// Detector applies a label mask and a threshold to a score vector.
//
// Mask and threshold are swapped atomically, so they may be changed from
// another goroutine while Detect runs.
type Detector struct {
	mask      atomic.Pointer[[]bool]
	threshold atomic.Uint32 // float32 bits
}

// New creates a detector with no mask (every label counts).
func New(threshold float32) *Detector {
	d := &Detector{}
	d.SetThreshold(threshold)
	return d
}

// SetMask replaces the mask. mask[i] reports whether label i is considered.
// A nil mask considers every label; labels past the end of a non-nil mask are ignored.
func (d *Detector) SetMask(mask []bool) {
	if mask == nil {
		d.mask.Store(nil)
		return
	}
	m := append([]bool(nil), mask...)
	d.mask.Store(&m)
}

// Mask returns a copy of the current mask, or nil.
func (d *Detector) Mask() []bool {
	p := d.mask.Load()
	if p == nil {
		return nil
	}
	return append([]bool(nil), (*p)...)
}

// SetThreshold replaces the trigger threshold.
func (d *Detector) SetThreshold(threshold float32) {
	d.threshold.Store(math.Float32bits(threshold))
}

// Threshold returns the current threshold.
func (d *Detector) Threshold() float32 {
	return math.Float32frombits(d.threshold.Load())
}

// Max returns the best considered label index and its score, or -1 if none is considered.
// NaN scores are never considered.
func (d *Detector) Max(scores inference.Scores) (int, float32) {
	var mask []bool
	if p := d.mask.Load(); p != nil {
		mask = *p
	}

	best := -1
	var bestVal float32
	for i, v := range scores.Values {
		if mask != nil && (i >= len(mask) || !mask[i]) {
			continue
		}
		if math.IsNaN(float64(v)) {
			continue
		}
		if best < 0 || v > bestVal {
			best, bestVal = i, v
		}
	}
	return best, bestVal
}

// Detect reports whether the masked maximum strictly exceeds the threshold.
func (d *Detector) Detect(scores inference.Scores) bool {
	i, v := d.Max(scores)
	return i >= 0 && v > d.Threshold()
}
