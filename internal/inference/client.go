// Package inference talks to the external classifier that scores frame crops.
package inference

import (
	"context"
	"fmt"
	"image"
)

// Client scores square RGB images. Labels and InputSize are fixed for the
// lifetime of a client, and every Scores it returns has len(Labels()) values.
type Client interface {
	Labels() []string
	InputSize() int
	Infer(ctx context.Context, img *image.RGBA) (Scores, error)
}

// Scores are per-label confidences, index-aligned with the client's labels.
type Scores struct {
	Labels []string
	Values []float32
}

// Argmax returns the index of the highest score, or -1 when empty.
func (s Scores) Argmax() int {
	best := -1
	for i, v := range s.Values {
		if best < 0 || v > s.Values[best] {
			best = i
		}
	}
	return best
}

// Top returns the best label and its score.
func (s Scores) Top() (string, float32) {
	i := s.Argmax()
	if i < 0 {
		return "", 0
	}
	label := ""
	if i < len(s.Labels) {
		label = s.Labels[i]
	}
	return label, s.Values[i]
}

// Error is returned when an inference call fails.
type Error struct {
	Op  string // "dial", "hello", "run"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("inference: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
