package capture

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrTimeout is returned by NextFrame when nothing was published within the wait window.
var ErrTimeout = errors.New("capture: no new frame within timeout")

// ErrAlreadyRunning is returned by Start while a capture loop is active.
var ErrAlreadyRunning = errors.New("capture: source already running")

// ConnectionError reports that the video stream could not be opened.
type ConnectionError struct {
	Locator string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("capture: open %s: %v", redact(e.Locator), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CaptureError is a failed frame decode, surfaced as data through NextFrame.
type CaptureError struct {
	Err       error
	Timestamp time.Time
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture: frame failed at %s: %v", e.Timestamp.Format(time.RFC3339Nano), e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// redact strips credentials from stream URLs before they reach logs
func redact(locator string) string {
	u, err := url.Parse(locator)
	if err != nil || u.User == nil {
		return locator
	}
	return u.Redacted()
}
