package capture

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/pollinator-cam/internal/logger"
	"github.com/dj-oyu/pollinator-cam/pkg/types"
)

// Decoder decodes frames from one open stream.
// ReadFrame must return promptly once ctx is cancelled.
type Decoder interface {
	ReadFrame(ctx context.Context) (*types.Frame, error)
	Close() error
}

// Opener opens a decoder for a stream locator.
type Opener func(ctx context.Context, locator string) (Decoder, error)

// Snapshot is a copy of the capture state at one point in time.
type Snapshot struct {
	Frame   *types.Frame
	Err     error
	Updated time.Time
	Running bool
	Waiters int // NextFrame calls currently blocked
}

// Source runs a capture loop and always exposes the most recent frame.
//
// The capture goroutine is the only writer. Every publish replaces the single
// slot (frame or error, never both) and wakes all callers blocked in NextFrame by
// closing the current notify channel.
type Source struct {
	locator string
	open    Opener
	retry   RetryPolicy

	mu      sync.Mutex
	frame   *types.Frame
	err     error
	updated time.Time
	running bool
	notify  chan struct{}
	waiters int
	seq     uint64

	// lifecycle, serializes Start and Stop
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a frame source; nothing is opened until Start.
func New(locator string, open Opener, retry RetryPolicy) *Source {
	return &Source{
		locator: locator,
		open:    open,
		retry:   retry,
		notify:  make(chan struct{}),
	}
}

// Start opens the stream and begins the capture loop.
// It returns a *ConnectionError if the stream cannot be opened.
func (s *Source) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.Running() {
		return ErrAlreadyRunning
	}
	if s.done != nil {
		// Previous loop ended on its own; reap it
		<-s.done
		s.cancel()
		s.cancel, s.done = nil, nil
	}

	dec, err := s.open(ctx, s.locator)
	if err != nil {
		return &ConnectionError{Locator: s.locator, Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.cancel = cancel
	s.done = done

	logger.Info("Capture", "Capture started: %s (retry=%v)", redact(s.locator), s.retry.Enabled)
	go s.run(loopCtx, dec, done)
	return nil
}

// Stop signals the capture loop and waits for it to exit. Safe to call repeatedly.
func (s *Source) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.cancel == nil {
		return
	}
	waiting := s.Snapshot().Waiters
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	logger.Info("Capture", "Capture stopped: %s (%d reader(s) released)", redact(s.locator), waiting)
}

// Running reports whether the capture loop is alive.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Snapshot returns the current state without waiting.
func (s *Source) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Frame: s.frame, Err: s.err, Updated: s.updated, Running: s.running, Waiters: s.waiters}
}

// NextFrame blocks until the capture loop publishes after this call, then returns
// the latest state: the frame, or a *CaptureError. It returns ErrTimeout if
// nothing was published within timeout. A timeout <= 0 waits indefinitely.
func (s *Source) NextFrame(timeout time.Duration) (*types.Frame, error) {
	s.mu.Lock()
	ch := s.notify
	s.waiters++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.waiters--
		s.mu.Unlock()
	}()

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ch:
		case <-timer.C:
			return nil, ErrTimeout
		}
	} else {
		<-ch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, &CaptureError{Err: s.err, Timestamp: s.updated}
	}
	return s.frame, nil
}

func (s *Source) publish(frame *types.Frame, err error, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if frame != nil {
		s.seq++
		frame.Seq = s.seq
	}
	s.frame = frame
	s.err = err
	s.updated = time.Now()
	if terminal {
		s.running = false
	}
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Source) run(ctx context.Context, dec Decoder, done chan struct{}) {
	defer close(done)
	defer func() {
		if dec != nil {
			if err := dec.Close(); err != nil {
				logger.Debug("Capture", "Decoder close: %v", err)
			}
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	bo := newBackoff(s.retry.Delay, s.retry.MaxDelay)
	attempts := 0

	for {
		frame, err := dec.ReadFrame(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.publish(frame, nil, false)
			bo.Reset()
			continue
		}

		if !s.retry.Enabled {
			logger.Warn("Capture", "Capture failed, stopping: %v", err)
			s.publish(nil, err, true)
			return
		}
		s.publish(nil, err, false)

		logger.Info("Capture", "Restarting capture: %s (%v)", redact(s.locator), err)
		if cerr := dec.Close(); cerr != nil {
			logger.Debug("Capture", "Decoder close: %v", cerr)
		}
		dec = nil

		for dec == nil {
			if !bo.Sleep(ctx) {
				return
			}
			d, oerr := s.open(ctx, s.locator)
			if oerr == nil {
				dec = d
				attempts = 0
				break
			}
			if ctx.Err() != nil {
				return
			}
			attempts++
			terminal := s.retry.MaxAttempts > 0 && attempts >= s.retry.MaxAttempts
			s.publish(nil, &ConnectionError{Locator: s.locator, Err: oerr}, terminal)
			if terminal {
				logger.Error("Capture", "Giving up after %d reopen attempts: %v", attempts, oerr)
				return
			}
			logger.Warn("Capture", "Reopen attempt %d failed: %v", attempts, oerr)
		}
	}
}
