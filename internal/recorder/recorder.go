// Package recorder writes clips around trigger events, including frames
// buffered before the trigger (pre-roll) and after it drops (hold-over).
package recorder

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/pollinator-cam/pkg/types"
)

// ErrOutOfOrder is returned when a frame is not newer than the previous one.
var ErrOutOfOrder = errors.New("recorder: frame timestamp not after previous frame")

// State is the recorder state.
type State int

const (
	Idle      State = iota // no session, pre-roll empty
	PreRoll                // no session, buffering frames
	Recording              // session open, trigger active
	HoldOver               // session open, trigger dropped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PreRoll:
		return "preroll"
	case Recording:
		return "recording"
	case HoldOver:
		return "holdover"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ClipWriter receives the frames of one session.
type ClipWriter interface {
	WriteFrame(f *types.Frame) error
	Close() error
}

// ClipOpener creates the clip for a new session. first is the first frame
// that will be written and fixes the clip geometry.
type ClipOpener func(path string, first *types.Frame) (ClipWriter, error)

// StorageError reports a failed clip operation. The recorder state still advances.
type StorageError struct {
	Op   string // "filename", "open", "write", "close"
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("recorder: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("recorder: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Config parameterizes the recorder.
type Config struct {
	PreRoll       time.Duration // pre-roll length, converted to frames at the observed rate
	PreRollFrames int           // fixed pre-roll capacity; overrides PreRoll when > 0
	MinTrigger    time.Duration // how long a trigger must persist before a session opens
	HoldOver      time.Duration // recording continues this long after the trigger drops
	MaxSegment    time.Duration // roll to a new file after this long; 0 = unlimited
	FirstSeq      int           // first sequence index to use

	Filename func(seq int, t time.Time) (string, error)
	Open     ClipOpener

	// OnSession, if set, is called after a session opens and after it closes.
	OnSession func(Event)
}

// EventKind distinguishes session events.
type EventKind int

const (
	SessionOpened EventKind = iota
	SessionClosed
)

func (k EventKind) String() string {
	if k == SessionOpened {
		return "opened"
	}
	return "closed"
}

// Event reports a session change.
type Event struct {
	Kind    EventKind
	Session Session
}

// Session describes one recording file.
type Session struct {
	ID      uuid.UUID
	Seq     int
	Path    string
	Start   time.Time // timestamp of the first frame written
	Last    time.Time // timestamp of the last frame accepted
	Frames  int       // frames written
	Dropped int       // frames lost to storage errors
}

type session struct {
	Session
	w      ClipWriter
	failed bool
}

// Recorder is the trigger-driven recording state machine.
// It is owned by one goroutine and is not safe for concurrent use.
type Recorder struct {
	cfg Config

	state    State
	ring     *Ring[*types.Frame]
	sess     *session
	nextSeq  int
	sessions int

	last      time.Time // previous frame timestamp
	interval  float64   // EWMA of frame interval, seconds
	triggerAt time.Time // start of the current trigger run, zero if not triggered
	droppedAt time.Time // trigger drop time while in HoldOver
}

// ewmaAlpha weights the newest frame interval.
const ewmaAlpha = 0.2

// New creates a recorder in the Idle state.
func New(cfg Config) (*Recorder, error) {
	if cfg.Filename == nil {
		return nil, errors.New("recorder: Filename is required")
	}
	if cfg.Open == nil {
		return nil, errors.New("recorder: Open is required")
	}
	if cfg.PreRoll < 0 || cfg.PreRollFrames < 0 || cfg.MinTrigger < 0 || cfg.HoldOver < 0 || cfg.MaxSegment < 0 {
		return nil, errors.New("recorder: durations and capacities must not be negative")
	}

	capacity := cfg.PreRollFrames
	if capacity == 0 && cfg.PreRoll > 0 {
		// Grows once the frame rate is known
		capacity = 1
	}
	return &Recorder{
		cfg:     cfg,
		state:   Idle,
		ring:    NewRing[*types.Frame](capacity),
		nextSeq: cfg.FirstSeq,
	}, nil
}

// State returns the current state.
func (r *Recorder) State() State { return r.state }

// PreRollLen returns the number of buffered pre-roll frames.
func (r *Recorder) PreRollLen() int { return r.ring.Len() }

// PreRollCap returns the current pre-roll capacity.
func (r *Recorder) PreRollCap() int { return r.ring.Cap() }

// Session returns the open session, if any.
func (r *Recorder) Session() (Session, bool) {
	if r.sess == nil {
		return Session{}, false
	}
	return r.sess.Session, true
}

// Update advances the state machine with one frame and its trigger decision.
//
// Storage failures are returned as *StorageError after the transition has been
// applied. A frame whose timestamp is not after the previous frame is rejected
// with ErrOutOfOrder and changes nothing.
func (r *Recorder) Update(f *types.Frame, triggered bool) error {
	ts := f.Timestamp
	if !r.last.IsZero() && !ts.After(r.last) {
		return fmt.Errorf("%w: %s <= %s", ErrOutOfOrder,
			ts.Format(time.RFC3339Nano), r.last.Format(time.RFC3339Nano))
	}
	r.observeInterval(ts)
	r.last = ts

	if triggered {
		if r.triggerAt.IsZero() {
			r.triggerAt = ts
		}
	} else {
		r.triggerAt = time.Time{}
	}

	switch r.state {
	case Idle, PreRoll:
		if triggered && ts.Sub(r.triggerAt) >= r.cfg.MinTrigger {
			return r.start(f)
		}
		r.ring.Push(f)
		if r.ring.Len() > 0 {
			r.state = PreRoll
		}
		return nil

	case Recording:
		if !triggered {
			r.state = HoldOver
			r.droppedAt = ts
		}
		return r.appendFrame(f)

	case HoldOver:
		if triggered {
			r.state = Recording
			r.droppedAt = time.Time{}
			return r.appendFrame(f)
		}
		if ts.Sub(r.droppedAt) > r.cfg.HoldOver {
			// The expiring frame opens the next pre-roll
			err := r.finish()
			r.ring.Clear()
			r.state = Idle
			r.ring.Push(f)
			if r.ring.Len() > 0 {
				r.state = PreRoll
			}
			return err
		}
		return r.appendFrame(f)
	}
	return fmt.Errorf("recorder: unknown state %v", r.state)
}

// Close finalizes the open session, if any, and returns to Idle.
func (r *Recorder) Close() error {
	err := r.finish()
	r.ring.Clear()
	r.state = Idle
	r.triggerAt = time.Time{}
	r.droppedAt = time.Time{}
	return err
}

// Status returns a snapshot for logs and metrics.
func (r *Recorder) Status() Status {
	st := Status{
		State:         r.state.String(),
		PreRollFrames: r.ring.Len(),
		PreRollCap:    r.ring.Cap(),
		Sessions:      r.sessions,
		NextSeq:       r.nextSeq,
	}
	if r.interval > 0 {
		st.FrameInterval = time.Duration(r.interval * float64(time.Second))
	}
	if r.sess != nil {
		st.Recording = true
		st.Path = r.sess.Path
		st.Seq = r.sess.Seq
		st.SessionFrames = r.sess.Frames
		st.Duration = r.sess.Last.Sub(r.sess.Start)
		st.StartTime = r.sess.Start
	}
	return st
}

// Status holds the current recorder state.
type Status struct {
	State         string        `json:"state"`
	Recording     bool          `json:"recording"`
	Path          string        `json:"path,omitempty"`
	Seq           int           `json:"seq"`
	SessionFrames int           `json:"session_frames"`
	Duration      time.Duration `json:"duration_ms"`
	StartTime     time.Time     `json:"start_time"`
	PreRollFrames int           `json:"preroll_frames"`
	PreRollCap    int           `json:"preroll_capacity"`
	FrameInterval time.Duration `json:"frame_interval"`
	Sessions      int           `json:"sessions"`
	NextSeq       int           `json:"next_seq"`
}

func (r *Recorder) observeInterval(ts time.Time) {
	if r.last.IsZero() {
		return
	}
	dt := ts.Sub(r.last).Seconds()
	if r.interval == 0 {
		r.interval = dt
	} else {
		r.interval += ewmaAlpha * (dt - r.interval)
	}
	if r.cfg.PreRollFrames == 0 && r.cfg.PreRoll > 0 && r.sess == nil {
		// Tolerate float noise so 3s at 1fps stays 3 frames
		r.ring.Resize(int(math.Ceil(r.cfg.PreRoll.Seconds()/r.interval - 1e-9)))
	}
}

// start opens a session, flushes the pre-roll and writes f.
func (r *Recorder) start(f *types.Frame) error {
	pending := r.ring.Items()
	r.ring.Clear()
	r.state = Recording
	r.droppedAt = time.Time{}

	first := f
	if len(pending) > 0 {
		first = pending[0]
	}
	errs := []error{r.open(first)}
	for _, p := range pending {
		errs = append(errs, r.write(p))
	}
	errs = append(errs, r.write(f))
	return errors.Join(errs...)
}

// appendFrame writes f to the open session, rolling over first if the segment is full.
func (r *Recorder) appendFrame(f *types.Frame) error {
	return errors.Join(r.rollover(f), r.write(f))
}

// rollover replaces the session with a new one once it exceeds MaxSegment.
func (r *Recorder) rollover(f *types.Frame) error {
	if r.cfg.MaxSegment <= 0 || r.sess == nil || f.Timestamp.Sub(r.sess.Start) < r.cfg.MaxSegment {
		return nil
	}
	return errors.Join(r.finish(), r.open(f))
}

func (r *Recorder) open(first *types.Frame) error {
	seq := r.nextSeq
	r.nextSeq++
	r.sessions++

	s := &session{Session: Session{
		ID:    uuid.New(),
		Seq:   seq,
		Start: first.Timestamp,
		Last:  first.Timestamp,
	}}
	r.sess = s

	path, err := r.cfg.Filename(seq, first.Timestamp)
	if err != nil {
		s.failed = true
		r.notify(SessionOpened)
		return &StorageError{Op: "filename", Err: err}
	}
	s.Path = path

	w, err := r.cfg.Open(path, first)
	if err != nil {
		s.failed = true
		r.notify(SessionOpened)
		return &StorageError{Op: "open", Path: path, Err: err}
	}
	s.w = w
	r.notify(SessionOpened)
	return nil
}

// write appends f to the open session. After a failed open, frames are
// counted as dropped without reporting again.
func (r *Recorder) write(f *types.Frame) error {
	s := r.sess
	if s == nil {
		return nil
	}
	s.Last = f.Timestamp
	if s.failed {
		s.Dropped++
		return nil
	}
	if err := s.w.WriteFrame(f); err != nil {
		s.Dropped++
		return &StorageError{Op: "write", Path: s.Path, Err: err}
	}
	s.Frames++
	return nil
}

func (r *Recorder) finish() error {
	s := r.sess
	if s == nil {
		return nil
	}
	r.sess = nil

	var err error
	if s.w != nil {
		if cerr := s.w.Close(); cerr != nil {
			err = &StorageError{Op: "close", Path: s.Path, Err: cerr}
		}
	}
	r.notifySession(SessionClosed, s.Session)
	return err
}

func (r *Recorder) notify(kind EventKind) {
	if r.sess != nil {
		r.notifySession(kind, r.sess.Session)
	}
}

func (r *Recorder) notifySession(kind EventKind, s Session) {
	if r.cfg.OnSession != nil {
		r.cfg.OnSession(Event{Kind: kind, Session: s})
	}
}
