// Package eventlog appends detection results to per-day files as
// length-delimited protobuf records.
package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

// FileName is the name of the log file inside each date directory.
const FileName = "detections.pb"

// Analysis is one analyzed frame.
type Analysis struct {
	Time      time.Time
	Seq       uint64
	Label     string  // best considered label
	Score     float32 // its score
	Triggered bool
	Scores    []float32
	Err       string // inference failure, if any
}

// Session is a recording session change.
type Session struct {
	Time   time.Time
	Kind   string // "opened" or "closed"
	ID     string
	Seq    int
	Path   string
	Frames int
}

// DefaultFlushInterval bounds how long untriggered analyses stay buffered.
const DefaultFlushInterval = time.Second

// Writer appends records to <root>/<device>/<yymmdd>/detections.pb,
// switching files when the record date changes. Session records and
// triggered analyses reach the file immediately; other analyses are
// flushed at most FlushInterval after the previous flush.
type Writer struct {
	FlushInterval time.Duration

	root   string
	device string

	day       string
	file      *os.File
	buf       *bufio.Writer
	lastFlush time.Time
}

// NewWriter creates a writer; files are opened lazily.
func NewWriter(root, device string) *Writer {
	return &Writer{FlushInterval: DefaultFlushInterval, root: root, device: device}
}

// Path returns the log path for records on t's date.
func (w *Writer) Path(t time.Time) string {
	return filepath.Join(w.root, w.device, t.Format("060102"), FileName)
}

// AppendAnalysis writes an analysis record.
func (w *Writer) AppendAnalysis(a Analysis) error {
	scores := make([]interface{}, len(a.Scores))
	for i, v := range a.Scores {
		scores[i] = float64(v)
	}
	fields := map[string]interface{}{
		"type":      "analysis",
		"time":      a.Time.UTC().Format(time.RFC3339Nano),
		"device":    w.device,
		"seq":       float64(a.Seq),
		"label":     a.Label,
		"score":     float64(a.Score),
		"triggered": a.Triggered,
		"scores":    scores,
	}
	if a.Err != "" {
		fields["error"] = a.Err
	}
	return w.append(a.Time, fields, a.Triggered)
}

// AppendSession writes a session record.
func (w *Writer) AppendSession(s Session) error {
	return w.append(s.Time, map[string]interface{}{
		"type":   "session",
		"time":   s.Time.UTC().Format(time.RFC3339Nano),
		"device": w.device,
		"kind":   s.Kind,
		"id":     s.ID,
		"seq":    float64(s.Seq),
		"path":   s.Path,
		"frames": float64(s.Frames),
	}, true)
}

func (w *Writer) append(t time.Time, fields map[string]interface{}, urgent bool) error {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("eventlog: build record: %w", err)
	}
	if err := w.rotate(t); err != nil {
		return err
	}
	if _, err := protodelim.MarshalTo(w.buf, msg); err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	if urgent || time.Since(w.lastFlush) >= w.FlushInterval {
		return w.Flush()
	}
	return nil
}

func (w *Writer) rotate(t time.Time) error {
	day := t.Format("060102")
	if w.file != nil && day == w.day {
		return nil
	}
	if err := w.Close(); err != nil {
		return err
	}

	p := w.Path(t)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("eventlog: create directory: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("eventlog: open: %w", err)
	}
	w.day = day
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.lastFlush = time.Now()
	return nil
}

// Flush writes buffered records to the file.
func (w *Writer) Flush() error {
	if w.buf == nil {
		return nil
	}
	w.lastFlush = time.Now()
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("eventlog: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := errors.Join(w.buf.Flush(), w.file.Close())
	w.file, w.buf, w.day = nil, nil, ""
	return err
}

// ReadAll decodes every record from r.
func ReadAll(r io.Reader) ([]*structpb.Struct, error) {
	br := bufio.NewReader(r)
	var out []*structpb.Struct
	for {
		msg := &structpb.Struct{}
		err := protodelim.UnmarshalFrom(br, msg)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("eventlog: record %d: %w", len(out), err)
		}
		out = append(out, msg)
	}
}
