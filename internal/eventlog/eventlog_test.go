package eventlog

import (
	"os"
	"testing"
	"time"
)

func readFile(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	recs, err := ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return len(recs)
}

func TestAppendAndRead(t *testing.T) {
	w := NewWriter(t.TempDir(), "cam")
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	if err := w.AppendAnalysis(Analysis{
		Time: ts, Seq: 42, Label: "bee", Score: 0.75, Triggered: true,
		Scores: []float32{0.75, 0.25},
	}); err != nil {
		t.Fatalf("AppendAnalysis() error = %v", err)
	}
	if err := w.AppendSession(Session{Time: ts, Kind: "opened", ID: "abc", Seq: 3, Path: "/x.avi"}); err != nil {
		t.Fatalf("AppendSession() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(w.Path(ts))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	recs, err := ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}

	a := recs[0].AsMap()
	if a["type"] != "analysis" || a["label"] != "bee" || a["triggered"] != true || a["seq"] != float64(42) {
		t.Fatalf("analysis record = %v", a)
	}
	if scores, ok := a["scores"].([]interface{}); !ok || len(scores) != 2 || scores[0] != 0.75 {
		t.Fatalf("scores = %v", a["scores"])
	}
	s := recs[1].AsMap()
	if s["type"] != "session" || s["kind"] != "opened" || s["seq"] != float64(3) || s["path"] != "/x.avi" {
		t.Fatalf("session record = %v", s)
	}
}

func TestRotatesByDate(t *testing.T) {
	w := NewWriter(t.TempDir(), "cam")
	day1 := time.Date(2024, 6, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)

	for _, ts := range []time.Time{day1, day1.Add(time.Second), day2} {
		if err := w.AppendAnalysis(Analysis{Time: ts, Label: "fly"}); err != nil {
			t.Fatalf("AppendAnalysis() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if w.Path(day1) == w.Path(day2) {
		t.Fatal("expected different files per day")
	}
	if n := readFile(t, w.Path(day1)); n != 2 {
		t.Fatalf("day1 records = %d, want 2", n)
	}
	if n := readFile(t, w.Path(day2)); n != 1 {
		t.Fatalf("day2 records = %d, want 1", n)
	}
}

func TestAppendsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		w := NewWriter(root, "cam")
		if err := w.AppendAnalysis(Analysis{Time: ts.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("AppendAnalysis() error = %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
	if n := readFile(t, NewWriter(root, "cam").Path(ts)); n != 2 {
		t.Fatalf("records = %d, want 2", n)
	}
}

func TestTriggeredAndSessionRecordsReachDiskBeforeClose(t *testing.T) {
	w := NewWriter(t.TempDir(), "cam")
	w.FlushInterval = time.Hour
	defer w.Close()
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	if err := w.AppendAnalysis(Analysis{Time: ts, Label: "leaf"}); err != nil {
		t.Fatalf("AppendAnalysis() error = %v", err)
	}
	if n := readFile(t, w.Path(ts)); n != 0 {
		t.Fatalf("records on disk = %d, untriggered analysis should stay buffered", n)
	}

	if err := w.AppendAnalysis(Analysis{Time: ts, Label: "bee", Triggered: true}); err != nil {
		t.Fatalf("AppendAnalysis() error = %v", err)
	}
	if n := readFile(t, w.Path(ts)); n != 2 {
		t.Fatalf("records on disk = %d after trigger, want 2", n)
	}

	if err := w.AppendSession(Session{Time: ts, Kind: "closed", ID: "abc"}); err != nil {
		t.Fatalf("AppendSession() error = %v", err)
	}
	if n := readFile(t, w.Path(ts)); n != 3 {
		t.Fatalf("records on disk = %d after session, want 3", n)
	}
}

func TestUntriggeredRecordsFlushOnInterval(t *testing.T) {
	w := NewWriter(t.TempDir(), "cam")
	w.FlushInterval = 10 * time.Millisecond
	defer w.Close()
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	if err := w.AppendAnalysis(Analysis{Time: ts}); err != nil {
		t.Fatalf("AppendAnalysis() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	for i := 1; i < 20; i++ {
		if err := w.AppendAnalysis(Analysis{Time: ts, Seq: uint64(i)}); err != nil {
			t.Fatalf("AppendAnalysis() error = %v", err)
		}
	}
	if fi, err := os.Stat(w.Path(ts)); err != nil || fi.Size() == 0 {
		t.Fatalf("log should hold bytes before Close: %v", err)
	}
	if n := readFile(t, w.Path(ts)); n < 2 {
		t.Fatalf("records on disk = %d, want at least 2", n)
	}
}
