package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithZerolog(WARN, zerolog.New(&buf))

	l.Info("Capture", "dropped %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at WARN, got %q", buf.String())
	}

	l.Warn("Capture", "stall after %s", "1.5s")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if entry["level"] != "warn" || entry["module"] != "Capture" || entry["message"] != "stall after 1.5s" {
		t.Fatalf("unexpected entry %v", entry)
	}

	buf.Reset()
	l.SetLevel(SILENT)
	l.Error("Capture", "boom")
	if buf.Len() != 0 {
		t.Fatalf("silent logger wrote %q", buf.String())
	}
}

func TestConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false)
	l.Debug("Recorder", "opened %s", "clip.avi")
	out := buf.String()
	if !strings.Contains(out, "opened clip.avi") || !strings.Contains(out, "Recorder") {
		t.Fatalf("unexpected console output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
