package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Layout names session files as <root>/<device>/<yymmdd>/<HHMMSS>_<device>_<seq>.<ext>.
type Layout struct {
	Root   string
	Device string
	Ext    string // without the dot; "avi" if empty
}

// Path returns the file path for a session without touching the filesystem.
func (l Layout) Path(seq int, t time.Time) string {
	ext := l.Ext
	if ext == "" {
		ext = "avi"
	}
	name := fmt.Sprintf("%s_%s_%d.%s", t.Format("150405"), l.Device, seq, ext)
	return filepath.Join(l.Root, l.Device, t.Format("060102"), name)
}

// Filename creates the date directory and returns the session path.
// It never returns a path that already exists.
func (l Layout) Filename(seq int, t time.Time) (string, error) {
	if l.Device == "" {
		return "", fmt.Errorf("recorder: layout has no device name")
	}
	p := l.Path(seq, t)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("recorder: create directory: %w", err)
	}
	if _, err := os.Stat(p); err == nil {
		return "", fmt.Errorf("recorder: %s already exists", p)
	}
	return p, nil
}

// NextSeq scans the date directory for the highest sequence index in use and
// returns the one after it, so a restarted process does not reuse an index.
func (l Layout) NextSeq(t time.Time) int {
	pattern := filepath.Join(l.Root, l.Device, t.Format("060102"), "*_"+l.Device+"_*")
	matches, _ := filepath.Glob(pattern)
	next := 0
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), filepath.Ext(m))
		i := strings.LastIndex(base, "_")
		if i < 0 {
			continue
		}
		seq, err := strconv.Atoi(base[i+1:])
		if err != nil {
			continue
		}
		if seq >= next {
			next = seq + 1
		}
	}
	return next
}
