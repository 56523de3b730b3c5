package detector

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dj-oyu/pollinator-cam/internal/logger"
)

// MaskWatcher reloads a mask file into a detector whenever the file changes.
type MaskWatcher struct {
	path     string
	labels   []string
	detector *Detector
	delay    time.Duration

	mu       sync.Mutex
	debounce *time.Timer
	reloads  int
}

// NewMaskWatcher creates a watcher; call Load once before Run to apply the initial file.
func NewMaskWatcher(path string, labels []string, d *Detector) *MaskWatcher {
	return &MaskWatcher{
		path:     path,
		labels:   labels,
		detector: d,
		delay:    100 * time.Millisecond,
	}
}

// Load reads the file and applies it.
func (w *MaskWatcher) Load() error {
	mf, err := LoadMaskFile(w.path)
	if err != nil {
		return err
	}
	if err := mf.Apply(w.detector, w.labels); err != nil {
		return err
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()

	considered := 0
	for _, m := range w.detector.Mask() {
		if m {
			considered++
		}
	}
	logger.Info("Detector", "Mask loaded from %s: %d/%d labels, threshold %.2f",
		w.path, considered, len(w.labels), w.detector.Threshold())
	return nil
}

// Reloads returns how many times the mask was applied.
func (w *MaskWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run watches the file's directory until ctx is cancelled.
// Editors often replace files instead of writing them, so the directory is watched.
func (w *MaskWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	name := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debounceLoad()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Detector", "Mask watcher error: %v", err)
		}
	}
}

func (w *MaskWatcher) debounceLoad() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.delay, func() {
		if err := w.Load(); err != nil {
			// Keep the previous mask
			logger.Warn("Detector", "Mask reload failed: %v", err)
		}
	})
}
