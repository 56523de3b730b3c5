// Package grabber ties the frame source, classifier and recorder together.
package grabber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/pollinator-cam/internal/capture"
	"github.com/dj-oyu/pollinator-cam/internal/detector"
	"github.com/dj-oyu/pollinator-cam/internal/eventlog"
	"github.com/dj-oyu/pollinator-cam/internal/inference"
	"github.com/dj-oyu/pollinator-cam/internal/logger"
	"github.com/dj-oyu/pollinator-cam/internal/metrics"
	"github.com/dj-oyu/pollinator-cam/internal/recorder"
	"github.com/dj-oyu/pollinator-cam/internal/transform"
	"github.com/dj-oyu/pollinator-cam/pkg/types"
)

// Source is the part of *capture.Source the grabber drives.
type Source interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	NextFrame(timeout time.Duration) (*types.Frame, error)
}

// AnalysisLog receives one record per analyzed frame.
type AnalysisLog interface {
	AppendAnalysis(a eventlog.Analysis) error
}

// Config controls the analysis loop.
type Config struct {
	FrameTimeout     time.Duration // wait for the next frame
	AnalyzeEvery     int           // analyze every Nth frame
	CropSize         int           // classifier input edge; 0 = ask the client
	InferenceTimeout time.Duration // bound on one Infer call
}

// Options are the grabber's collaborators. Metrics and Log are optional.
type Options struct {
	Source   Source
	Client   inference.Client
	Detector *detector.Detector
	Recorder *recorder.Recorder
	Metrics  *metrics.Metrics
	Log      AnalysisLog
}

// Grabber runs the capture, detect and record loop.
// Step and Run must be called from one goroutine.
type Grabber struct {
	cfg Config
	src Source
	cli inference.Client
	det *detector.Detector
	rec *recorder.Recorder
	m   *metrics.Metrics
	log AnalysisLog

	crop      *transform.Crop
	frames    uint64
	triggered bool

	sessID     string
	sessFrames int
}

// New creates a grabber. The source must already be started.
func New(cfg Config, opts Options) (*Grabber, error) {
	if opts.Source == nil || opts.Client == nil || opts.Detector == nil || opts.Recorder == nil {
		return nil, errors.New("grabber: source, client, detector and recorder are required")
	}
	if cfg.AnalyzeEvery < 1 {
		cfg.AnalyzeEvery = 1
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 1500 * time.Millisecond
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = time.Second
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Grabber{
		cfg: cfg,
		src: opts.Source,
		cli: opts.Client,
		det: opts.Detector,
		rec: opts.Recorder,
		m:   m,
		log: opts.Log,
	}, nil
}

// Triggered returns the latest trigger decision.
func (g *Grabber) Triggered() bool { return g.triggered }

// Status describes the loop and its recorder.
type Status struct {
	Frames    uint64          `json:"frames"`
	Triggered bool            `json:"triggered"`
	Recorder  recorder.Status `json:"recorder"`
}

// Status returns a snapshot; like Step it must not race with the loop.
func (g *Grabber) Status() Status {
	return Status{Frames: g.frames, Triggered: g.triggered, Recorder: g.rec.Status()}
}

// Run calls Step until ctx is cancelled, then stops the source and closes
// the recorder. Cancellation is observed between iterations.
func (g *Grabber) Run(ctx context.Context) error {
	logger.Info("Grabber", "Grabber running (analyze every %d frame(s))", g.cfg.AnalyzeEvery)
	for ctx.Err() == nil {
		g.Step(ctx)
	}
	return g.Close()
}

// Close stops the source and finalizes any open recording.
func (g *Grabber) Close() error {
	g.src.Stop()
	g.m.SetCaptureRunning(false)
	err := g.rec.Close()
	g.syncRecorder()
	if err != nil {
		logger.Error("Grabber", "Closing recorder: %v", err)
	}
	return err
}

// Step runs one iteration: wait for a frame, maybe analyze it, feed the recorder.
// It returns the capture error that prevented processing, if any; faults after
// a frame was obtained are logged and counted but not returned.
func (g *Grabber) Step(ctx context.Context) error {
	frame, err := g.src.NextFrame(g.cfg.FrameTimeout)
	switch {
	case errors.Is(err, capture.ErrTimeout):
		g.m.CaptureTimeouts.Add(1)
		g.handleTimeout(ctx)
		return err
	case err != nil:
		g.m.CaptureErrors.Add(1)
		logger.Warn("Grabber", "Capture error: %v", err)
		return err
	}

	g.m.FramesCaptured.Add(1)
	g.m.SetCaptureRunning(true)
	g.frames++

	if g.crop == nil || !g.crop.Matches(frame.Width, frame.Height) {
		g.deriveCrop(frame)
	}
	if (g.frames-1)%uint64(g.cfg.AnalyzeEvery) == 0 && g.crop != nil {
		g.triggered = g.analyze(ctx, frame)
	}

	if err := g.rec.Update(frame, g.triggered); err != nil {
		var serr *recorder.StorageError
		switch {
		case errors.As(err, &serr):
			g.m.StorageErrors.Add(1)
			logger.Error("Grabber", "Recording: %v", err)
		case errors.Is(err, recorder.ErrOutOfOrder):
			logger.Warn("Grabber", "Frame %d skipped: %v", frame.Seq, err)
		default:
			logger.Error("Grabber", "Recorder update: %v", err)
		}
	}
	g.syncRecorder()
	return nil
}

func (g *Grabber) handleTimeout(ctx context.Context) {
	if g.src.Running() {
		logger.Warn("Grabber", "No frame within %v", g.cfg.FrameTimeout)
		return
	}
	g.m.SetCaptureRunning(false)
	if ctx.Err() != nil {
		return
	}
	if err := g.src.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("Grabber", "Restarting capture failed: %v", err)
		return
	}
	g.m.SourceRestarts.Add(1)
	g.m.SetCaptureRunning(true)
	logger.Info("Grabber", "Capture restarted")
}

// deriveCrop recomputes the transform for the frame's dimensions.
func (g *Grabber) deriveCrop(f *types.Frame) {
	edge := g.cfg.CropSize
	if edge <= 0 {
		edge = g.cli.InputSize()
	}
	crop, err := transform.New(f.Width, f.Height, edge)
	if err != nil {
		g.crop = nil
		logger.Error("Grabber", "Cannot derive crop for %dx%d: %v", f.Width, f.Height, err)
		return
	}
	if g.crop != nil {
		logger.Info("Grabber", "Frame size changed to %dx%d", f.Width, f.Height)
	}
	g.crop = crop
	logger.Debug("Grabber", "Crop %v -> %dx%d", crop.Rect(), crop.Edge(), crop.Edge())
}

// analyze classifies one frame; failures count as untriggered.
func (g *Grabber) analyze(ctx context.Context, f *types.Frame) bool {
	rec := eventlog.Analysis{Time: f.Timestamp, Seq: f.Seq}
	defer func() { g.appendAnalysis(rec) }()

	img, err := g.crop.Apply(f)
	if err != nil {
		logger.Error("Grabber", "Transform frame %d: %v", f.Seq, err)
		rec.Err = err.Error()
		return false
	}

	// Shutdown must not turn an in-flight call into an untriggered frame.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.InferenceTimeout)
	start := time.Now()
	scores, err := g.cli.Infer(ictx, img)
	cancel()
	g.m.ObserveInference(time.Since(start))
	g.m.FramesAnalyzed.Add(1)
	g.m.UpdateFrameLatency(f.Timestamp)
	if err != nil {
		g.m.InferenceErrors.Add(1)
		logger.Warn("Grabber", "Inference on frame %d: %v", f.Seq, err)
		rec.Err = err.Error()
		return false
	}

	rec.Scores = scores.Values
	idx, score := g.det.Max(scores)
	if idx >= 0 {
		rec.Label, rec.Score = labelAt(scores, idx), score
	}
	triggered := g.det.Detect(scores)
	rec.Triggered = triggered
	if triggered {
		g.m.Triggers.Add(1)
		if !g.triggered {
			logger.Info("Grabber", "Triggered: %s (%.2f)", rec.Label, score)
		}
	} else if g.triggered {
		logger.Debug("Grabber", "Trigger dropped: %s (%.2f)", rec.Label, score)
	}
	return triggered
}

func (g *Grabber) appendAnalysis(a eventlog.Analysis) {
	if g.log == nil {
		return
	}
	if err := g.log.AppendAnalysis(a); err != nil {
		logger.Warn("Grabber", "Event log: %v", err)
	}
}

// syncRecorder mirrors recorder state into metrics.
func (g *Grabber) syncRecorder() {
	g.m.RecorderState.Store(uint64(g.rec.State()))
	g.m.PreRollFrames.Store(uint64(g.rec.PreRollLen()))

	sess, ok := g.rec.Session()
	if !ok {
		g.sessID, g.sessFrames = "", 0
		g.m.SessionFrames.Store(0)
		return
	}
	id := sess.ID.String()
	if id != g.sessID {
		g.sessID, g.sessFrames = id, 0
		g.m.SessionsOpened.Add(1)
	}
	if d := sess.Frames - g.sessFrames; d > 0 {
		g.m.FramesRecorded.Add(uint64(d))
	}
	g.sessFrames = sess.Frames
	g.m.SessionFrames.Store(uint64(sess.Frames))
}

func labelAt(s inference.Scores, i int) string {
	if i < len(s.Labels) {
		return s.Labels[i]
	}
	return fmt.Sprintf("#%d", i)
}
