package grabber

import (
	"context"
	"errors"
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/dj-oyu/pollinator-cam/internal/capture"
	"github.com/dj-oyu/pollinator-cam/internal/detector"
	"github.com/dj-oyu/pollinator-cam/internal/eventlog"
	"github.com/dj-oyu/pollinator-cam/internal/inference"
	"github.com/dj-oyu/pollinator-cam/internal/metrics"
	"github.com/dj-oyu/pollinator-cam/internal/recorder"
	"github.com/dj-oyu/pollinator-cam/pkg/types"
)

var epoch = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func frame(i, w, h int) *types.Frame {
	return &types.Frame{
		Data:      make([]byte, w*h*types.ChannelsRGB),
		Width:     w,
		Height:    h,
		Channels:  types.ChannelsRGB,
		Timestamp: epoch.Add(time.Duration(i) * time.Second),
		Seq:       uint64(i),
	}
}

type result struct {
	frame *types.Frame
	err   error
}

// fakeSource replays scripted results, then times out.
type fakeSource struct {
	results  []result
	running  bool
	starts   int
	stops    int
	startErr error
	onEmpty  func()
	onStart  func(ctx context.Context)
}

func (s *fakeSource) Start(ctx context.Context) error {
	s.starts++
	if s.onStart != nil {
		s.onStart(ctx)
	}
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

func (s *fakeSource) Stop() {
	s.stops++
	s.running = false
}

func (s *fakeSource) Running() bool { return s.running }

func (s *fakeSource) NextFrame(timeout time.Duration) (*types.Frame, error) {
	if len(s.results) == 0 {
		if s.onEmpty != nil {
			s.onEmpty()
		}
		return nil, capture.ErrTimeout
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.frame, r.err
}

// fakeClient scores calls from a script; the last entry repeats.
type fakeClient struct {
	labels []string
	size   int
	script [][]float32
	block  bool
	delay  time.Duration
	calls  int
	sizes  []image.Rectangle
}

func (c *fakeClient) Labels() []string { return c.labels }
func (c *fakeClient) InputSize() int   { return c.size }

func (c *fakeClient) Infer(ctx context.Context, img *image.RGBA) (inference.Scores, error) {
	c.sizes = append(c.sizes, img.Bounds())
	i := c.calls
	c.calls++
	if c.block {
		<-ctx.Done()
		return inference.Scores{}, &inference.Error{Op: "run", Err: ctx.Err()}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return inference.Scores{}, &inference.Error{Op: "run", Err: ctx.Err()}
		}
	}
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	return inference.Scores{Labels: c.labels, Values: c.script[i]}, nil
}

type memClip struct {
	frames []uint64
	closed bool
}

func (c *memClip) WriteFrame(f *types.Frame) error {
	c.frames = append(c.frames, f.Seq)
	return nil
}

func (c *memClip) Close() error {
	c.closed = true
	return nil
}

type memLog struct {
	records []eventlog.Analysis
}

func (l *memLog) AppendAnalysis(a eventlog.Analysis) error {
	l.records = append(l.records, a)
	return nil
}

type harness struct {
	src   *fakeSource
	cli   *fakeClient
	det   *detector.Detector
	rec   *recorder.Recorder
	m     *metrics.Metrics
	log   *memLog
	clips []*memClip
	g     *Grabber
}

func newHarness(t *testing.T, cfg Config, rcfg recorder.Config, openErr error) *harness {
	t.Helper()
	h := &harness{
		src: &fakeSource{running: true},
		cli: &fakeClient{labels: []string{"bee", "fly", "leaf"}, size: 4, script: [][]float32{{0.1, 0.1, 0.1}}},
		det: detector.New(0.5),
		m:   metrics.New(),
		log: &memLog{},
	}
	rcfg.Filename = func(seq int, t time.Time) (string, error) {
		return fmt.Sprintf("clip_%d.avi", seq), nil
	}
	rcfg.Open = func(path string, first *types.Frame) (recorder.ClipWriter, error) {
		if openErr != nil {
			return nil, openErr
		}
		c := &memClip{}
		h.clips = append(h.clips, c)
		return c, nil
	}
	rec, err := recorder.New(rcfg)
	if err != nil {
		t.Fatalf("recorder.New() error = %v", err)
	}
	h.rec = rec

	g, err := New(cfg, Options{
		Source:   h.src,
		Client:   h.cli,
		Detector: h.det,
		Recorder: h.rec,
		Metrics:  h.m,
		Log:      h.log,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.g = g
	return h
}

func (h *harness) feed(frames ...*types.Frame) {
	for _, f := range frames {
		h.src.results = append(h.src.results, result{frame: f})
	}
}

func TestEndToEndRecordsAroundTrigger(t *testing.T) {
	h := newHarness(t,
		Config{AnalyzeEvery: 2, InferenceTimeout: time.Second},
		recorder.Config{PreRollFrames: 2, HoldOver: 2 * time.Second},
		nil)
	// leaf always scores high but is masked out; bee crosses on the third analysis
	h.det.SetMask([]bool{true, true, false})
	h.cli.script = [][]float32{
		{0.1, 0.2, 0.95},
		{0.1, 0.2, 0.95},
		{0.9, 0.2, 0.95},
		{0.1, 0.2, 0.95},
		{0.1, 0.2, 0.95},
	}
	for i := 0; i < 10; i++ {
		h.feed(frame(i, 8, 6))
	}

	for i := 0; i < 10; i++ {
		if err := h.g.Step(context.Background()); err != nil {
			t.Fatalf("Step(%d) error = %v", i, err)
		}
	}

	if len(h.clips) != 1 {
		t.Fatalf("clips = %d, want 1", len(h.clips))
	}
	want := []uint64{2, 3, 4, 5, 6, 7, 8}
	if fmt.Sprint(h.clips[0].frames) != fmt.Sprint(want) {
		t.Fatalf("clip frames = %v, want %v", h.clips[0].frames, want)
	}
	if !h.clips[0].closed {
		t.Fatal("clip should be closed after hold-over expired")
	}
	// frame 9 ended the hold-over and starts the next pre-roll
	if h.rec.State() != recorder.PreRoll || h.rec.PreRollLen() != 1 {
		t.Fatalf("recorder = %v with %d buffered, want preroll with 1", h.rec.State(), h.rec.PreRollLen())
	}

	if h.cli.calls != 5 {
		t.Fatalf("inference calls = %d, want 5", h.cli.calls)
	}
	for _, r := range h.cli.sizes {
		if r.Dx() != 4 || r.Dy() != 4 {
			t.Fatalf("classifier input = %v, want 4x4", r)
		}
	}

	if len(h.log.records) != 5 {
		t.Fatalf("analysis records = %d, want 5", len(h.log.records))
	}
	hit := h.log.records[2]
	if !hit.Triggered || hit.Label != "bee" || hit.Score != 0.9 || hit.Seq != 4 {
		t.Fatalf("trigger record = %+v", hit)
	}
	if miss := h.log.records[0]; miss.Triggered || miss.Label != "fly" {
		t.Fatalf("first record = %+v, masked label must not win", miss)
	}

	if got := h.m.FramesCaptured.Load(); got != 10 {
		t.Fatalf("FramesCaptured = %d", got)
	}
	if got := h.m.FramesAnalyzed.Load(); got != 5 {
		t.Fatalf("FramesAnalyzed = %d", got)
	}
	if got := h.m.Triggers.Load(); got != 1 {
		t.Fatalf("Triggers = %d", got)
	}
	if got := h.m.SessionsOpened.Load(); got != 1 {
		t.Fatalf("SessionsOpened = %d", got)
	}
	if got := h.m.FramesRecorded.Load(); got != 7 {
		t.Fatalf("FramesRecorded = %d", got)
	}
}

func TestInferenceTimeoutIsUntriggered(t *testing.T) {
	h := newHarness(t,
		Config{InferenceTimeout: 20 * time.Millisecond},
		recorder.Config{PreRollFrames: 1},
		nil)
	h.cli.block = true
	h.feed(frame(0, 8, 6))

	if err := h.g.Step(context.Background()); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if h.g.Triggered() {
		t.Fatal("timed out inference must not trigger")
	}
	if got := h.m.InferenceErrors.Load(); got != 1 {
		t.Fatalf("InferenceErrors = %d, want 1", got)
	}
	if len(h.log.records) != 1 || h.log.records[0].Err == "" {
		t.Fatalf("records = %+v, want one with error", h.log.records)
	}
	if h.rec.State() != recorder.PreRoll {
		t.Fatalf("recorder state = %v, frame should still be buffered", h.rec.State())
	}
}

func TestCancelDuringInferenceKeepsResult(t *testing.T) {
	h := newHarness(t,
		Config{InferenceTimeout: time.Second},
		recorder.Config{},
		nil)
	h.cli.script = [][]float32{{0.9, 0, 0}}
	h.cli.delay = 50 * time.Millisecond
	h.feed(frame(0, 8, 6))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	defer cancel()

	if err := h.g.Step(ctx); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("context should be cancelled by now")
	}
	if !h.g.Triggered() {
		t.Fatal("inference in flight at shutdown must keep its result")
	}
	if got := h.m.InferenceErrors.Load(); got != 0 {
		t.Fatalf("InferenceErrors = %d, want 0", got)
	}
	if h.rec.State() != recorder.Recording {
		t.Fatalf("recorder state = %v, want recording", h.rec.State())
	}
}

func TestRestartIgnoresCancelledContext(t *testing.T) {
	h := newHarness(t, Config{}, recorder.Config{}, nil)
	h.src.running = false
	var startCtx context.Context
	h.src.onStart = func(ctx context.Context) { startCtx = ctx }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.g.Step(ctx)
	if startCtx == nil {
		t.Fatal("stopped source should be restarted")
	}
	if startCtx.Done() != nil {
		t.Fatal("source must not be bound to the loop's cancellation")
	}
}

func TestTriggerHeldBetweenAnalyses(t *testing.T) {
	h := newHarness(t,
		Config{AnalyzeEvery: 3},
		recorder.Config{},
		nil)
	h.cli.script = [][]float32{{0.8, 0, 0}, {0.1, 0, 0}}
	for i := 0; i < 4; i++ {
		h.feed(frame(i, 8, 6))
	}
	for i := 0; i < 3; i++ {
		h.g.Step(context.Background())
		if !h.g.Triggered() {
			t.Fatalf("frame %d: trigger should be held until the next analysis", i)
		}
	}
	h.g.Step(context.Background())
	if h.g.Triggered() {
		t.Fatal("frame 3: trigger should drop after the second analysis")
	}
	if h.rec.State() != recorder.HoldOver {
		t.Fatalf("recorder state = %v, want holdover", h.rec.State())
	}
}

func TestDimensionChangeRecomputesCrop(t *testing.T) {
	h := newHarness(t, Config{}, recorder.Config{}, nil)
	h.feed(frame(0, 8, 6), frame(1, 6, 10))

	h.g.Step(context.Background())
	if r := h.g.crop.Rect(); r != image.Rect(1, 0, 7, 6) {
		t.Fatalf("landscape crop = %v", r)
	}
	h.g.Step(context.Background())
	if r := h.g.crop.Rect(); r != image.Rect(0, 2, 6, 8) {
		t.Fatalf("portrait crop = %v", r)
	}
	if h.cli.calls != 2 {
		t.Fatalf("inference calls = %d, want 2", h.cli.calls)
	}
}

func TestConfiguredCropSizeOverridesClient(t *testing.T) {
	h := newHarness(t, Config{CropSize: 2}, recorder.Config{}, nil)
	h.feed(frame(0, 8, 6))
	h.g.Step(context.Background())
	if len(h.cli.sizes) != 1 || h.cli.sizes[0].Dx() != 2 {
		t.Fatalf("classifier input = %v, want 2x2", h.cli.sizes)
	}
	if h.g.crop.Edge() != 2 {
		t.Fatalf("crop edge = %d, want 2", h.g.crop.Edge())
	}
}

func TestCaptureErrorIsCountedAndSkipped(t *testing.T) {
	h := newHarness(t, Config{}, recorder.Config{PreRollFrames: 1}, nil)
	h.src.results = []result{{err: &capture.CaptureError{Err: errors.New("corrupt"), Timestamp: epoch}}}
	h.feed(frame(1, 8, 6))

	err := h.g.Step(context.Background())
	var cerr *capture.CaptureError
	if !errors.As(err, &cerr) {
		t.Fatalf("Step() error = %v, want *CaptureError", err)
	}
	if got := h.m.CaptureErrors.Load(); got != 1 {
		t.Fatalf("CaptureErrors = %d", got)
	}
	if err := h.g.Step(context.Background()); err != nil {
		t.Fatalf("Step() after error = %v", err)
	}
	if h.rec.PreRollLen() != 1 {
		t.Fatalf("pre-roll = %d, want 1", h.rec.PreRollLen())
	}
}

func TestTimeoutRestartsStoppedSource(t *testing.T) {
	h := newHarness(t, Config{}, recorder.Config{}, nil)

	if err := h.g.Step(context.Background()); !errors.Is(err, capture.ErrTimeout) {
		t.Fatalf("Step() error = %v, want ErrTimeout", err)
	}
	if h.src.starts != 0 {
		t.Fatal("running source must not be restarted on a stall")
	}

	h.src.running = false
	h.src.startErr = errors.New("camera offline")
	h.g.Step(context.Background())
	if h.src.starts != 1 || h.m.SourceRestarts.Load() != 0 {
		t.Fatalf("starts = %d restarts = %d after failed restart", h.src.starts, h.m.SourceRestarts.Load())
	}

	h.src.startErr = nil
	h.g.Step(context.Background())
	if h.src.starts != 2 || h.m.SourceRestarts.Load() != 1 || !h.src.running {
		t.Fatalf("starts = %d restarts = %d running = %v", h.src.starts, h.m.SourceRestarts.Load(), h.src.running)
	}
	if got := h.m.CaptureTimeouts.Load(); got != 3 {
		t.Fatalf("CaptureTimeouts = %d, want 3", got)
	}
}

func TestStorageErrorDoesNotStopLoop(t *testing.T) {
	h := newHarness(t, Config{}, recorder.Config{}, errors.New("disk full"))
	h.cli.script = [][]float32{{0.9, 0, 0}}
	h.feed(frame(0, 8, 6), frame(1, 8, 6))

	for i := 0; i < 2; i++ {
		if err := h.g.Step(context.Background()); err != nil {
			t.Fatalf("Step(%d) error = %v", i, err)
		}
	}
	if got := h.m.StorageErrors.Load(); got != 1 {
		t.Fatalf("StorageErrors = %d, want 1", got)
	}
	if h.rec.State() != recorder.Recording {
		t.Fatalf("recorder state = %v, want recording", h.rec.State())
	}
}

func TestRunStopsOnCancelAndClosesSession(t *testing.T) {
	h := newHarness(t, Config{}, recorder.Config{HoldOver: time.Minute}, nil)
	h.cli.script = [][]float32{{0.9, 0, 0}}
	h.feed(frame(0, 8, 6), frame(1, 8, 6))

	ctx, cancel := context.WithCancel(context.Background())
	h.src.onEmpty = cancel

	done := make(chan error, 1)
	go func() { done <- h.g.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if h.src.stops != 1 {
		t.Fatalf("source stops = %d, want 1", h.src.stops)
	}
	if len(h.clips) != 1 || !h.clips[0].closed || len(h.clips[0].frames) != 2 {
		t.Fatalf("clips = %+v, want one closed clip with 2 frames", h.clips)
	}
	if h.rec.State() != recorder.Idle {
		t.Fatalf("recorder state = %v after Run", h.rec.State())
	}
	st := h.g.Status()
	if st.Frames != 2 || !st.Triggered || st.Recorder.Sessions != 1 || st.Recorder.Recording {
		t.Fatalf("Status() = %+v, want 2 frames and one finished recording", st)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Options{}); err == nil {
		t.Fatal("New() without collaborators should fail")
	}
}
