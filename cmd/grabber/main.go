package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/dj-oyu/pollinator-cam/internal/capture"
	"github.com/dj-oyu/pollinator-cam/internal/config"
	"github.com/dj-oyu/pollinator-cam/internal/detector"
	"github.com/dj-oyu/pollinator-cam/internal/eventlog"
	"github.com/dj-oyu/pollinator-cam/internal/grabber"
	"github.com/dj-oyu/pollinator-cam/internal/gstream"
	"github.com/dj-oyu/pollinator-cam/internal/identity"
	"github.com/dj-oyu/pollinator-cam/internal/inference"
	"github.com/dj-oyu/pollinator-cam/internal/logger"
	"github.com/dj-oyu/pollinator-cam/internal/metrics"
	"github.com/dj-oyu/pollinator-cam/internal/recorder"
	"github.com/dj-oyu/pollinator-cam/pkg/types"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := config.DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:   "grabber",
		Short: "Record camera clips around pollinator detections",
		Example: `  grabber --ip 10.1.1.20 --user admin --password secret
  grabber --locator rtsp://cam.local/stream --name meadow-1 --retry`,
		Version:      fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = config.DefaultConfigPath()
			}
			if cfgFile != "" && config.FileExists(cfgFile) {
				fc, err := config.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := config.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}
			if err := config.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			level, err := logger.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger.Init(level, os.Stderr, cfg.LogColor)
			logger.Info("Main", "Grabber starting (%s)", getVersion())
			logger.Debug("Main", "Configuration: %+v", cfg.Redacted())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&cfgPath, "config", "", "TOML config file (default ~/.pollinator-cam/config.toml)")
	f.StringVar(&cfg.Locator, "locator", cfg.Locator, "Stream URL (overrides --ip)")
	f.StringVar(&cfg.CameraIP, "ip", cfg.CameraIP, "Dahua camera address; derives the stream and identity URLs")
	f.StringVar(&cfg.IdentityURL, "identity-url", cfg.IdentityURL, "Camera CGI base URL for name lookup")
	f.StringVar(&cfg.IdentityUser, "user", cfg.IdentityUser, "Camera user (PCAM_USER)")
	f.StringVar(&cfg.IdentityPassword, "password", cfg.IdentityPassword, "Camera password (PCAM_PASSWORD)")
	f.StringVar(&cfg.Device, "name", cfg.Device, "Device name used in recording paths (default: ask the camera)")
	f.BoolVar(&cfg.SyncTime, "sync-time", cfg.SyncTime, "Set the camera clock at startup")

	f.BoolVar(&cfg.Retry, "retry", cfg.Retry, "Reopen the stream after failures instead of exiting")
	f.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "First reopen delay")
	f.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Reopen delay cap")
	f.IntVar(&cfg.RetryMaxAttempts, "retry-max-attempts", cfg.RetryMaxAttempts, "Consecutive failed reopens before giving up (0 = unbounded)")
	f.DurationVar(&cfg.FrameTimeout, "frame-timeout", cfg.FrameTimeout, "Wait for the next frame")

	f.IntVar(&cfg.AnalyzeEvery, "analyze-every", cfg.AnalyzeEvery, "Analyze every Nth frame")
	f.IntVar(&cfg.CropSize, "crop-size", cfg.CropSize, "Classifier input edge (0 = ask the inference server)")
	f.Float64Var(&cfg.Threshold, "threshold", cfg.Threshold, "Detection threshold")
	f.StringVar(&cfg.MaskFile, "mask-file", cfg.MaskFile, "TOML label mask, reloaded on change")
	f.StringVar(&cfg.InferenceAddr, "inference-addr", cfg.InferenceAddr, "Inference server address")
	f.DurationVar(&cfg.InferenceTimeout, "inference-timeout", cfg.InferenceTimeout, "Bound on one inference call")

	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Recording root directory")
	f.DurationVar(&cfg.PreRoll, "pre-roll", cfg.PreRoll, "Footage kept before a trigger")
	f.IntVar(&cfg.PreRollFrames, "pre-roll-frames", cfg.PreRollFrames, "Pre-roll in frames (overrides --pre-roll)")
	f.DurationVar(&cfg.MinTrigger, "min-trigger", cfg.MinTrigger, "How long a trigger must persist before recording")
	f.DurationVar(&cfg.HoldOver, "hold-over", cfg.HoldOver, "Recording continues this long after the trigger drops")
	f.DurationVar(&cfg.MaxSegment, "max-segment", cfg.MaxSegment, "Start a new file after this long (0 = unlimited)")
	f.IntVar(&cfg.ClipFPS, "clip-fps", cfg.ClipFPS, "Nominal clip frame rate")
	f.IntVar(&cfg.ClipQuality, "clip-quality", cfg.ClipQuality, "MJPEG quality (1-100)")
	f.BoolVar(&cfg.EventLog, "event-log", cfg.EventLog, "Append detections to a per-day event log")

	f.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Metrics server address (empty disables)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	f.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Metrics server listening on %s", cfg.MetricsAddr)
			if err := m.StartServer(cfg.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server: %v", err)
			}
		}()
	}

	var lookup *identity.HTTP
	if cfg.IdentityURL != "" {
		lookup = identity.NewHTTP(cfg.IdentityURL, cfg.IdentityUser, cfg.IdentityPassword)
	}
	device, err := resolveDevice(ctx, cfg.Device, lookup)
	if err != nil {
		return err
	}
	logger.Info("Main", "Device: %s", device)
	if cfg.SyncTime && lookup != nil {
		if err := lookup.SyncTime(ctx, time.Now()); err != nil {
			logger.Warn("Main", "Camera clock not set: %v", err)
		}
	}

	client, err := inference.Dial(ctx, cfg.InferenceAddr, device)
	if err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	defer client.Close()

	det := detector.New(float32(cfg.Threshold))
	if cfg.MaskFile != "" {
		w := detector.NewMaskWatcher(cfg.MaskFile, client.Labels(), det)
		if err := w.Load(); err != nil {
			return fmt.Errorf("mask file: %w", err)
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("Main", "Mask watcher: %v", err)
			}
		}()
	}

	var events *eventlog.Writer
	if cfg.EventLog {
		events = eventlog.NewWriter(cfg.DataDir, device)
		defer func() {
			if err := events.Close(); err != nil {
				logger.Error("Main", "Event log: %v", err)
			}
		}()
	}

	layout := recorder.Layout{Root: cfg.DataDir, Device: device}
	clipOpts := gstream.DefaultClipOptions()
	clipOpts.FPS = cfg.ClipFPS
	clipOpts.Quality = cfg.ClipQuality
	rec, err := recorder.New(recorder.Config{
		PreRoll:       cfg.PreRoll,
		PreRollFrames: cfg.PreRollFrames,
		MinTrigger:    cfg.MinTrigger,
		HoldOver:      cfg.HoldOver,
		MaxSegment:    cfg.MaxSegment,
		FirstSeq:      layout.NextSeq(time.Now()),
		Filename:      layout.Filename,
		Open: func(path string, first *types.Frame) (recorder.ClipWriter, error) {
			clip, err := gstream.OpenClip(path, first.Width, first.Height, clipOpts)
			if err != nil {
				return nil, err
			}
			return clip, nil
		},
		OnSession: func(e recorder.Event) { logSession(events, e) },
	})
	if err != nil {
		return err
	}

	src := capture.New(cfg.Locator, gstream.NewOpener(gstream.DefaultDecoderOptions()), capture.RetryPolicy{
		Enabled:     cfg.Retry,
		MaxAttempts: cfg.RetryMaxAttempts,
		Delay:       cfg.RetryDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	})
	if err := src.Start(ctx); err != nil {
		if !cfg.Retry {
			return err
		}
		logger.Warn("Main", "Initial open failed, will retry: %v", err)
	}
	m.SetCaptureRunning(src.Running())

	opts := grabber.Options{
		Source:   src,
		Client:   client,
		Detector: det,
		Recorder: rec,
		Metrics:  m,
	}
	if events != nil {
		opts.Log = events
	}
	g, err := grabber.New(grabber.Config{
		FrameTimeout:     cfg.FrameTimeout,
		AnalyzeEvery:     cfg.AnalyzeEvery,
		CropSize:         cfg.CropSize,
		InferenceTimeout: cfg.InferenceTimeout,
	}, opts)
	if err != nil {
		src.Stop()
		return err
	}

	err = g.Run(ctx)
	st := g.Status()
	logger.Info("Main", "Grabber stopped after %d frame(s), %d recording(s)", st.Frames, st.Recorder.Sessions)
	return err
}

func resolveDevice(ctx context.Context, configured string, lookup *identity.HTTP) (string, error) {
	if lookup == nil {
		return identity.Resolve(ctx, configured, nil)
	}
	lctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return identity.Resolve(lctx, configured, lookup)
}

func logSession(events *eventlog.Writer, e recorder.Event) {
	s := e.Session
	switch e.Kind {
	case recorder.SessionOpened:
		logger.Info("Recorder", "Recording %s", s.Path)
	case recorder.SessionClosed:
		logger.Info("Recorder", "Closed %s (%d frames, %d dropped, %v)",
			s.Path, s.Frames, s.Dropped, s.Last.Sub(s.Start))
	}
	if events == nil {
		return
	}
	t := s.Start
	if e.Kind == recorder.SessionClosed {
		t = s.Last
	}
	err := events.AppendSession(eventlog.Session{
		Time:   t,
		Kind:   e.Kind.String(),
		ID:     s.ID.String(),
		Seq:    s.Seq,
		Path:   s.Path,
		Frames: s.Frames,
	})
	if err != nil {
		logger.Warn("Recorder", "Event log: %v", err)
	}
}
