package config

import (
	"os"
	"time"
)

// ApplyEnvConfig overlays PCAM_* environment variables onto cfg, skipping
// flags in changed. PCAM_USER and PCAM_PASSWORD carry camera credentials.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := &setter{changed: changed}

	s.setString("locator", os.Getenv("PCAM_LOCATOR"), &cfg.Locator)
	s.setString("ip", os.Getenv("PCAM_IP"), &cfg.CameraIP)
	s.setString("identity-url", os.Getenv("PCAM_IDENTITY_URL"), &cfg.IdentityURL)
	s.setString("user", os.Getenv("PCAM_USER"), &cfg.IdentityUser)
	s.setString("password", os.Getenv("PCAM_PASSWORD"), &cfg.IdentityPassword)
	s.setString("name", os.Getenv("PCAM_DEVICE"), &cfg.Device)
	s.setString("mask-file", os.Getenv("PCAM_MASK_FILE"), &cfg.MaskFile)
	s.setString("inference-addr", os.Getenv("PCAM_INFERENCE_ADDR"), &cfg.InferenceAddr)
	s.setString("data-dir", os.Getenv("PCAM_DATA_DIR"), &cfg.DataDir)
	s.setString("metrics", os.Getenv("PCAM_METRICS_ADDR"), &cfg.MetricsAddr)
	s.setString("log-level", os.Getenv("PCAM_LOG_LEVEL"), &cfg.LogLevel)

	durations := map[string]struct {
		env string
		dst *time.Duration
	}{
		"retry-delay":       {"PCAM_RETRY_DELAY", &cfg.RetryDelay},
		"retry-max-delay":   {"PCAM_RETRY_MAX_DELAY", &cfg.RetryMaxDelay},
		"frame-timeout":     {"PCAM_FRAME_TIMEOUT", &cfg.FrameTimeout},
		"inference-timeout": {"PCAM_INFERENCE_TIMEOUT", &cfg.InferenceTimeout},
		"pre-roll":          {"PCAM_PRE_ROLL", &cfg.PreRoll},
		"min-trigger":       {"PCAM_MIN_TRIGGER", &cfg.MinTrigger},
		"hold-over":         {"PCAM_HOLD_OVER", &cfg.HoldOver},
		"max-segment":       {"PCAM_MAX_SEGMENT", &cfg.MaxSegment},
	}
	for flag, d := range durations {
		if err := s.setDuration(flag, os.Getenv(d.env), d.dst); err != nil {
			return err
		}
	}

	ints := map[string]struct {
		env string
		dst *int
	}{
		"retry-max-attempts": {"PCAM_RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts},
		"analyze-every":      {"PCAM_ANALYZE_EVERY", &cfg.AnalyzeEvery},
		"crop-size":          {"PCAM_CROP_SIZE", &cfg.CropSize},
		"pre-roll-frames":    {"PCAM_PRE_ROLL_FRAMES", &cfg.PreRollFrames},
		"clip-fps":           {"PCAM_CLIP_FPS", &cfg.ClipFPS},
		"clip-quality":       {"PCAM_CLIP_QUALITY", &cfg.ClipQuality},
	}
	for flag, i := range ints {
		if err := s.setIntFromString(flag, os.Getenv(i.env), i.dst); err != nil {
			return err
		}
	}

	if err := s.setFloatFromString("threshold", os.Getenv("PCAM_THRESHOLD"), &cfg.Threshold); err != nil {
		return err
	}

	bools := []struct {
		flag string
		env  string
		dst  *bool
	}{
		{"sync-time", "PCAM_SYNC_TIME", &cfg.SyncTime},
		{"retry", "PCAM_RETRY", &cfg.Retry},
		{"event-log", "PCAM_EVENT_LOG", &cfg.EventLog},
		{"log-color", "PCAM_LOG_COLOR", &cfg.LogColor},
	}
	for _, b := range bools {
		if err := s.setBoolFromString(b.flag, os.Getenv(b.env), b.dst); err != nil {
			return err
		}
	}

	return nil
}
