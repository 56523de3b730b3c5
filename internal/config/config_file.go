package config

import (
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config with string durations for TOML. Pointer fields
// distinguish an explicit zero from an absent key.
type FileConfig struct {
	Locator          string `toml:"locator"`
	CameraIP         string `toml:"ip"`
	IdentityURL      string `toml:"identity_url"`
	IdentityUser     string `toml:"identity_user"`
	IdentityPassword string `toml:"identity_password"`
	Device           string `toml:"device"`
	SyncTime         *bool  `toml:"sync_time"`

	Retry            *bool  `toml:"retry"`
	RetryDelay       string `toml:"retry_delay"`
	RetryMaxDelay    string `toml:"retry_max_delay"`
	RetryMaxAttempts *int   `toml:"retry_max_attempts"`
	FrameTimeout     string `toml:"frame_timeout"`

	AnalyzeEvery     *int     `toml:"analyze_every"`
	CropSize         *int     `toml:"crop_size"`
	Threshold        *float64 `toml:"threshold"`
	MaskFile         string   `toml:"mask_file"`
	InferenceAddr    string   `toml:"inference_addr"`
	InferenceTimeout string   `toml:"inference_timeout"`

	DataDir       string `toml:"data_dir"`
	PreRoll       string `toml:"pre_roll"`
	PreRollFrames *int   `toml:"pre_roll_frames"`
	MinTrigger    string `toml:"min_trigger"`
	HoldOver      string `toml:"hold_over"`
	MaxSegment    string `toml:"max_segment"`
	ClipFPS       *int   `toml:"clip_fps"`
	ClipQuality   *int   `toml:"clip_quality"`
	EventLog      *bool  `toml:"event_log"`

	MetricsAddr string `toml:"metrics_addr"`
	LogLevel    string `toml:"log_level"`
	LogColor    *bool  `toml:"log_color"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// ApplyFileConfig copies file values into cfg, skipping flags in changed.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := &setter{changed: changed}

	s.setString("locator", fc.Locator, &cfg.Locator)
	s.setString("ip", fc.CameraIP, &cfg.CameraIP)
	s.setString("identity-url", fc.IdentityURL, &cfg.IdentityURL)
	s.setString("user", fc.IdentityUser, &cfg.IdentityUser)
	s.setString("password", fc.IdentityPassword, &cfg.IdentityPassword)
	s.setString("name", fc.Device, &cfg.Device)
	s.setString("mask-file", fc.MaskFile, &cfg.MaskFile)
	s.setString("inference-addr", fc.InferenceAddr, &cfg.InferenceAddr)
	s.setString("data-dir", fc.DataDir, &cfg.DataDir)
	s.setString("metrics", fc.MetricsAddr, &cfg.MetricsAddr)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	durations := []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"retry-delay", fc.RetryDelay, &cfg.RetryDelay},
		{"retry-max-delay", fc.RetryMaxDelay, &cfg.RetryMaxDelay},
		{"frame-timeout", fc.FrameTimeout, &cfg.FrameTimeout},
		{"inference-timeout", fc.InferenceTimeout, &cfg.InferenceTimeout},
		{"pre-roll", fc.PreRoll, &cfg.PreRoll},
		{"min-trigger", fc.MinTrigger, &cfg.MinTrigger},
		{"hold-over", fc.HoldOver, &cfg.HoldOver},
		{"max-segment", fc.MaxSegment, &cfg.MaxSegment},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}

	s.setInt("retry-max-attempts", fc.RetryMaxAttempts, &cfg.RetryMaxAttempts)
	s.setInt("analyze-every", fc.AnalyzeEvery, &cfg.AnalyzeEvery)
	s.setInt("crop-size", fc.CropSize, &cfg.CropSize)
	s.setInt("pre-roll-frames", fc.PreRollFrames, &cfg.PreRollFrames)
	s.setInt("clip-fps", fc.ClipFPS, &cfg.ClipFPS)
	s.setInt("clip-quality", fc.ClipQuality, &cfg.ClipQuality)

	s.setFloat("threshold", fc.Threshold, &cfg.Threshold)

	s.setBool("sync-time", fc.SyncTime, &cfg.SyncTime)
	s.setBool("retry", fc.Retry, &cfg.Retry)
	s.setBool("event-log", fc.EventLog, &cfg.EventLog)
	s.setBool("log-color", fc.LogColor, &cfg.LogColor)

	return nil
}
