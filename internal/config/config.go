// Package config holds the grabber configuration and its layering:
// defaults < TOML file < PCAM_* environment < command-line flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dj-oyu/pollinator-cam/internal/identity"
)

// DefaultDataDir is where recordings and event logs go unless configured.
const DefaultDataDir = "/mnt/data/videos"

// Config holds grabber configuration.
type Config struct {
	// Stream
	Locator          string
	CameraIP         string
	IdentityURL      string
	IdentityUser     string
	IdentityPassword string
	Device           string
	SyncTime         bool

	// Capture
	Retry            bool
	RetryDelay       time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	FrameTimeout     time.Duration

	// Analysis
	AnalyzeEvery     int
	CropSize         int
	Threshold        float64
	MaskFile         string
	InferenceAddr    string
	InferenceTimeout time.Duration

	// Recording
	DataDir       string
	PreRoll       time.Duration
	PreRollFrames int
	MinTrigger    time.Duration
	HoldOver      time.Duration
	MaxSegment    time.Duration
	ClipFPS       int
	ClipQuality   int
	EventLog      bool

	// Ops
	MetricsAddr string
	LogLevel    string
	LogColor    bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		RetryDelay:       500 * time.Millisecond,
		RetryMaxDelay:    30 * time.Second,
		FrameTimeout:     1500 * time.Millisecond,
		AnalyzeEvery:     1,
		Threshold:        0.5,
		InferenceAddr:    "127.0.0.1:7700",
		InferenceTimeout: time.Second,
		DataDir:          DefaultDataDir,
		PreRoll:          time.Second,
		HoldOver:         10 * time.Second,
		MaxSegment:       10 * time.Minute,
		ClipFPS:          15,
		ClipQuality:      85,
		EventLog:         true,
		MetricsAddr:      ":9090",
		LogLevel:         "info",
		LogColor:         true,
	}
}

// DefaultConfigPath returns ~/.pollinator-cam/config.toml, or "" without a home directory.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".pollinator-cam", "config.toml")
	}
	return ""
}

// FileExists reports whether p exists.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// Validate checks the configuration and fills derived values.
func (c *Config) Validate() error {
	if c.Locator == "" {
		if c.CameraIP == "" {
			return fmt.Errorf("locator or ip is required")
		}
		c.Locator = identity.DahuaRTSP(c.CameraIP, c.IdentityUser, c.IdentityPassword, 1, 1)
	}
	if c.IdentityURL == "" && c.CameraIP != "" {
		c.IdentityURL = "http://" + c.CameraIP
	}
	if c.Device == "" && c.IdentityURL == "" {
		return fmt.Errorf("device is required when no identity lookup is configured")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}
	if c.FrameTimeout <= 0 {
		return fmt.Errorf("frame-timeout must be positive")
	}
	if c.InferenceTimeout <= 0 {
		return fmt.Errorf("inference-timeout must be positive")
	}
	if c.AnalyzeEvery < 1 {
		return fmt.Errorf("analyze-every must be at least 1")
	}
	if c.CropSize < 0 {
		return fmt.Errorf("crop-size must not be negative")
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be in [0,1]")
	}
	if c.PreRoll < 0 || c.MinTrigger < 0 || c.HoldOver < 0 || c.MaxSegment < 0 {
		return fmt.Errorf("recording durations must not be negative")
	}
	if c.PreRollFrames < 0 {
		return fmt.Errorf("pre-roll-frames must not be negative")
	}
	if c.RetryDelay <= 0 || c.RetryMaxDelay < c.RetryDelay {
		return fmt.Errorf("retry-max-delay must be >= retry-delay > 0")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry-max-attempts must not be negative")
	}
	if c.ClipFPS <= 0 {
		return fmt.Errorf("clip-fps must be positive")
	}
	if c.ClipQuality < 0 || c.ClipQuality > 100 {
		return fmt.Errorf("clip-quality must be in [0,100]")
	}
	return nil
}

// Redacted returns a copy safe for logging.
func (c Config) Redacted() Config {
	if c.IdentityPassword != "" {
		c.IdentityPassword = "*****"
	}
	if u, err := url.Parse(c.Locator); err == nil && u.User != nil {
		c.Locator = u.Redacted()
	}
	return c
}

// setter applies values unless the matching flag was set explicitly.
type setter struct {
	changed map[string]bool
}

func (s *setter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *setter) setInt(flag string, value *int, dst *int) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *setter) setFloat(flag string, value *float64, dst *float64) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *setter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *setter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *setter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

func (s *setter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = f
	return nil
}

func (s *setter) setBoolFromString(flag, value string, dst *bool) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = b
	return nil
}
