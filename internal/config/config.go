// Package config defines service configuration structures and loading hooks.
//
// Conventions:
//   - New returns a Config holding every default.
//   - Load layers defaults, an optional YAML file and PRESENCE_ env vars.
//   - Duration-like settings are stored as milliseconds and exposed through
//     typed accessors.
package config

import (
	"time"
)

// Camera describes one capture device reachable by the media platform.
type Camera struct {
	// ID is the stable device id used in session bookkeeping.
	ID string `koanf:"id"`
	// Label is the human readable label used by the facing heuristics.
	// Leave it empty to exercise positional fallback.
	Label string `koanf:"label"`
	// URL is the multipart JPEG stream endpoint.
	URL string `koanf:"url"`
	// Device is the kernel device node (e.g. /dev/video0) matched against
	// hot-plug events. Optional.
	Device string `koanf:"device"`
	// ResolutionQuery appends width/height query parameters to URL.
	ResolutionQuery bool `koanf:"resolution_query"`
}

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`
	// TenantID scopes the roster and the recorded events.
	TenantID string `koanf:"tenant_id"`

	CooldownMS          int     `koanf:"cooldown_ms"`
	MatchThreshold      float64 `koanf:"match_threshold"`
	DetectionIntervalMS int     `koanf:"detection_interval_ms"`
	CompactIntervalMS   int     `koanf:"compact_interval_ms"`
	// Compact selects the shorter interval used on narrow displays.
	Compact       bool `koanf:"compact"`
	RefreshHz     int  `koanf:"refresh_hz"`
	GracePeriodMS int  `koanf:"grace_period_ms"`

	InputSize             int     `koanf:"input_size"`
	ScoreThreshold        float64 `koanf:"score_threshold"`
	RelaxedInputSize      int     `koanf:"relaxed_input_size"`
	RelaxedScoreThreshold float64 `koanf:"relaxed_score_threshold"`

	HealthPollMS     int `koanf:"health_poll_ms"`
	StallThresholdMS int `koanf:"stall_threshold_ms"`
	WarmupFrames     int `koanf:"warmup_frames"`
	WarmupTimeoutMS  int `koanf:"warmup_timeout_ms"`

	RetryAttempts       int `koanf:"retry_attempts"`
	RetryInitialDelayMS int `koanf:"retry_initial_delay_ms"`
	RetryMaxDelayMS     int `koanf:"retry_max_delay_ms"`

	// PreferredFacing is "front" or "back".
	PreferredFacing string `koanf:"preferred_facing"`
	TargetWidth     int    `koanf:"target_width"`
	TargetHeight    int    `koanf:"target_height"`

	RecentMatchesSize  int `koanf:"recent_matches_size"`
	StatusQueueSize    int `koanf:"status_queue_size"`
	DedupeSize         int `koanf:"dedupe_size"`
	IndexMinEmbeddings int `koanf:"index_min_embeddings"`

	// StoreDriver is one of sqlite, postgres, memory.
	StoreDriver string `koanf:"store_driver"`
	StorePath   string `koanf:"store_path"`
	StoreDSN    string `koanf:"store_dsn"`

	// InferenceEngine is "http" for the embedding service or "simulated"
	// for a demo engine that reports the tenant's roster faces.
	InferenceEngine    string `koanf:"inference_engine"`
	InferenceURL       string `koanf:"inference_url"`
	InferenceTimeoutMS int    `koanf:"inference_timeout_ms"`
	UploadMaxSide      int    `koanf:"upload_max_side"`

	// Hotplug enables the udev video4linux watcher.
	Hotplug bool     `koanf:"hotplug"`
	Cameras []Camera `koanf:"cameras"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:              "info",
		Addr:                  ":9080",
		CooldownMS:            300_000,
		MatchThreshold:        0.55,
		DetectionIntervalMS:   800,
		CompactIntervalMS:     600,
		RefreshHz:             60,
		GracePeriodMS:         7_000,
		InputSize:             160,
		ScoreThreshold:        0.5,
		RelaxedInputSize:      128,
		RelaxedScoreThreshold: 0.3,
		HealthPollMS:          1_200,
		StallThresholdMS:      2_500,
		WarmupFrames:          3,
		WarmupTimeoutMS:       5_000,
		RetryAttempts:         3,
		RetryInitialDelayMS:   500,
		RetryMaxDelayMS:       8_000,
		PreferredFacing:       "back",
		TargetWidth:           1280,
		TargetHeight:          720,
		RecentMatchesSize:     6,
		StatusQueueSize:       1024,
		DedupeSize:            10_000,
		IndexMinEmbeddings:    2048,
		StoreDriver:           "sqlite",
		StorePath:             "presence.db",
		InferenceEngine:       "http",
		InferenceURL:          "http://localhost:8000",
		InferenceTimeoutMS:    5_000,
		UploadMaxSide:         640,
		Hotplug:               true,
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Cooldown returns the per-identity dedup window.
func (c *Config) Cooldown() time.Duration { return ms(c.CooldownMS) }

// DetectionInterval returns the throttle between passes for the active profile.
func (c *Config) DetectionInterval() time.Duration {
	if c.Compact {
		return ms(c.CompactIntervalMS)
	}
	return ms(c.DetectionIntervalMS)
}

// FrameInterval returns the tick period of the display-refresh clock.
func (c *Config) FrameInterval() time.Duration {
	if c.RefreshHz <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.RefreshHz)
}

// GracePeriod returns the silence after which detection is relaxed.
func (c *Config) GracePeriod() time.Duration { return ms(c.GracePeriodMS) }

// HealthPoll returns the health monitor poll interval.
func (c *Config) HealthPoll() time.Duration { return ms(c.HealthPollMS) }

// StallThreshold returns the silence after which a stream is stalled.
func (c *Config) StallThreshold() time.Duration { return ms(c.StallThresholdMS) }

// WarmupTimeout bounds the wait for a bound sink to produce frames.
func (c *Config) WarmupTimeout() time.Duration { return ms(c.WarmupTimeoutMS) }

// RetryInitialDelay returns the first backoff delay.
func (c *Config) RetryInitialDelay() time.Duration { return ms(c.RetryInitialDelayMS) }

// RetryMaxDelay returns the backoff cap.
func (c *Config) RetryMaxDelay() time.Duration { return ms(c.RetryMaxDelayMS) }

// InferenceTimeout bounds one engine call.
func (c *Config) InferenceTimeout() time.Duration { return ms(c.InferenceTimeoutMS) }
