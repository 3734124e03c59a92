package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix  = "PRESENCE_"
	envFileVar = "PRESENCE_CONFIG"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New)
//  2. file (YAML) if PRESENCE_CONFIG is set
//  3. env (prefix PRESENCE_)
func Load(_ context.Context) (*Config, error) {
	base := New()
	k := koanf.New(".")

	if path := os.Getenv(envFileVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// PRESENCE_MATCH_THRESHOLD -> match_threshold. Keys stay flat so the
	// underscores line up with the koanf tags.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, strings.ToLower(envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.CooldownMS <= 0:
		return fmt.Errorf("%w: cooldown_ms must be positive", ErrInvalidConfig)
	case c.MatchThreshold <= 0:
		return fmt.Errorf("%w: match_threshold must be positive", ErrInvalidConfig)
	case c.DetectionIntervalMS <= 0 || c.CompactIntervalMS <= 0:
		return fmt.Errorf("%w: detection intervals must be positive", ErrInvalidConfig)
	case c.StallThresholdMS <= 0 || c.HealthPollMS <= 0:
		return fmt.Errorf("%w: health_poll_ms and stall_threshold_ms must be positive", ErrInvalidConfig)
	case c.RetryAttempts < 1:
		return fmt.Errorf("%w: retry_attempts must be at least 1", ErrInvalidConfig)
	case c.InputSize <= 0 || c.RelaxedInputSize <= 0:
		return fmt.Errorf("%w: input sizes must be positive", ErrInvalidConfig)
	case c.RecentMatchesSize <= 0:
		return fmt.Errorf("%w: recent_matches_size must be positive", ErrInvalidConfig)
	}

	switch strings.ToLower(c.PreferredFacing) {
	case "front", "back":
	default:
		return fmt.Errorf("%w: preferred_facing must be front or back, got %q", ErrInvalidConfig, c.PreferredFacing)
	}

	switch c.StoreDriver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.StorePath) == "" {
			return fmt.Errorf("%w: store_path is required for sqlite", ErrInvalidConfig)
		}
	case "postgres":
		if strings.TrimSpace(c.StoreDSN) == "" {
			return fmt.Errorf("%w: store_dsn is required for postgres", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}

	switch c.InferenceEngine {
	case "http", "simulated":
	default:
		return fmt.Errorf("%w: unknown inference_engine %q", ErrInvalidConfig, c.InferenceEngine)
	}

	seen := make(map[string]struct{}, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.ID == "" || cam.URL == "" {
			return fmt.Errorf("%w: cameras[%d] needs id and url", ErrInvalidConfig, i)
		}
		if _, dup := seen[cam.ID]; dup {
			return fmt.Errorf("%w: duplicate camera id %q", ErrInvalidConfig, cam.ID)
		}
		seen[cam.ID] = struct{}{}
	}
	return nil
}
