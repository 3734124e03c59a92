package config_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/okian/presence/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.CooldownMS, convey.ShouldEqual, 300_000)
				convey.So(cfg.StoreDriver, convey.ShouldEqual, "sqlite")
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("PRESENCE_ADDR", ":8080")
			_ = os.Setenv("PRESENCE_MATCH_THRESHOLD", "0.6")
			_ = os.Setenv("PRESENCE_COOLDOWN_MS", "60000")
			_ = os.Setenv("PRESENCE_COMPACT", "true")
			_ = os.Setenv("PRESENCE_STORE_DRIVER", "memory")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.MatchThreshold, convey.ShouldEqual, 0.6)
				convey.So(cfg.CooldownMS, convey.ShouldEqual, 60000)
				convey.So(cfg.Compact, convey.ShouldBeTrue)
				convey.So(cfg.StoreDriver, convey.ShouldEqual, "memory")
			})
		})

		convey.Convey("When loading config with a YAML file", func() {
			yamlContent := `
addr: ":9090"
tenant_id: "acme"
detection_interval_ms: 700
cameras:
  - id: "front-cam"
    label: "Front Camera"
    url: "http://cam-1/stream"
  - id: "usb"
    url: "http://cam-2/stream"
    device: "/dev/video2"
`
			tmpFile := createTempConfigFile(yamlContent)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("PRESENCE_CONFIG", tmpFile)
			_ = os.Setenv("PRESENCE_ADDR", ":7070")

			cfg, err := config.Load(ctx)

			convey.Convey("Then file values load and env wins over the file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":7070")
				convey.So(cfg.TenantID, convey.ShouldEqual, "acme")
				convey.So(cfg.DetectionIntervalMS, convey.ShouldEqual, 700)
				convey.So(cfg.Cameras, convey.ShouldHaveLength, 2)
				convey.So(cfg.Cameras[0].Label, convey.ShouldEqual, "Front Camera")
				convey.So(cfg.Cameras[1].Device, convey.ShouldEqual, "/dev/video2")
				convey.So(cfg.MatchThreshold, convey.ShouldEqual, 0.55)
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile(`invalid: yaml: content: [`)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("PRESENCE_CONFIG", tmpFile)

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			_ = os.Setenv("PRESENCE_CONFIG", "/non/existent/file.yaml")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with empty addr", func() {
			_ = os.Setenv("PRESENCE_ADDR", "")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a validation error", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "addr must not be empty")
			})
		})

		convey.Convey("When loading config with invalid numeric environment variables", func() {
			_ = os.Setenv("PRESENCE_COOLDOWN_MS", "not_a_number")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})
	})
}

func TestConfigValidate(t *testing.T) {
	convey.Convey("Given a valid default config", t, func() {
		cfg := config.New()

		cases := map[string]func(c *config.Config){
			"cooldown_ms":       func(c *config.Config) { c.CooldownMS = 0 },
			"match_threshold":   func(c *config.Config) { c.MatchThreshold = 0 },
			"retry_attempts":    func(c *config.Config) { c.RetryAttempts = 0 },
			"preferred_facing":  func(c *config.Config) { c.PreferredFacing = "sideways" },
			"store_driver":      func(c *config.Config) { c.StoreDriver = "mongo" },
			"store_dsn":         func(c *config.Config) { c.StoreDriver = "postgres" },
			"needs id and url":  func(c *config.Config) { c.Cameras = []config.Camera{{ID: "a"}} },
			"duplicate camera":  func(c *config.Config) { c.Cameras = []config.Camera{{ID: "a", URL: "u"}, {ID: "a", URL: "v"}} },
			"input sizes":       func(c *config.Config) { c.RelaxedInputSize = 0 },
			"recent_matches":    func(c *config.Config) { c.RecentMatchesSize = 0 },
			"inference_engine":  func(c *config.Config) { c.InferenceEngine = "onnx" },
		}

		for want, mutate := range cases {
			c := *cfg
			mutate(&c)
			err := c.Validate()

			convey.So(err, convey.ShouldNotBeNil)
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			convey.So(strings.Contains(err.Error(), want), convey.ShouldBeTrue)
		}
	})
}

func clearConfigEnvVars() {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "PRESENCE_") {
			_ = os.Unsetenv(strings.SplitN(kv, "=", 2)[0])
		}
	}
}

func createTempConfigFile(content string) string {
	tmpFile, err := os.CreateTemp("", "presence-config-*.yaml")
	if err != nil {
		panic(err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		panic(err)
	}
	if err := tmpFile.Close(); err != nil {
		panic(err)
	}
	return tmpFile.Name()
}
