package service

import (
	"time"

	"github.com/okian/presence/internal/adapters/mq/worker"
	"github.com/okian/presence/internal/domain/camera"
	"github.com/okian/presence/internal/domain/inference"
	"github.com/okian/presence/internal/domain/retry"
	"github.com/okian/presence/internal/domain/scheduler"
	"github.com/okian/presence/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTenant sets the tenant the roster is loaded for.
func WithTenant(id string) Option {
	return func(s *Service) { s.tenant = id }
}

// WithCooldown sets the per-identity dedup window.
func WithCooldown(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// WithMatchThreshold sets the maximum distance accepted as a match.
func WithMatchThreshold(t float64) Option {
	return func(s *Service) {
		if t > 0 {
			s.threshold = t
		}
	}
}

// WithIndexMinEmbeddings sets the roster size above which the matcher
// builds its candidate index.
func WithIndexMinEmbeddings(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.indexMin = n
		}
	}
}

// WithDetection sets the throttle interval, the quiet period before
// relaxing, and both engine option sets.
func WithDetection(interval, grace time.Duration, regular, relaxed inference.Options) Option {
	return func(s *Service) {
		s.schedOpts = append(s.schedOpts,
			scheduler.WithInterval(interval),
			scheduler.WithGracePeriod(grace),
			scheduler.WithDetectorOptions(regular, relaxed),
		)
	}
}

// WithRefreshRate sets the tick rate of the recognition loop.
func WithRefreshRate(hz int) Option {
	return func(s *Service) {
		s.schedOpts = append(s.schedOpts, scheduler.WithRefreshRate(hz))
	}
}

// WithSchedulerOptions passes extra options to the scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(s *Service) { s.schedOpts = append(s.schedOpts, opts...) }
}

// WithCameraOptions passes extra options to the camera supervisor.
func WithCameraOptions(opts ...camera.Option) Option {
	return func(s *Service) { s.camOpts = append(s.camOpts, opts...) }
}

// WithRetryPolicy sets the camera re-acquisition policy.
func WithRetryPolicy(attempts int, initial, maxDelay time.Duration) Option {
	return func(s *Service) {
		s.camOpts = append(s.camOpts, camera.WithRetryPolicy(retry.Policy{
			Attempts:     attempts,
			InitialDelay: initial,
			MaxDelay:     maxDelay,
		}))
	}
}

// WithHealth sets the stall poll interval and threshold.
func WithHealth(poll, stall time.Duration) Option {
	return func(s *Service) {
		s.healthPoll = poll
		s.stallThreshold = stall
	}
}

// WithRecentSize sets the length of the recent-matches feed.
func WithRecentSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.recentSize = n
		}
	}
}

// WithStatusQueueSize sets the capacity of the status queue.
func WithStatusQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.statusQueueSize = n
		}
	}
}

// WithDedupeSize caps the cooldown cache.
func WithDedupeSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.dedupeSize = n
		}
	}
}

// WithHotplug enables the udev device watcher.
func WithHotplug(enabled bool) Option {
	return func(s *Service) { s.hotplug = enabled }
}

// WithStatusSinks registers extra status consumers, such as the websocket hub.
func WithStatusSinks(sinks ...worker.Sink) Option {
	return func(s *Service) { s.statusSinks = append(s.statusSinks, sinks...) }
}

// WithBatchHandler registers the overlay consumer.
func WithBatchHandler(fn scheduler.BatchFunc) Option {
	return func(s *Service) { s.onBatch = fn }
}

// WithClock overrides the wall clock used by the recorder and scheduler.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
