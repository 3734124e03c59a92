package scheduler

import (
	"time"

	"github.com/okian/presence/internal/domain/inference"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/pkg/logger"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the minimum gap between pass starts.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithGracePeriod sets how long without detections before passes relax.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithDetectorOptions sets the regular and relaxed engine options.
func WithDetectorOptions(regular, relaxed inference.Options) Option {
	return func(s *Scheduler) {
		s.regular = regular
		s.relaxed = relaxed
	}
}

// WithFrameClock sets the factory for the tick source. A new clock is made
// on every Start.
func WithFrameClock(factory func() FrameClock) Option {
	return func(s *Scheduler) {
		if factory != nil {
			s.newClock = factory
		}
	}
}

// WithRefreshRate ticks hz times per second.
func WithRefreshRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			period := time.Second / time.Duration(hz)
			s.newClock = func() FrameClock { return NewTickerClock(period) }
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBatchHandler registers the overlay consumer.
func WithBatchHandler(fn BatchFunc) Option {
	return func(s *Scheduler) { s.onBatch = fn }
}

// WithTenant sets the initial tenant.
func WithTenant(id string) Option {
	return func(s *Scheduler) { s.SetTenant(id) }
}

// WithStatus sets the status publisher.
func WithStatus(p model.StatusPublisher) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.status = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}
