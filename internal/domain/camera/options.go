package camera

import (
	"time"

	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/internal/domain/retry"
	"github.com/okian/presence/pkg/logger"
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRetryPolicy sets the re-acquisition policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Supervisor) {
		if p.Attempts > 0 {
			s.policy = p
		}
	}
}

// WithRetryOptions passes extra options to every retry.Do call.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(s *Supervisor) { s.retryOpts = append(s.retryOpts, opts...) }
}

// WithStatus sets the status publisher.
func WithStatus(p model.StatusPublisher) Option {
	return func(s *Supervisor) {
		if p != nil {
			s.status = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the wall clock used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithResolution sets the requested stream size.
func WithResolution(w, h int) Option {
	return func(s *Supervisor) {
		if w > 0 && h > 0 {
			s.width, s.height = w, h
		}
	}
}

// WithWarmup sets how many frames must arrive before a session is ready
// and how long to wait for them.
func WithWarmup(frames int, timeout time.Duration) Option {
	return func(s *Supervisor) {
		if frames >= 0 {
			s.warmupFrames = frames
		}
		if timeout > 0 {
			s.warmupTimeout = timeout
		}
	}
}

// WithHealthPolling controls whether the monitor polls on its own. Tests
// disable it and drive Check directly.
func WithHealthPolling(enabled bool) Option {
	return func(s *Supervisor) { s.pollHealth = enabled }
}

// WithPreferredFacing sets the facing used before any acquisition.
func WithPreferredFacing(f string) Option {
	return func(s *Supervisor) { s.facing = media.ParseFacing(f) }
}
