package mjpeg

import (
	"net/http"
	"time"

	"github.com/okian/presence/pkg/logger"
)

// Option configures a Platform.
type Option func(*Platform)

// WithHTTPClient replaces the HTTP client. It must not set a total
// timeout, streams are long-lived.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Platform) {
		if c != nil {
			p.client = c
		}
	}
}

// WithMuteAfter sets the silence that counts as a muted track.
func WithMuteAfter(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.muteAfter = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Platform) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Platform) {
		if l != nil {
			p.logger = l
		}
	}
}
