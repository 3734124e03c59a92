package embedder

import (
	"net/http"
	"time"

	"github.com/okian/presence/pkg/logger"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithMaxSide sets the longest upload side in pixels. Zero uploads the
// frame at full size.
func WithMaxSide(px int) Option {
	return func(c *Client) {
		if px >= 0 {
			c.maxSide = px
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}
