// Package health detects capture streams that stopped producing frames.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/okian/presence/pkg/logger"
	"github.com/okian/presence/pkg/metrics"
)

// ErrStreamStalled is reported when no frame arrived within the threshold.
var ErrStreamStalled = errors.New("stream stalled")

const (
	defaultPollInterval   = 1200 * time.Millisecond
	defaultStallThreshold = 2500 * time.Millisecond
)

// StallFunc is invoked once per watched session when it stalls.
type StallFunc func(ctx context.Context, stalledFor time.Duration)

// Monitor polls the time of the last observed frame and reports a stall
// when it is older than the threshold. A Monitor watches at most one
// session at a time; Watch replaces the previous one.
type Monitor struct {
	pollInterval   time.Duration
	stallThreshold time.Duration
	now            func() time.Time
	logger         logger.Logger

	mu          sync.Mutex
	active      bool
	generation  uint64
	lastFrameAt time.Time
	onStall     StallFunc
	cancel      context.CancelFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval sets the poll period.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithStallThreshold sets how long a stream may stay silent.
func WithStallThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.stallThreshold = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMonitor creates an idle monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		pollInterval:   defaultPollInterval,
		stallThreshold: defaultStallThreshold,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Get().Named("health")
	}
	return m
}

// Watch begins tracking a freshly acquired session. The acquisition time
// counts as the first frame. When poll is true a goroutine calls Check every
// poll interval until Stop, a stall, or ctx ends.
func (m *Monitor) Watch(ctx context.Context, onStall StallFunc, poll bool) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.generation++
	m.active = true
	m.lastFrameAt = m.now()
	m.onStall = onStall
	var loopCtx context.Context
	if poll {
		loopCtx, m.cancel = context.WithCancel(ctx)
	}
	gen := m.generation
	m.mu.Unlock()

	if poll {
		go m.loop(ctx, loopCtx, gen)
	}
}

// loop polls until loopCtx ends. The stall callback receives parent so
// recovery work is not cut short when the loop itself is cancelled.
func (m *Monitor) loop(parent, loopCtx context.Context, gen uint64) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := m.active && m.generation == gen
			m.mu.Unlock()
			if !current {
				return
			}
			if m.Check(parent) {
				return
			}
		}
	}
}

// Observe records that a frame was seen at t. Older timestamps are ignored.
func (m *Monitor) Observe(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active && t.After(m.lastFrameAt) {
		m.lastFrameAt = t
	}
}

// Check evaluates the stall condition once. It returns true when a stall was
// reported; the monitor then stays inactive until the next Watch.
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return false
	}
	silence := m.now().Sub(m.lastFrameAt)
	if silence <= m.stallThreshold {
		m.mu.Unlock()
		return false
	}
	m.active = false
	onStall := m.onStall
	m.onStall = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	metrics.RecordStreamStall()
	m.logger.Warn(ctx, "capture stream stalled",
		logger.Duration("silence", silence),
		logger.Duration("threshold", m.stallThreshold),
	)
	if onStall != nil {
		onStall(ctx, silence)
	}
	return true
}

// Stop ends watching. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	m.onStall = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Active reports whether a session is being watched.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// LastFrameAt returns the last observed frame time.
func (m *Monitor) LastFrameAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFrameAt
}
