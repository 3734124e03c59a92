package mediatest

import (
	"context"
	"sync"
	"time"

	"github.com/okian/presence/internal/domain/model"
)

// Clock is a manually advanced wall clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Ticker is a frame clock whose ticks are delivered by hand.
type Ticker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

// NewTicker creates a ticker with a small buffer.
func NewTicker() *Ticker {
	return &Ticker{ch: make(chan time.Time, 16)}
}

// C returns the tick channel.
func (t *Ticker) C() <-chan time.Time { return t.ch }

// Stop stops delivering ticks.
func (t *Ticker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (t *Ticker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Fire delivers one tick at now unless the ticker is stopped.
func (t *Ticker) Fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.ch <- now
}

// Statuses records published status events.
type Statuses struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

// Publish implements model.StatusPublisher.
func (s *Statuses) Publish(_ context.Context, e model.StatusEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (s *Statuses) Events() []model.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StatusEvent(nil), s.events...)
}

// Kinds returns the kinds of everything published so far.
func (s *Statuses) Kinds() []model.StatusKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StatusKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

// Count returns how many events of kind were published.
func (s *Statuses) Count(kind model.StatusKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
