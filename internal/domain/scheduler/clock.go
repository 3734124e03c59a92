package scheduler

import "time"

// FrameClock delivers one tick per display refresh.
type FrameClock interface {
	C() <-chan time.Time
	Stop()
}

type tickerClock struct {
	t *time.Ticker
}

// NewTickerClock returns a FrameClock backed by time.Ticker.
func NewTickerClock(period time.Duration) FrameClock {
	if period <= 0 {
		period = time.Second / 60
	}
	return &tickerClock{t: time.NewTicker(period)}
}

func (c *tickerClock) C() <-chan time.Time { return c.t.C }

func (c *tickerClock) Stop() { c.t.Stop() }
