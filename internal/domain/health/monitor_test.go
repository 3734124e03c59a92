package health_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/okian/presence/internal/domain/health"
	"github.com/okian/presence/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMonitorCheck(t *testing.T) {
	Convey("Given a monitor with a 2500ms stall threshold", t, func() {
		ctx := context.Background()
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		m := health.NewMonitor(
			health.WithStallThreshold(2500*time.Millisecond),
			health.WithPollInterval(1200*time.Millisecond),
			health.WithClock(clock.Now),
		)
		stalls := 0
		var silence time.Duration
		m.Watch(ctx, func(_ context.Context, d time.Duration) { stalls++; silence = d }, false)

		Convey("When frames keep arriving", func() {
			for i := 0; i < 5; i++ {
				clock.Advance(time.Second)
				m.Observe(clock.Now())
				So(m.Check(ctx), ShouldBeFalse)
			}

			Convey("Then no stall is reported", func() {
				So(stalls, ShouldEqual, 0)
				So(m.Active(), ShouldBeTrue)
			})
		})

		Convey("When no frame arrives for 3000ms", func() {
			clock.Advance(3000 * time.Millisecond)
			stalled := m.Check(ctx)

			Convey("Then exactly one stall is reported", func() {
				So(stalled, ShouldBeTrue)
				So(stalls, ShouldEqual, 1)
				So(silence, ShouldEqual, 3000*time.Millisecond)
				So(m.Active(), ShouldBeFalse)

				clock.Advance(5 * time.Second)
				So(m.Check(ctx), ShouldBeFalse)
				So(stalls, ShouldEqual, 1)
			})
		})

		Convey("When silence equals the threshold", func() {
			clock.Advance(2500 * time.Millisecond)

			Convey("Then it is not yet a stall", func() {
				So(m.Check(ctx), ShouldBeFalse)
			})
		})

		Convey("When an older timestamp is observed", func() {
			clock.Advance(time.Second)
			m.Observe(clock.Now())
			m.Observe(clock.Now().Add(-time.Hour))

			Convey("Then lastFrameAt does not move backwards", func() {
				So(m.LastFrameAt(), ShouldEqual, clock.Now())
			})
		})

		Convey("When the monitor is stopped", func() {
			m.Stop()
			m.Stop()
			clock.Advance(time.Minute)

			Convey("Then checks are no-ops", func() {
				So(m.Check(ctx), ShouldBeFalse)
				So(stalls, ShouldEqual, 0)
			})
		})
	})
}

func TestMonitorPolling(t *testing.T) {
	Convey("Given a polling monitor with short intervals", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		m := health.NewMonitor(
			health.WithStallThreshold(20*time.Millisecond),
			health.WithPollInterval(5*time.Millisecond),
		)
		stalled := make(chan context.Context, 1)

		m.Watch(ctx, func(c context.Context, _ time.Duration) { stalled <- c }, true)

		Convey("When the stream is silent", func() {
			var got context.Context
			select {
			case got = <-stalled:
			case <-time.After(2 * time.Second):
			}

			Convey("Then the stall callback fires with a live context", func() {
				So(got, ShouldNotBeNil)
				So(got.Err(), ShouldBeNil)
				So(m.Active(), ShouldBeFalse)
			})
		})
	})
}
