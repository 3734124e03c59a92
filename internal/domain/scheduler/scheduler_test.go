package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/presence/internal/domain/camera"
	"github.com/okian/presence/internal/domain/inference"
	"github.com/okian/presence/internal/domain/matcher"
	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/internal/domain/recorder"
	"github.com/okian/presence/internal/domain/scheduler"
	"github.com/okian/presence/internal/mediatest"
	"github.com/okian/presence/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

type stubSink struct {
	mu     sync.Mutex
	paused bool
	ended  bool
	frame  media.Frame
	has    bool
}

func (k *stubSink) Bind(context.Context, media.Stream) error { return nil }
func (k *stubSink) Detach()                                  {}
func (k *stubSink) Dimensions() (int, int)                   { return k.frame.Size() }

func (k *stubSink) Paused() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.paused
}

func (k *stubSink) Ended() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ended
}

func (k *stubSink) Latest() (media.Frame, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.frame, k.has
}

type stubSource struct {
	mu         sync.Mutex
	session    *camera.Session
	sink       *stubSink
	observed   []time.Time
	recovers   int
	recoverErr error
	// recoverGate, when set, holds Recover until it is closed.
	recoverGate chan struct{}
	recovering  chan struct{}
}

func (s *stubSource) Current() *camera.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *stubSource) Sink() media.Sink { return s.sink }

func (s *stubSource) ObserveFrame(t time.Time) {
	s.mu.Lock()
	s.observed = append(s.observed, t)
	s.mu.Unlock()
}

func (s *stubSource) Recover(context.Context, error) error {
	s.mu.Lock()
	s.recovers++
	gate, started := s.recoverGate, s.recovering
	s.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoverErr
}

func (s *stubSource) Observed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observed)
}

func (s *stubSource) Recovers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovers
}

type recorded struct {
	tenant string
	match  model.MatchResult
	name   string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *fakeRecorder) Record(_ context.Context, tenant string, m model.MatchResult, name string) (recorder.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recorded{tenant: tenant, match: m, name: name})
	return recorder.OutcomeRecorded, nil
}

func (r *fakeRecorder) Calls() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.calls...)
}

var t0 = time.Unix(1_700_000_000, 0)

type fixture struct {
	source   *stubSource
	engine   *mediatest.Engine
	rec      *fakeRecorder
	clock    *mediatest.Clock
	statuses *mediatest.Statuses
	sched    *scheduler.Scheduler

	tickMu  sync.Mutex
	tickers []*mediatest.Ticker
}

func newFixture(opts ...scheduler.Option) *fixture {
	f := &fixture{
		source: &stubSource{
			session: &camera.Session{ID: "session-1"},
			sink: &stubSink{
				frame: media.Frame{Seq: 1, ReceivedAt: t0, Image: mediatest.Image(64, 48)},
				has:   true,
			},
		},
		engine:   mediatest.NewEngine(),
		rec:      &fakeRecorder{},
		clock:    mediatest.NewClock(t0),
		statuses: &mediatest.Statuses{},
	}
	base := []scheduler.Option{
		scheduler.WithClock(f.clock.Now),
		scheduler.WithInterval(800 * time.Millisecond),
		scheduler.WithGracePeriod(7 * time.Second),
		scheduler.WithTenant("acme"),
		scheduler.WithStatus(f.statuses),
		scheduler.WithFrameClock(func() scheduler.FrameClock {
			t := mediatest.NewTicker()
			f.tickMu.Lock()
			f.tickers = append(f.tickers, t)
			f.tickMu.Unlock()
			return t
		}),
	}
	f.sched = scheduler.New(f.source, f.engine, f.rec, append(base, opts...)...)

	m, err := matcher.Build([]model.Identity{
		{ID: "e1", DisplayName: "Ada", Embeddings: [][]float32{{0, 0, 0}}},
		{ID: "e2", DisplayName: "Grace", Embeddings: [][]float32{{1, 1, 1}}},
	}, 0.5)
	if err != nil {
		panic(err)
	}
	f.sched.SetMatcher(m)
	return f
}

func (f *fixture) ticker(i int) *mediatest.Ticker {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()
	if i >= len(f.tickers) {
		return nil
	}
	return f.tickers[i]
}

func (f *fixture) tickerCount() int {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()
	return len(f.tickers)
}

func face(x float64, emb ...float32) model.Detection {
	return model.Detection{Box: model.Box{X: x, Y: 1, Width: 10, Height: 10}, Score: 0.9, Embedding: emb}
}

func TestSchedulerThrottle(t *testing.T) {
	Convey("Given a scheduler with an 800ms interval", t, func() {
		ctx := context.Background()
		f := newFixture()

		Convey("When ticks arrive faster than the interval", func() {
			So(f.sched.Tick(ctx, t0), ShouldBeNil)
			f.sched.Wait()
			So(f.sched.Tick(ctx, t0.Add(300*time.Millisecond)), ShouldBeNil)
			So(f.sched.Tick(ctx, t0.Add(799*time.Millisecond)), ShouldBeNil)
			f.sched.Wait()

			Convey("Then only the first tick starts a pass", func() {
				So(f.engine.Calls(), ShouldEqual, 1)
			})

			Convey("Then every tick still refreshes stream health", func() {
				So(f.source.Observed(), ShouldEqual, 3)
			})

			Convey("Then a tick at the interval starts the next pass", func() {
				So(f.sched.Tick(ctx, t0.Add(800*time.Millisecond)), ShouldBeNil)
				f.sched.Wait()
				So(f.engine.Calls(), ShouldEqual, 2)
			})
		})
	})
}

func TestSchedulerSingleFlight(t *testing.T) {
	Convey("Given an engine that blocks", t, func() {
		ctx := context.Background()
		f := newFixture()
		f.engine.Block()

		Convey("When ticks keep arriving while a pass runs", func() {
			So(f.sched.Tick(ctx, t0), ShouldBeNil)
			<-f.engine.Started()
			for i := 1; i <= 5; i++ {
				So(f.sched.Tick(ctx, t0.Add(time.Duration(i)*time.Second)), ShouldBeNil)
			}

			Convey("Then no second pass starts", func() {
				So(f.engine.Calls(), ShouldEqual, 1)
				f.engine.Release()
				f.sched.Wait()
				So(f.engine.MaxInFlight(), ShouldEqual, 1)
			})

			Convey("Then the next tick after completion runs", func() {
				f.engine.Release()
				f.sched.Wait()
				So(f.sched.Tick(ctx, t0.Add(10*time.Second)), ShouldBeNil)
				f.sched.Wait()
				So(f.engine.Calls(), ShouldEqual, 2)
			})
		})
	})
}

func TestSchedulerGuards(t *testing.T) {
	Convey("Given a scheduler", t, func() {
		ctx := context.Background()
		f := newFixture()

		Convey("When there is no session", func() {
			f.source.mu.Lock()
			f.source.session = nil
			f.source.mu.Unlock()

			Convey("Then the tick is a no-op", func() {
				So(errors.Is(f.sched.Tick(ctx, t0), scheduler.ErrStaleOrMissingSession), ShouldBeTrue)
				So(f.engine.Calls(), ShouldEqual, 0)
			})
		})

		Convey("When the sink is paused", func() {
			f.source.sink.mu.Lock()
			f.source.sink.paused = true
			f.source.sink.mu.Unlock()

			So(errors.Is(f.sched.Tick(ctx, t0), scheduler.ErrStaleOrMissingSession), ShouldBeTrue)
			So(f.engine.Calls(), ShouldEqual, 0)
		})

		Convey("When the sink has ended", func() {
			f.source.sink.mu.Lock()
			f.source.sink.ended = true
			f.source.sink.mu.Unlock()

			So(errors.Is(f.sched.Tick(ctx, t0), scheduler.ErrStaleOrMissingSession), ShouldBeTrue)
			So(f.engine.Calls(), ShouldEqual, 0)
		})

		Convey("When no frame has arrived", func() {
			f.source.sink.mu.Lock()
			f.source.sink.has = false
			f.source.sink.mu.Unlock()

			So(errors.Is(f.sched.Tick(ctx, t0), scheduler.ErrStaleOrMissingSession), ShouldBeTrue)
			So(f.source.Observed(), ShouldEqual, 0)
		})

		Convey("When recognition is disabled", func() {
			f.sched.SetEnabled(false)

			Convey("Then no pass runs but live frames still feed stream health", func() {
				So(f.sched.Tick(ctx, t0), ShouldBeNil)
				So(f.sched.Tick(ctx, t0.Add(time.Second)), ShouldBeNil)
				So(f.engine.Calls(), ShouldEqual, 0)
				So(f.source.Observed(), ShouldEqual, 2)
			})
		})

		Convey("When no matcher is loaded", func() {
			f.sched.SetMatcher(nil)

			Convey("Then no pass runs but health is refreshed", func() {
				So(f.sched.Tick(ctx, t0), ShouldBeNil)
				So(f.engine.Calls(), ShouldEqual, 0)
				So(f.source.Observed(), ShouldEqual, 1)
			})
		})
	})
}

func TestSchedulerMatches(t *testing.T) {
	Convey("Given a frame with one known and one unknown face", t, func() {
		ctx := context.Background()
		var batches []model.Batch
		var mu sync.Mutex
		f := newFixture(scheduler.WithBatchHandler(func(b model.Batch) {
			mu.Lock()
			batches = append(batches, b)
			mu.Unlock()
		}))
		f.engine.Queue(mediatest.EngineResult{Detections: []model.Detection{
			face(5, 0.1, 0, 0),
			face(40, 5, 5, 5),
		}})

		Convey("When a pass completes", func() {
			So(f.sched.Tick(ctx, t0), ShouldBeNil)
			f.sched.Wait()

			Convey("Then only the known match is recorded under the tenant", func() {
				calls := f.rec.Calls()
				So(calls, ShouldHaveLength, 1)
				So(calls[0].tenant, ShouldEqual, "acme")
				So(calls[0].match.Label, ShouldEqual, "e1")
				So(calls[0].match.Distance, ShouldAlmostEqual, 0.1, 1e-6)
				So(calls[0].name, ShouldEqual, "Ada")
			})

			Convey("Then the batch carries every face and the frame size", func() {
				b, ok := f.sched.LastBatch()
				So(ok, ShouldBeTrue)
				So(b.Width, ShouldEqual, 64)
				So(b.Height, ShouldEqual, 48)
				So(b.Results, ShouldHaveLength, 2)
				So(b.Results[0].Box.X, ShouldEqual, 5)
				So(b.Results[1].Label, ShouldEqual, model.Unknown)

				mu.Lock()
				defer mu.Unlock()
				So(batches, ShouldHaveLength, 1)
			})
		})

		Convey("When the tenant changes", func() {
			f.sched.SetTenant("globex")
			So(f.sched.Tick(ctx, t0), ShouldBeNil)
			f.sched.Wait()

			So(f.rec.Calls()[0].tenant, ShouldEqual, "globex")
		})
	})
}

func TestSchedulerTenantSwitchMidPass(t *testing.T) {
	Convey("Given a pass in flight for acme", t, func() {
		ctx := context.Background()
		f := newFixture()
		f.engine.Block()
		f.engine.Queue(mediatest.EngineResult{Detections: []model.Detection{face(1, 0, 0, 0.1)}})
		So(f.sched.Tick(ctx, t0), ShouldBeNil)
		<-f.engine.Started()

		Convey("When the tenant and roster switch before inference returns", func() {
			globex, err := matcher.Build([]model.Identity{
				{ID: "g1", DisplayName: "Linus", Embeddings: [][]float32{{5, 5, 5}}},
			}, 0.5)
			So(err, ShouldBeNil)
			f.sched.Use("globex", globex)
			f.engine.Release()
			f.sched.Wait()

			Convey("Then the match is recorded under the tenant it was matched against", func() {
				calls := f.rec.Calls()
				So(calls, ShouldHaveLength, 1)
				So(calls[0].match.Label, ShouldEqual, "e1")
				So(calls[0].tenant, ShouldEqual, "acme")
			})

			Convey("Then the next pass uses the new pair", func() {
				So(f.sched.Tenant(), ShouldEqual, "globex")
				f.engine.Queue(mediatest.EngineResult{Detections: []model.Detection{face(1, 5, 5, 5)}})
				So(f.sched.Tick(ctx, t0.Add(time.Second)), ShouldBeNil)
				f.sched.Wait()
				calls := f.rec.Calls()
				So(calls, ShouldHaveLength, 2)
				So(calls[1].match.Label, ShouldEqual, "g1")
				So(calls[1].tenant, ShouldEqual, "globex")
			})
		})
	})
}

func TestSchedulerStopDiscards(t *testing.T) {
	Convey("Given a pass in flight", t, func() {
		ctx := context.Background()
		f := newFixture()
		f.engine.Block()
		f.engine.Queue(mediatest.EngineResult{Detections: []model.Detection{face(1, 0, 0, 0)}})
		So(f.sched.Tick(ctx, t0), ShouldBeNil)
		<-f.engine.Started()

		Convey("When the scheduler is stopped before it finishes", func() {
			f.sched.Stop()
			f.sched.Stop()
			f.engine.Release()
			f.sched.Wait()

			Convey("Then its results are dropped", func() {
				_, ok := f.sched.LastBatch()
				So(ok, ShouldBeFalse)
				So(f.rec.Calls(), ShouldBeEmpty)
			})

			Convey("Then the single-flight flag is clear", func() {
				So(f.sched.Tick(ctx, t0.Add(time.Second)), ShouldBeNil)
				f.sched.Wait()
				So(f.engine.Calls(), ShouldEqual, 2)
			})
		})
	})
}

func TestSchedulerAdaptiveSensitivity(t *testing.T) {
	Convey("Given a scheduler with a 7s grace period", t, func() {
		ctx := context.Background()
		f := newFixture()

		Convey("When faces keep being missed", func() {
			So(f.sched.Tick(ctx, f.clock.Now()), ShouldBeNil)
			f.sched.Wait()
			f.clock.Advance(8 * time.Second)
			So(f.sched.Tick(ctx, f.clock.Now()), ShouldBeNil)
			f.sched.Wait()

			Convey("Then passes switch to the relaxed options", func() {
				opts := f.engine.Options()
				So(opts, ShouldHaveLength, 2)
				So(opts[0], ShouldResemble, inference.DefaultOptions())
				So(opts[1], ShouldResemble, inference.RelaxedOptions())
				So(f.sched.Relaxed(), ShouldBeTrue)
				b, _ := f.sched.LastBatch()
				So(b.Relaxed, ShouldBeTrue)
			})

			Convey("Then a detection restores the regular options", func() {
				f.engine.Queue(mediatest.EngineResult{Detections: []model.Detection{face(1, 9, 9, 9)}})
				f.clock.Advance(time.Second)
				So(f.sched.Tick(ctx, f.clock.Now()), ShouldBeNil)
				f.sched.Wait()
				So(f.sched.Relaxed(), ShouldBeFalse)

				f.clock.Advance(time.Second)
				So(f.sched.Tick(ctx, f.clock.Now()), ShouldBeNil)
				f.sched.Wait()
				opts := f.engine.Options()
				So(opts[len(opts)-1], ShouldResemble, inference.DefaultOptions())
			})
		})
	})
}

func TestSchedulerLoop(t *testing.T) {
	Convey("Given a started scheduler", t, func() {
		ctx := context.Background()
		f := newFixture()
		f.sched.Start(ctx)
		f.sched.Start(ctx)
		defer f.sched.Stop()

		Convey("Then one frame clock drives it", func() {
			So(f.sched.Running(), ShouldBeTrue)
			So(f.tickerCount(), ShouldEqual, 1)
		})

		Convey("When the frame clock ticks", func() {
			f.ticker(0).Fire(t0)

			Convey("Then a pass runs", func() {
				So(eventually(func() bool { return f.engine.Calls() == 1 }), ShouldBeTrue)
			})
		})

		Convey("When it is stopped", func() {
			f.sched.Stop()

			Convey("Then the frame clock is released", func() {
				So(f.sched.Running(), ShouldBeFalse)
				So(f.ticker(0).Stopped(), ShouldBeTrue)
			})
		})
	})
}

func TestSchedulerEscalation(t *testing.T) {
	Convey("Given a running scheduler", t, func() {
		ctx := context.Background()
		f := newFixture()
		f.sched.Start(ctx)
		defer f.sched.Stop()

		Convey("When the engine reports a hardware fault", func() {
			f.engine.Queue(mediatest.EngineResult{Err: media.ErrTrackUnreadable})
			f.ticker(0).Fire(t0)

			Convey("Then the camera is recovered and the loop restarts", func() {
				So(eventually(func() bool { return f.source.Recovers() == 1 }), ShouldBeTrue)
				So(eventually(func() bool { return f.tickerCount() == 2 && f.sched.Running() }), ShouldBeTrue)
				So(f.ticker(0).Stopped(), ShouldBeTrue)
				So(f.statuses.Count(model.StatusError), ShouldEqual, 1)
			})
		})

		Convey("When recovery fails", func() {
			f.source.mu.Lock()
			f.source.recoverErr = errors.New("gone")
			f.source.mu.Unlock()
			f.engine.Queue(mediatest.EngineResult{Err: media.ErrStartFailure})
			f.ticker(0).Fire(t0)

			Convey("Then the loop stays stopped", func() {
				So(eventually(func() bool { return f.source.Recovers() == 1 }), ShouldBeTrue)
				So(eventually(func() bool { return !f.sched.Running() }), ShouldBeTrue)
				So(f.tickerCount(), ShouldEqual, 1)
			})
		})

		Convey("When the scheduler is stopped while recovery runs", func() {
			gate := make(chan struct{})
			f.source.mu.Lock()
			f.source.recoverGate = gate
			f.source.recovering = make(chan struct{}, 1)
			recovering := f.source.recovering
			f.source.mu.Unlock()
			f.engine.Queue(mediatest.EngineResult{Err: media.ErrTrackUnreadable})
			f.ticker(0).Fire(t0)
			<-recovering

			f.sched.Stop()
			waited := make(chan struct{})
			go func() {
				f.sched.Wait()
				close(waited)
			}()

			Convey("Then Wait covers the recovery and the loop is not restarted", func() {
				returnedEarly := false
				select {
				case <-waited:
					returnedEarly = true
				case <-time.After(50 * time.Millisecond):
				}
				So(returnedEarly, ShouldBeFalse)
				close(gate)
				<-waited
				So(f.sched.Running(), ShouldBeFalse)
				So(f.tickerCount(), ShouldEqual, 1)
			})
		})

		Convey("When the engine fails for another reason", func() {
			f.engine.Queue(mediatest.EngineResult{Err: inference.ErrEngineUnavailable})
			f.ticker(0).Fire(t0)
			So(eventually(func() bool { return f.engine.Calls() == 1 }), ShouldBeTrue)
			f.sched.Wait()

			Convey("Then the loop keeps running without recovery", func() {
				So(f.sched.Running(), ShouldBeTrue)
				So(f.source.Recovers(), ShouldEqual, 0)
			})
		})
	})
}
