// Package scheduler runs the recognition loop: it samples the latest
// frame on a display-refresh clock, throttles passes, runs inference,
// matches faces and hands known matches to the recorder.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/presence/internal/domain/camera"
	"github.com/okian/presence/internal/domain/inference"
	"github.com/okian/presence/internal/domain/matcher"
	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/internal/domain/recorder"
	"github.com/okian/presence/pkg/logger"
	"github.com/okian/presence/pkg/metrics"
)

// ErrStaleOrMissingSession is returned by Tick when there is nothing to
// sample. It is a guard result, never a failure.
var ErrStaleOrMissingSession = errors.New("no live capture session")

// Source is the capture side the scheduler samples.
type Source interface {
	Current() *camera.Session
	Sink() media.Sink
	ObserveFrame(t time.Time)
	Recover(ctx context.Context, cause error) error
}

// Recorder receives every match of a pass.
type Recorder interface {
	Record(ctx context.Context, tenantID string, m model.MatchResult, displayName string) (recorder.Outcome, error)
}

// BatchFunc receives the per-pass results for overlay consumers.
type BatchFunc func(model.Batch)

// rosterState pairs a tenant with the matcher built from its roster. A pass
// takes one snapshot so its matches are recorded under the tenant they
// were matched against.
type rosterState struct {
	tenant  string
	matcher *matcher.Matcher
}

// Scheduler is the recognition loop. Its timers and flags belong to the
// instance, so several schedulers never share state.
type Scheduler struct {
	source   Source
	engine   inference.Engine
	recorder Recorder
	status   model.StatusPublisher
	logger   logger.Logger
	newClock func() FrameClock
	now      func() time.Time
	onBatch  BatchFunc

	interval    time.Duration
	gracePeriod time.Duration
	regular     inference.Options
	relaxed     inference.Options

	roster     atomic.Pointer[rosterState]
	lastBatch  atomic.Pointer[model.Batch]
	enabled    atomic.Bool
	processing atomic.Bool
	generation atomic.Uint64
	passes     sync.WaitGroup

	mu            sync.Mutex
	running       bool
	baseCtx       context.Context
	clock         FrameClock
	cancel        context.CancelFunc
	done          chan struct{}
	lastRun       time.Time
	lastDetection time.Time
	relaxedActive bool
}

// New creates a stopped scheduler with recognition enabled.
func New(source Source, engine inference.Engine, rec Recorder, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:      source,
		engine:      engine,
		recorder:    rec,
		status:      model.NopPublisher{},
		now:         time.Now,
		interval:    800 * time.Millisecond,
		gracePeriod: 7 * time.Second,
		regular:     inference.DefaultOptions(),
		relaxed:     inference.RelaxedOptions(),
		baseCtx:     context.Background(),
	}
	s.roster.Store(&rosterState{})
	s.newClock = func() FrameClock { return NewTickerClock(time.Second / 60) }
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("scheduler")
	}
	s.lastDetection = s.now()
	s.enabled.Store(true)
	return s
}

func (s *Scheduler) updateRoster(fn func(rosterState) rosterState) {
	for {
		old := s.roster.Load()
		next := fn(*old)
		if s.roster.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Use switches tenant and matcher together. Passes already in flight keep
// recording under the pair they started with.
func (s *Scheduler) Use(tenant string, m *matcher.Matcher) {
	s.roster.Store(&rosterState{tenant: tenant, matcher: m})
}

// SetMatcher swaps the matcher used by subsequent passes and keeps the
// tenant. nil disables matching until a new one is set.
func (s *Scheduler) SetMatcher(m *matcher.Matcher) {
	s.updateRoster(func(r rosterState) rosterState {
		r.matcher = m
		return r
	})
}

// Matcher returns the active matcher or nil.
func (s *Scheduler) Matcher() *matcher.Matcher { return s.roster.Load().matcher }

// SetTenant sets the tenant and keeps the matcher.
func (s *Scheduler) SetTenant(id string) {
	s.updateRoster(func(r rosterState) rosterState {
		r.tenant = id
		return r
	})
}

// Tenant returns the active tenant.
func (s *Scheduler) Tenant() string { return s.roster.Load().tenant }

// SetEnabled turns recognition on or off. The tick loop keeps running.
func (s *Scheduler) SetEnabled(on bool) { s.enabled.Store(on) }

// Enabled reports whether recognition is on.
func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Relaxed reports whether the next pass uses the relaxed options.
func (s *Scheduler) Relaxed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relaxedActive
}

// LastBatch returns the results of the latest completed pass.
func (s *Scheduler) LastBatch() (model.Batch, bool) {
	b := s.lastBatch.Load()
	if b == nil {
		return model.Batch{}, false
	}
	return *b, true
}

// Start begins ticking. Calling it while running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked(ctx)
}

func (s *Scheduler) startLocked(ctx context.Context) {
	if s.running {
		return
	}
	s.running = true
	s.generation.Add(1)
	s.processing.Store(false)
	s.baseCtx = ctx
	s.lastRun = time.Time{}
	s.lastDetection = s.now()
	s.relaxedActive = false

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.clock = s.newClock()
	s.done = make(chan struct{})
	go s.loop(ctx, loopCtx, s.clock, s.done)
	s.logger.Info(ctx, "recognition loop started", logger.Duration("interval", s.interval))
}

func (s *Scheduler) loop(base, loopCtx context.Context, clock FrameClock, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-clock.C():
			_ = s.Tick(base, s.now())
		}
	}
}

// Stop cancels the next tick and clears the single-flight flag. Passes
// already in flight finish, but their results are dropped. Safe to call
// repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.generation.Add(1)
	s.processing.Store(false)
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.clock.Stop()
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info(context.Background(), "recognition loop stopped")
}

// Wait blocks until every pass started so far has returned.
func (s *Scheduler) Wait() { s.passes.Wait() }

// Tick runs the per-frame decision at now. It starts at most one pass and
// never blocks on inference.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	if s.source.Current() == nil {
		metrics.RecordInferenceSkipped("no_session")
		return ErrStaleOrMissingSession
	}
	sink := s.source.Sink()
	if sink.Paused() || sink.Ended() {
		metrics.RecordInferenceSkipped("sink_inactive")
		return ErrStaleOrMissingSession
	}
	frame, ok := sink.Latest()
	if !ok {
		metrics.RecordInferenceSkipped("no_frame")
		return ErrStaleOrMissingSession
	}
	s.source.ObserveFrame(frame.ReceivedAt)
	metrics.RecordFrameObserved()

	if !s.enabled.Load() {
		metrics.RecordInferenceSkipped("disabled")
		return nil
	}
	rs := *s.roster.Load()
	if rs.matcher == nil {
		metrics.RecordInferenceSkipped("no_matcher")
		return nil
	}

	s.mu.Lock()
	if !s.lastRun.IsZero() && now.Sub(s.lastRun) < s.interval {
		s.mu.Unlock()
		metrics.RecordInferenceSkipped("throttled")
		return nil
	}
	if !s.processing.CompareAndSwap(false, true) {
		s.mu.Unlock()
		metrics.RecordInferenceSkipped("busy")
		return nil
	}
	s.lastRun = now
	relaxed := now.Sub(s.lastDetection) >= s.gracePeriod
	if relaxed && !s.relaxedActive {
		s.logger.Info(ctx, "no faces for a while, relaxing detection",
			logger.Duration("grace_period", s.gracePeriod))
	}
	s.relaxedActive = relaxed
	gen := s.generation.Load()
	s.mu.Unlock()

	opts := s.regular
	if relaxed {
		opts = s.relaxed
		metrics.RecordRelaxedPass()
	}

	s.passes.Add(1)
	go s.pass(ctx, gen, frame, rs, opts, relaxed)
	return nil
}

func (s *Scheduler) current(gen uint64) bool {
	return s.generation.Load() == gen
}

func (s *Scheduler) pass(ctx context.Context, gen uint64, frame media.Frame, rs rosterState, opts inference.Options, relaxed bool) {
	defer s.passes.Done()
	defer func() {
		if s.current(gen) {
			s.processing.Store(false)
		}
	}()

	start := time.Now()
	dets, err := s.engine.DetectAll(ctx, frame, opts)
	metrics.RecordInferenceLatency(float64(time.Since(start).Microseconds()) / 1000)

	if !s.current(gen) {
		metrics.RecordInferenceSkipped("stale")
		return
	}
	if err != nil {
		if media.IsHardwareFault(err) {
			metrics.RecordInferenceError("hardware")
			s.passes.Add(1)
			go s.escalate(gen, err)
			return
		}
		metrics.RecordInferenceError("engine")
		s.logger.Warn(ctx, "inference pass failed", logger.Error(err))
		return
	}
	metrics.RecordInferencePass()
	metrics.RecordDetections(len(dets))

	if len(dets) > 0 {
		s.mu.Lock()
		s.lastDetection = s.now()
		if s.relaxedActive {
			s.logger.Debug(ctx, "face detected, restoring regular detection")
		}
		s.relaxedActive = false
		s.mu.Unlock()
	}

	w, h := frame.Size()
	batch := model.Batch{At: s.now(), Width: w, Height: h, Relaxed: relaxed, Results: make([]model.MatchResult, 0, len(dets))}
	m := rs.matcher
	for _, d := range dets {
		r := m.Match(d.Embedding)
		r.Box = d.Box
		batch.Results = append(batch.Results, r)
		if r.Known() {
			metrics.RecordMatch("known")
		} else {
			metrics.RecordMatch("unknown")
			continue
		}
		if !s.current(gen) {
			return
		}
		if _, err := s.recorder.Record(ctx, rs.tenant, r, m.DisplayName(r.Label)); err != nil {
			s.logger.Debug(ctx, "match not persisted", logger.String("identity", r.Label), logger.Error(err))
		}
	}

	if !s.current(gen) {
		return
	}
	s.lastBatch.Store(&batch)
	if s.onBatch != nil {
		s.onBatch(batch)
	}
}

// escalate stops the loop, asks the source to recover the camera and
// restarts if recovery worked and recognition is still wanted. A Stop or
// Start from elsewhere while recovery runs cancels the restart.
func (s *Scheduler) escalate(gen uint64, cause error) {
	defer s.passes.Done()
	if !s.current(gen) {
		return
	}
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.logger.Error(ctx, "hardware fault during inference, recovering camera", logger.Error(cause))
	metrics.RecordErrorByComponent("scheduler", "hardware_fault")
	s.status.Publish(ctx, model.StatusEvent{Kind: model.StatusError, Message: "camera error, reconnecting", At: s.now()})

	s.Stop()
	stopped := s.generation.Load()
	if err := s.source.Recover(ctx, cause); err != nil {
		s.logger.Error(ctx, "camera recovery failed, recognition stays stopped", logger.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation.Load() != stopped {
		s.logger.Debug(ctx, "scheduler stopped or restarted during recovery, not restarting")
		return
	}
	if s.enabled.Load() && ctx.Err() == nil {
		s.startLocked(ctx)
	}
}
