// Package service wires the presence pipeline together and implements the
// dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/okian/presence/internal/adapters/media/hotplug"
	"github.com/okian/presence/internal/adapters/mq/queue"
	"github.com/okian/presence/internal/adapters/mq/worker"
	"github.com/okian/presence/internal/adapters/repository"
	"github.com/okian/presence/internal/domain/camera"
	"github.com/okian/presence/internal/domain/dedupe"
	"github.com/okian/presence/internal/domain/feed"
	"github.com/okian/presence/internal/domain/health"
	"github.com/okian/presence/internal/domain/inference"
	"github.com/okian/presence/internal/domain/matcher"
	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/internal/domain/recorder"
	"github.com/okian/presence/internal/domain/scheduler"
	"github.com/okian/presence/pkg/logger"
	"github.com/okian/presence/pkg/metrics"
)

// ErrMissingDependency is returned by Start when a collaborator is nil.
var ErrMissingDependency = errors.New("service: store, platform and engine are required")

const (
	drainTimeout  = 2 * time.Second
	pruneInterval = time.Minute
)

// Service owns the capture session, the recognition loop and the status
// pipeline for one tenant at a time.
type Service struct {
	mu sync.RWMutex
	// rosterMu serialises tenant switches and roster reloads.
	rosterMu sync.Mutex

	// Collaborators
	store    repository.Store
	platform media.Platform
	engine   inference.Engine

	// Core components
	sink       *media.FrameSink
	monitor    *health.Monitor
	supervisor *camera.Supervisor
	cache      *dedupe.CooldownCache
	recent     *feed.Recent
	statusLog  *feed.StatusLog
	statusQ    *queue.InMemoryQueue
	dispatcher *worker.Dispatcher
	recorder   *recorder.Recorder
	scheduler  *scheduler.Scheduler
	hotplugMon *hotplug.Monitor

	// Configuration
	tenant          string
	cooldown        time.Duration
	threshold       float64
	indexMin        int
	healthPoll      time.Duration
	stallThreshold  time.Duration
	recentSize      int
	statusQueueSize int
	dedupeSize      int
	hotplug         bool
	schedOpts       []scheduler.Option
	camOpts         []camera.Option
	statusSinks     []worker.Sink
	onBatch         scheduler.BatchFunc
	now             func() time.Time

	// State
	started bool
	cancel  context.CancelFunc
	stopCh  chan struct{}

	logger logger.Logger
}

// New constructs a Service. Components are built eagerly; nothing runs
// until Start.
func New(store repository.Store, platform media.Platform, engine inference.Engine, opts ...Option) *Service {
	s := &Service{
		store:           store,
		platform:        platform,
		engine:          engine,
		cooldown:        5 * time.Minute,
		threshold:       0.55,
		indexMin:        2048,
		recentSize:      6,
		statusQueueSize: 1024,
		dedupeSize:      10_000,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	s.statusQ = queue.NewInMemoryQueue(queue.WithCapacity(s.statusQueueSize))
	s.statusLog = feed.NewStatusLog(0)
	s.dispatcher = worker.NewDispatcher(s.statusQ, worker.WithSinks(append([]worker.Sink{s.statusLog}, s.statusSinks...)...))

	s.sink = media.NewFrameSink()
	s.monitor = health.NewMonitor(
		health.WithPollInterval(s.healthPoll),
		health.WithStallThreshold(s.stallThreshold),
		health.WithClock(s.now),
	)
	s.supervisor = camera.NewSupervisor(s.platform, s.sink, s.monitor,
		append([]camera.Option{camera.WithStatus(s.statusQ), camera.WithClock(s.now)}, s.camOpts...)...)

	s.cache = dedupe.NewCooldownCache(dedupe.WithMaxSize(s.dedupeSize))
	s.recent = feed.NewRecent(s.recentSize)
	s.recorder = recorder.New(s.store, s.cache, s.recent,
		recorder.WithCooldown(s.cooldown),
		recorder.WithStatus(s.statusQ),
		recorder.WithClock(s.now),
	)

	onBatch := s.onBatch
	s.scheduler = scheduler.New(s.supervisor, s.engine, s.recorder,
		append([]scheduler.Option{
			scheduler.WithTenant(s.tenant),
			scheduler.WithStatus(s.statusQ),
			scheduler.WithClock(s.now),
			scheduler.WithBatchHandler(onBatch),
		}, s.schedOpts...)...)

	if s.hotplug {
		s.hotplugMon = hotplug.NewMonitor(s.supervisor.HandleHotplug, s.logger.Named("hotplug"))
	}
	return s
}

// Start loads the roster, opens the camera and starts the recognition
// loop. A missing roster or camera is reported but does not fail Start:
// the operator can reload the roster, and hot-plug or a switch can bring
// the camera back.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.store == nil || s.platform == nil || s.engine == nil {
		return ErrMissingDependency
	}

	s.logger.Info(ctx, "starting presence service...", logger.String("tenant", s.tenant))

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopCh = make(chan struct{})
	metrics.UpdateQueueCapacity(s.statusQ.Capacity())

	go s.dispatcher.Run(runCtx)
	s.supervisor.Start(runCtx)

	if s.tenant != "" {
		if err := s.reloadRoster(runCtx, s.tenant); err != nil {
			s.logger.Warn(ctx, "roster not loaded, recognition waits for a reload", logger.Error(err))
		}
	}

	if _, err := s.supervisor.Acquire(runCtx, s.supervisor.Facing()); err != nil {
		s.logger.Error(ctx, "camera not available at startup", logger.Error(err))
	}

	s.scheduler.Start(runCtx)

	if s.hotplugMon != nil {
		if err := s.hotplugMon.Start(runCtx); err != nil {
			s.logger.Warn(ctx, "hot-plug watcher not started", logger.Error(err))
		}
	}

	go s.pruneLoop(runCtx, s.stopCh)

	s.started = true
	s.logger.Info(ctx, "presence service started",
		logger.Duration("cooldown", s.cooldown),
		logger.Float64("threshold", s.threshold),
		logger.Bool("hotplug", s.hotplugMon != nil),
	)
	return nil
}

// Stop gracefully shuts down the service. The store stays open; it belongs
// to the caller.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx := context.Background()
	s.logger.Info(ctx, "stopping presence service...")

	s.scheduler.Stop()
	s.scheduler.Wait()
	if s.hotplugMon != nil {
		s.hotplugMon.Stop()
	}
	s.supervisor.Stop()

	// Let queued status events reach their sinks before shutting down.
	_ = s.statusQ.Close()
	select {
	case <-s.dispatcher.Done():
	case <-time.After(drainTimeout):
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	_ = s.dispatcher.Shutdown(shutdownCtx)
	cancel()

	close(s.stopCh)
	s.cancel()
	s.started = false
	s.logger.Info(ctx, "presence service stopped")
}

func (s *Service) pruneLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if n := s.cache.Prune(s.now(), s.cooldown); n > 0 {
				s.logger.Debug(ctx, "pruned cooldown entries", logger.Int("count", n))
			}
			metrics.UpdateCooldownEntries(int(s.cache.Size()))
		}
	}
}

// SwitchCamera moves to the next device or facing.
func (s *Service) SwitchCamera(ctx context.Context) (bool, error) {
	return s.supervisor.SwitchFacing(ctx)
}

// SetRecognitionEnabled turns recognition on or off without closing the camera.
func (s *Service) SetRecognitionEnabled(on bool) {
	s.scheduler.SetEnabled(on)
	msg := "recognition paused"
	if on {
		msg = "recognition resumed"
	}
	s.statusQ.Publish(context.Background(), model.StatusEvent{Kind: model.StatusInfo, Message: msg, At: s.now()})
}

// ReloadRoster rebuilds the matcher from the store for the active tenant.
// On failure the previous matcher stays in place.
func (s *Service) ReloadRoster(ctx context.Context) error {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	tenant := s.scheduler.Tenant()
	if tenant == "" {
		return repository.ErrInvalidTenant
	}
	return s.reloadRoster(ctx, tenant)
}

func (s *Service) buildMatcher(ctx context.Context, tenant string) (*matcher.Matcher, error) {
	roster, err := s.store.Roster(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("load roster for %s: %w", tenant, err)
	}
	m, err := matcher.Build(roster, s.threshold, matcher.WithIndexThreshold(s.indexMin))
	if err != nil {
		return nil, fmt.Errorf("build matcher for %s: %w", tenant, err)
	}
	if skipped := m.Skipped(); len(skipped) > 0 {
		s.logger.Warn(ctx, "identities without usable embeddings skipped",
			logger.String("tenant", tenant),
			logger.Any("identities", skipped),
		)
	}
	return m, nil
}

func (s *Service) reloadRoster(ctx context.Context, tenant string) error {
	m, err := s.buildMatcher(ctx, tenant)
	if err != nil {
		return err
	}
	s.scheduler.Use(tenant, m)
	metrics.UpdateRoster(m.Identities(), m.Vectors())
	s.logger.Info(ctx, "roster loaded",
		logger.String("tenant", tenant),
		logger.Int("identities", m.Identities()),
		logger.Int("embeddings", m.Vectors()),
		logger.Bool("indexed", m.Indexed()),
	)
	return nil
}

// SetTenant switches the active tenant. The matcher is rebuilt for the new
// roster and the cooldown cache and recent feed start empty. On failure the
// previous tenant stays active.
func (s *Service) SetTenant(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return repository.ErrInvalidTenant
	}
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	m, err := s.buildMatcher(ctx, tenantID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tenant = tenantID
	s.mu.Unlock()
	s.scheduler.Use(tenantID, m)
	s.cache.Reset()
	s.recent.Clear()
	metrics.UpdateRoster(m.Identities(), m.Vectors())
	metrics.UpdateCooldownEntries(0)
	metrics.UpdateRecentFeedSize(0)

	s.logger.Info(ctx, "tenant switched", logger.String("tenant", tenantID), logger.Int("identities", m.Identities()))
	s.statusQ.Publish(ctx, model.StatusEvent{Kind: model.StatusInfo, Message: "tenant set to " + tenantID, At: s.now()})
	return nil
}

// CaptureEmbedding detects faces in the current frame with the enrolment
// options and returns the embedding of the most confident one.
func (s *Service) CaptureEmbedding(ctx context.Context) ([]float32, error) {
	if s.supervisor.Current() == nil {
		return nil, scheduler.ErrStaleOrMissingSession
	}
	frame, ok := s.sink.Latest()
	if !ok {
		return nil, scheduler.ErrStaleOrMissingSession
	}
	dets, err := s.engine.DetectAll(ctx, frame, inference.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if len(dets) == 0 {
		return nil, inference.ErrNoFace
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Score > best.Score {
			best = d
		}
	}
	return append([]float32(nil), best.Embedding...), nil
}

// Recent returns the recent-matches feed, newest first.
func (s *Service) Recent() []model.RecentMatch {
	return s.recent.Snapshot()
}

// StatusLog returns the latest status events, newest first.
func (s *Service) StatusLog() []model.StatusEvent {
	return s.statusLog.Snapshot()
}

// LastBatch returns the results of the latest completed pass.
func (s *Service) LastBatch() (model.Batch, bool) {
	return s.scheduler.LastBatch()
}

// Events returns history, scoped to the active tenant unless f names one.
func (s *Service) Events(ctx context.Context, f repository.Filter) ([]model.PresenceEvent, error) {
	if f.TenantID == "" {
		f.TenantID = s.scheduler.Tenant()
	}
	start := time.Now()
	events, err := s.store.List(ctx, f)
	metrics.RecordStoreLatency("list", float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// Tenant returns the active tenant.
func (s *Service) Tenant() string { return s.scheduler.Tenant() }

// Supervisor exposes the camera supervisor.
func (s *Service) Supervisor() *camera.Supervisor { return s.supervisor }

// Scheduler exposes the recognition loop.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]any{
		"started":             s.started,
		"tenant":              s.scheduler.Tenant(),
		"recognition_enabled": s.scheduler.Enabled(),
		"scheduler_running":   s.scheduler.Running(),
		"relaxed":             s.scheduler.Relaxed(),
		"camera_wanted":       s.supervisor.Wanted(),
		"facing":              string(s.supervisor.Facing()),
		"cooldown_ms":         s.cooldown.Milliseconds(),
		"cooldown_entries":    s.cache.Size(),
		"recent_size":         s.recent.Len(),
		"status_queue_length": s.statusQ.Len(ctx),
	}
	if sess := s.supervisor.Current(); sess != nil {
		stats["session"] = sess.Info()
	}
	if last := s.monitor.LastFrameAt(); !last.IsZero() {
		stats["last_frame_at"] = last
	}
	if m := s.scheduler.Matcher(); m != nil {
		stats["roster_identities"] = m.Identities()
		stats["roster_embeddings"] = m.Vectors()
		stats["roster_indexed"] = m.Indexed()
	}

	metrics.UpdateQueueSize(s.statusQ.Len(ctx))
	metrics.UpdateCooldownEntries(int(s.cache.Size()))
	metrics.UpdateRecentFeedSize(s.recent.Len())
	return stats
}
