// Package camera owns the capture session lifecycle: acquiring a device,
// binding it to the frame sink, watching track and health signals, and
// recovering from stalls, hot-plug removals and hardware faults.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/okian/presence/internal/domain/health"
	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/internal/domain/retry"
	"github.com/okian/presence/pkg/logger"
	"github.com/okian/presence/pkg/metrics"
)

var (
	// ErrDeviceRemoved is the recovery cause for a hot-unplugged device.
	ErrDeviceRemoved = errors.New("capture device removed")
	// ErrTrackEnded is the recovery cause for a track that ended on its own.
	ErrTrackEnded = errors.New("capture track ended")
	// ErrNotWanted aborts recovery once the camera was released on purpose.
	ErrNotWanted = errors.New("camera released")
)

const (
	defaultWarmupFrames  = 3
	defaultWarmupTimeout = 5 * time.Second
	warmupPollInterval   = 5 * time.Millisecond
)

// Supervisor acquires, releases and replaces capture sessions.
type Supervisor struct {
	platform      media.Platform
	sink          media.Sink
	monitor       *health.Monitor
	policy        retry.Policy
	retryOpts     []retry.Option
	status        model.StatusPublisher
	logger        logger.Logger
	now           func() time.Time
	width         int
	height        int
	warmupFrames  int
	warmupTimeout time.Duration
	pollHealth    bool

	// opMu serialises acquire, release and switch.
	opMu sync.Mutex

	mu          sync.Mutex
	baseCtx     context.Context
	session     *Session
	facing      media.Facing
	deviceID    string
	wanted      bool
	watchCancel context.CancelFunc

	switching  atomic.Bool
	recovering atomic.Bool
}

// NewSupervisor creates a supervisor that binds streams to sink.
func NewSupervisor(platform media.Platform, sink media.Sink, monitor *health.Monitor, opts ...Option) *Supervisor {
	s := &Supervisor{
		platform:      platform,
		sink:          sink,
		monitor:       monitor,
		policy:        retry.DefaultPolicy(),
		status:        model.NopPublisher{},
		now:           time.Now,
		width:         1280,
		height:        720,
		warmupFrames:  defaultWarmupFrames,
		warmupTimeout: defaultWarmupTimeout,
		pollHealth:    true,
		baseCtx:       context.Background(),
		facing:        media.FacingBack,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("camera")
	}
	return s
}

// Start sets the context that outlives individual requests. Streams,
// watchers and recoveries run under it.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

// Stop releases the session.
func (s *Supervisor) Stop() {
	s.Release(context.Background())
}

func (s *Supervisor) base() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Current returns the live session or nil.
func (s *Supervisor) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Sink returns the sink streams are bound to.
func (s *Supervisor) Sink() media.Sink { return s.sink }

// Facing returns the facing of the last acquisition request.
func (s *Supervisor) Facing() media.Facing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facing
}

// Wanted reports whether the camera should be open.
func (s *Supervisor) Wanted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wanted
}

// ObserveFrame forwards a frame observation to the health monitor.
func (s *Supervisor) ObserveFrame(t time.Time) {
	s.monitor.Observe(t)
}

// Acquire opens a stream for facing and binds it to the sink, replacing any
// existing session.
func (s *Supervisor) Acquire(ctx context.Context, facing media.Facing) (*Session, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	s.wanted = true
	s.mu.Unlock()
	return s.acquireLocked(ctx, facing, "")
}

// acquireLocked must be called with opMu held. preferredID selects a device
// by id when it is still enumerated.
func (s *Supervisor) acquireLocked(ctx context.Context, facing media.Facing, preferredID string) (*Session, error) {
	s.releaseLocked(ctx)
	s.publish(ctx, model.StatusOpening, "opening camera")

	sess, err := s.open(ctx, facing, preferredID)
	if err != nil {
		metrics.RecordSessionAcquisition(acquisitionResult(err))
		metrics.RecordErrorByComponent("camera", acquisitionResult(err))
		s.logger.Error(ctx, "camera acquisition failed",
			logger.String("facing", string(facing)),
			logger.Error(err),
		)
		s.publish(ctx, model.StatusError, userMessage(err))
		return nil, err
	}

	base := s.base()
	watchCtx, cancel := context.WithCancel(base)
	s.mu.Lock()
	s.session = sess
	s.facing = facing
	s.deviceID = sess.Device.ID
	s.watchCancel = cancel
	s.mu.Unlock()

	for _, t := range sess.tracks {
		go s.watchTrack(watchCtx, sess, t)
	}
	id := sess.ID
	s.monitor.Watch(base, func(ctx context.Context, silence time.Duration) {
		s.onStall(ctx, id, silence)
	}, s.pollHealth)

	metrics.RecordSessionAcquisition("ok")
	metrics.UpdateSessionActive(true)
	s.logger.Info(ctx, "camera ready",
		logger.String("session", sess.ID),
		logger.String("device", sess.Device.ID),
		logger.String("label", sess.Device.Label),
		logger.String("facing", string(facing)),
	)
	s.publish(ctx, model.StatusReady, "camera ready")
	return sess, nil
}

func (s *Supervisor) open(ctx context.Context, facing media.Facing, preferredID string) (*Session, error) {
	if s.platform.Permission(ctx) == media.PermissionDenied {
		return nil, media.ErrPermissionDenied
	}

	c := media.Constraints{Facing: facing, Width: s.width, Height: s.height}
	var device media.Device
	devices, err := s.platform.Enumerate(ctx)
	switch {
	case err != nil:
		// Drive the open by facing alone.
		s.logger.Debug(ctx, "device enumeration unavailable", logger.Error(err))
	case len(devices) == 0:
		return nil, media.ErrDeviceUnavailable
	default:
		idx := indexOf(devices, preferredID)
		if idx < 0 {
			idx = ResolveDevice(devices, facing)
		}
		device = devices[idx]
		c.DeviceID = device.ID
	}

	stream, err := s.platform.Open(s.base(), c)
	if err != nil {
		return nil, classifyOpenError(err)
	}

	if err := s.sink.Bind(s.base(), stream); err != nil {
		stream.Stop()
		if errors.Is(err, media.ErrBindingFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", media.ErrBindingFailed, err)
	}

	if err := s.warmUp(ctx); err != nil {
		s.sink.Detach()
		stream.Stop()
		return nil, err
	}

	if device.ID == "" {
		device.ID = stream.ID()
	}
	return &Session{
		ID:         uuid.NewString(),
		Device:     device,
		Facing:     facing,
		AcquiredAt: s.now(),
		stream:     stream,
		tracks:     stream.Tracks(),
		health:     HealthHealthy,
	}, nil
}

// warmUp waits for the sink to report a size and then lets warmupFrames
// frames pass before the session is declared ready.
func (s *Supervisor) warmUp(ctx context.Context) error {
	deadline := time.NewTimer(s.warmupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(warmupPollInterval)
	defer ticker.Stop()

	for {
		w, h := s.sink.Dimensions()
		if w > 0 && h > 0 {
			if f, ok := s.sink.Latest(); ok && f.Seq > uint64(s.warmupFrames) {
				return nil
			}
		}
		if s.sink.Ended() {
			return fmt.Errorf("stream ended during warm-up: %w", media.ErrStartFailure)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: no frames after %s", media.ErrBindingFailed, s.warmupTimeout)
		case <-ticker.C:
		}
	}
}

// Release stops every track, detaches the sink and stops health
// monitoring. It also clears the wish to keep the camera open, so pending
// recoveries give up. Calling it without a session is a no-op.
func (s *Supervisor) Release(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	s.wanted = false
	had := s.session != nil
	s.mu.Unlock()
	s.releaseLocked(ctx)
	if had {
		s.publish(ctx, model.StatusStopped, "camera stopped")
	}
}

func (s *Supervisor) releaseLocked(ctx context.Context) {
	s.monitor.Stop()

	s.mu.Lock()
	sess := s.session
	s.session = nil
	cancel := s.watchCancel
	s.watchCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.sink.Detach()
	if sess == nil {
		return
	}
	sess.setHealth(HealthEnded)
	for _, t := range sess.tracks {
		t.Stop()
	}
	sess.stream.Stop()
	metrics.UpdateSessionActive(false)
	s.logger.Info(ctx, "camera released", logger.String("session", sess.ID))
}

// SwitchFacing moves to the next enumerated device, or flips the facing
// heuristic when fewer than two devices are known. A call made while
// another switch runs is a no-op and returns false.
func (s *Supervisor) SwitchFacing(ctx context.Context) (bool, error) {
	if !s.switching.CompareAndSwap(false, true) {
		s.publish(ctx, model.StatusInfo, "camera switch already in progress")
		return false, nil
	}
	defer s.switching.Store(false)

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	s.wanted = true
	facing := s.facing
	current := s.deviceID
	s.mu.Unlock()

	devices, err := s.platform.Enumerate(ctx)
	if err == nil && len(devices) > 1 {
		next := (indexOf(devices, current) + 1) % len(devices)
		target := devices[next]
		if f, ok := LabelFacing(target.Label); ok {
			facing = f
		} else {
			facing = facing.Opposite()
		}
		s.logger.Info(ctx, "switching camera device",
			logger.String("from", current),
			logger.String("to", target.ID),
		)
		_, err = s.acquireLocked(ctx, facing, target.ID)
		return err == nil, err
	}

	facing = facing.Opposite()
	s.logger.Info(ctx, "switching camera facing", logger.String("facing", string(facing)))
	_, err = s.acquireLocked(ctx, facing, "")
	return err == nil, err
}

// Recover releases the current session and re-acquires with the bounded
// retry policy, preferring the same device. Concurrent calls coalesce.
func (s *Supervisor) Recover(ctx context.Context, cause error) error {
	if !s.recovering.CompareAndSwap(false, true) {
		return nil
	}
	defer s.recovering.Store(false)

	s.opMu.Lock()
	s.releaseLocked(ctx)
	s.mu.Lock()
	facing := s.facing
	deviceID := s.deviceID
	wanted := s.wanted
	s.mu.Unlock()
	s.opMu.Unlock()

	if !wanted {
		return ErrNotWanted
	}
	s.logger.Warn(ctx, "recovering camera", logger.Error(cause))

	err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		metrics.RecordReacquireAttempt()
		s.opMu.Lock()
		defer s.opMu.Unlock()
		if !s.Wanted() {
			return retry.Permanent(ErrNotWanted)
		}
		_, err := s.acquireLocked(ctx, facing, deviceID)
		if errors.Is(err, media.ErrPermissionDenied) {
			return retry.Permanent(err)
		}
		return err
	}, append([]retry.Option{retry.WithNotify(func(attempt int, err error, next time.Duration) {
		s.logger.Warn(ctx, "camera re-acquisition failed",
			logger.Int("attempt", attempt),
			logger.Duration("retry_in", next),
			logger.Error(err),
		)
	})}, s.retryOpts...)...)
	if err != nil && !errors.Is(err, ErrNotWanted) {
		s.logger.Error(ctx, "camera recovery gave up", logger.Error(err))
		s.publish(ctx, model.StatusError, "camera unavailable: "+userMessage(err))
	}
	return err
}

func (s *Supervisor) onStall(ctx context.Context, sessionID string, silence time.Duration) {
	sess := s.Current()
	if sess == nil || sess.ID != sessionID {
		return
	}
	sess.setHealth(HealthStalled)
	s.publish(ctx, model.StatusStalled, fmt.Sprintf("no frames for %s, reconnecting camera", silence.Round(time.Millisecond)))
	_ = s.Recover(s.base(), health.ErrStreamStalled)
}

func (s *Supervisor) watchTrack(ctx context.Context, sess *Session, t media.Track) {
	events := t.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			metrics.RecordTrackEvent(string(ev.Kind))
			switch ev.Kind {
			case media.TrackMuted:
				sess.setMuted(true)
				s.publish(ctx, model.StatusMuted, "camera muted")
			case media.TrackUnmuted:
				sess.setMuted(false)
				s.publish(ctx, model.StatusUnmuted, "camera resumed")
			case media.TrackEnded:
				if cur := s.Current(); cur == nil || cur.ID != sess.ID {
					return
				}
				cause := ErrTrackEnded
				if ev.Err != nil {
					cause = fmt.Errorf("%w: %w", ErrTrackEnded, ev.Err)
				}
				go func() { _ = s.Recover(s.base(), cause) }()
				return
			}
		}
	}
}

// HandleHotplug reacts to a device arrival or removal.
func (s *Supervisor) HandleHotplug(ctx context.Context, ev media.HotplugEvent) {
	metrics.RecordHotplugEvent(string(ev.Action))
	switch ev.Action {
	case media.HotplugRemove:
		sess := s.Current()
		if sess == nil || sess.Device.Path == "" || sess.Device.Path != ev.Path {
			return
		}
		s.logger.Warn(ctx, "active camera unplugged", logger.String("path", ev.Path))
		_ = s.Recover(ctx, ErrDeviceRemoved)
	case media.HotplugAdd:
		if !s.Wanted() || s.Current() != nil {
			return
		}
		s.logger.Info(ctx, "camera plugged in, acquiring", logger.String("path", ev.Path))
		_ = s.Recover(ctx, nil)
	}
}

func (s *Supervisor) publish(ctx context.Context, kind model.StatusKind, msg string) {
	s.status.Publish(ctx, model.StatusEvent{Kind: kind, Message: msg, At: s.now()})
}

func classifyOpenError(err error) error {
	switch {
	case errors.Is(err, media.ErrPermissionDenied),
		errors.Is(err, media.ErrDeviceUnavailable),
		errors.Is(err, media.ErrBindingFailed),
		media.IsHardwareFault(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", media.ErrDeviceUnavailable, err)
	}
}

func acquisitionResult(err error) string {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, media.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, media.ErrBindingFailed):
		return "binding_failed"
	case media.IsHardwareFault(err):
		return "hardware_fault"
	default:
		return "error"
	}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return "camera permission denied"
	case errors.Is(err, media.ErrDeviceUnavailable):
		return "no camera available"
	case errors.Is(err, media.ErrBindingFailed):
		return "camera could not be started"
	case media.IsHardwareFault(err):
		return "camera hardware error"
	default:
		return err.Error()
	}
}
