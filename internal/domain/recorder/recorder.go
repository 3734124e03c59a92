// Package recorder turns matches into deduplicated presence events.
//
// Per known match:
//   - a cooldown cache hit skips the store and only feeds the recent list;
//   - otherwise the store decides: a recent event primes the cache, no
//     recent event means a new event is inserted;
//   - a store failure leaves the cache untouched so the next sighting
//     tries again.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/presence/internal/domain/dedupe"
	"github.com/okian/presence/internal/domain/feed"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/pkg/logger"
	"github.com/okian/presence/pkg/metrics"
)

// ErrPersistenceFailure wraps store read and write failures.
var ErrPersistenceFailure = errors.New("presence persistence failed")

// Outcome is what Record did with a match.
type Outcome string

const (
	OutcomeUnknown            Outcome = "unknown"
	OutcomeCached             Outcome = "cached"
	OutcomeConfirmed          Outcome = "confirmed"
	OutcomeRecorded           Outcome = "recorded"
	OutcomePersistenceFailure Outcome = "persistence_failure"
)

// EventStore is the subset of the event store the recorder needs.
type EventStore interface {
	Insert(ctx context.Context, tenantID, identityID string, distance float64) (model.PresenceEvent, error)
	LastEventFor(ctx context.Context, identityID string) (*model.PresenceEvent, error)
}

// Recorder applies the cooldown policy. It is safe for concurrent use, but
// the scheduler calls it from one pass at a time.
type Recorder struct {
	store    EventStore
	cache    dedupe.Cache
	recent   *feed.Recent
	status   model.StatusPublisher
	cooldown time.Duration
	now      func() time.Time
	logger   logger.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithCooldown sets the per-identity window.
func WithCooldown(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStatus sets the status publisher.
func WithStatus(p model.StatusPublisher) Option {
	return func(r *Recorder) {
		if p != nil {
			r.status = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Recorder.
func New(store EventStore, cache dedupe.Cache, recent *feed.Recent, opts ...Option) *Recorder {
	r := &Recorder{
		store:    store,
		cache:    cache,
		recent:   recent,
		status:   model.NopPublisher{},
		cooldown: 5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Get().Named("recorder")
	}
	return r
}

// Cooldown returns the active window.
func (r *Recorder) Cooldown() time.Duration { return r.cooldown }

// Record applies the policy to one match. displayName is shown in the
// recent feed and status messages.
func (r *Recorder) Record(ctx context.Context, tenantID string, m model.MatchResult, displayName string) (Outcome, error) {
	if !m.Known() {
		return OutcomeUnknown, nil
	}
	if displayName == "" {
		displayName = m.Label
	}
	now := r.now()

	if r.cache.Within(tenantID, m.Label, now, r.cooldown) {
		r.push(m, displayName, now)
		metrics.RecordDuplicateSuppressed("cache")
		return OutcomeCached, nil
	}

	last, err := r.store.LastEventFor(ctx, m.Label)
	if err != nil {
		return r.fail(ctx, "last_event", m.Label, err)
	}
	if last != nil && now.Sub(last.Timestamp) < r.cooldown {
		r.cache.Set(tenantID, m.Label, last.Timestamp)
		metrics.RecordDuplicateSuppressed("store")
		r.publish(ctx, model.StatusDuplicate, m.Label, fmt.Sprintf("%s already recorded, duplicate suppressed", displayName))
		return OutcomeConfirmed, nil
	}

	ev, err := r.store.Insert(ctx, tenantID, m.Label, m.Distance)
	if err != nil {
		return r.fail(ctx, "insert", m.Label, err)
	}
	r.cache.Set(tenantID, m.Label, ev.Timestamp)
	r.push(m, displayName, ev.Timestamp)
	metrics.RecordEventRecorded()
	r.logger.Info(ctx, "presence recorded",
		logger.String("identity", m.Label),
		logger.String("tenant", tenantID),
		logger.Float64("distance", m.Distance),
		logger.String("event", ev.ID),
	)
	r.publish(ctx, model.StatusRecognized, m.Label, fmt.Sprintf("%s recognized", displayName))
	return OutcomeRecorded, nil
}

func (r *Recorder) push(m model.MatchResult, name string, at time.Time) {
	if r.recent == nil {
		return
	}
	r.recent.Push(model.RecentMatch{IdentityID: m.Label, DisplayName: name, Distance: m.Distance, At: at})
}

func (r *Recorder) fail(ctx context.Context, op, identity string, err error) (Outcome, error) {
	metrics.RecordPersistenceError(op)
	metrics.RecordErrorByComponent("recorder", op)
	r.logger.Error(ctx, "presence persistence failed",
		logger.String("operation", op),
		logger.String("identity", identity),
		logger.Error(err),
	)
	r.publish(ctx, model.StatusError, identity, "could not save presence")
	return OutcomePersistenceFailure, fmt.Errorf("%w: %s: %w", ErrPersistenceFailure, op, err)
}

func (r *Recorder) publish(ctx context.Context, kind model.StatusKind, identity, msg string) {
	r.status.Publish(ctx, model.StatusEvent{Kind: kind, Message: msg, IdentityID: identity, At: r.now()})
}
