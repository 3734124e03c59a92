// Package worker drains the status queue and fans every event out to the
// registered sinks.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/presence/internal/adapters/mq/queue"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/pkg/logger"
	"github.com/okian/presence/pkg/metrics"
)

// Event is what the dispatcher reads off the queue.
type Event = queue.Event

// Queue defines how the dispatcher receives events.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Event
}

// Sink consumes dispatched events. Deliver must not block for long; slow
// consumers buffer on their side.
type Sink interface {
	Deliver(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, e Event) { f(ctx, e) } //nolint:gocritic // hugeParam: Event is passed by value

// Worker is a queue consumer.
type Worker interface {
	// Run starts the loop until ctx is canceled, Shutdown is called or the
	// queue closes.
	Run(ctx context.Context)

	// Shutdown stops the loop and waits for it to exit.
	Shutdown(ctx context.Context) error
}

// Dispatcher delivers events in queue order to every sink.
type Dispatcher struct {
	queue Queue
	name  string

	mu    sync.RWMutex
	sinks []Sink

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewDispatcher creates a dispatcher over queue.
func NewDispatcher(q Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:    q,
		name:     "status-dispatcher",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.Get().Named(d.name)
	}
	return d
}

// AddSink registers a consumer. Sinks added after Run receive later events.
func (d *Dispatcher) AddSink(s Sink) {
	if s == nil {
		return
	}
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Run starts the dispatch loop.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	events := d.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			d.dispatch(ctx, event)
		}
	}
}

// Shutdown stops the dispatcher. Safe to call more than once.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() { close(d.shutdown) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) dispatch(ctx context.Context, event Event) { //nolint:gocritic // hugeParam: Event is passed by value for channel semantics
	start := time.Now()
	defer func() {
		metrics.RecordDispatchLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	fields := []logger.Field{
		logger.String("kind", string(event.Kind)),
		logger.String("message", event.Message),
	}
	if event.IdentityID != "" {
		fields = append(fields, logger.String("identity", event.IdentityID))
	}
	switch event.Kind {
	case model.StatusError, model.StatusStalled:
		d.logger.Warn(ctx, "status", fields...)
	default:
		d.logger.Info(ctx, "status", fields...)
	}

	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()
	for _, s := range sinks {
		s.Deliver(ctx, event)
	}
	metrics.RecordStatusDelivered(string(event.Kind))
}
