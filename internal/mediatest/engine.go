package mediatest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/okian/presence/internal/domain/inference"
	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/domain/model"
)

// EngineResult is one scripted DetectAll outcome.
type EngineResult struct {
	Detections []model.Detection
	Err        error
}

// Engine is a scripted inference.Engine. Queued results are returned in
// order; once drained, the fallback is returned.
type Engine struct {
	mu       sync.Mutex
	queue    []EngineResult
	fallback EngineResult
	opts     []inference.Options
	gate     chan struct{}

	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	started     chan struct{}
}

// NewEngine returns an engine that detects nothing.
func NewEngine() *Engine {
	return &Engine{started: make(chan struct{}, 64)}
}

// Queue appends scripted results.
func (e *Engine) Queue(results ...EngineResult) {
	e.mu.Lock()
	e.queue = append(e.queue, results...)
	e.mu.Unlock()
}

// SetFallback sets the result used when the queue is empty.
func (e *Engine) SetFallback(r EngineResult) {
	e.mu.Lock()
	e.fallback = r
	e.mu.Unlock()
}

// Block makes every call wait until Release.
func (e *Engine) Block() {
	e.mu.Lock()
	e.gate = make(chan struct{})
	e.mu.Unlock()
}

// Release lets blocked calls finish and stops blocking new ones.
func (e *Engine) Release() {
	e.mu.Lock()
	if e.gate != nil {
		close(e.gate)
		e.gate = nil
	}
	e.mu.Unlock()
}

// Started delivers one value per DetectAll call as it begins.
func (e *Engine) Started() <-chan struct{} { return e.started }

// Calls returns the number of DetectAll calls.
func (e *Engine) Calls() int { return int(e.calls.Load()) }

// MaxInFlight returns the highest observed number of concurrent calls.
func (e *Engine) MaxInFlight() int { return int(e.maxInFlight.Load()) }

// Options returns the options of every call.
func (e *Engine) Options() []inference.Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]inference.Options(nil), e.opts...)
}

// DetectAll implements inference.Engine.
func (e *Engine) DetectAll(ctx context.Context, _ media.Frame, opts inference.Options) ([]model.Detection, error) {
	e.calls.Add(1)
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		m := e.maxInFlight.Load()
		if n <= m || e.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	e.mu.Lock()
	e.opts = append(e.opts, opts)
	gate := e.gate
	r := e.fallback
	if len(e.queue) > 0 {
		r = e.queue[0]
		e.queue = e.queue[1:]
	}
	e.mu.Unlock()

	select {
	case e.started <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Detections, r.Err
}
