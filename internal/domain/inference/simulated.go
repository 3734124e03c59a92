package inference

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/domain/model"
)

const (
	defaultMinLatency = 20 * time.Millisecond
	defaultMaxLatency = 60 * time.Millisecond
	defaultRandomSeed = 42
)

// SimulatedOption applies a configuration option to the SimulatedEngine.
type SimulatedOption func(*SimulatedEngine)

// WithLatencyRange sets the simulated latency range. A zero range disables
// the delay.
func WithLatencyRange(minLatency, maxLatency time.Duration) SimulatedOption {
	return func(s *SimulatedEngine) {
		if minLatency >= 0 && maxLatency >= minLatency {
			s.minLatency = minLatency
			s.maxLatency = maxLatency
		}
	}
}

// WithFaces sets the faces present in every frame.
func WithFaces(faces ...model.Detection) SimulatedOption {
	return func(s *SimulatedEngine) {
		s.faces = append([]model.Detection(nil), faces...)
	}
}

// WithJitter adds uniform noise in [-amount, amount] to every embedding
// component.
func WithJitter(amount float32) SimulatedOption {
	return func(s *SimulatedEngine) {
		if amount >= 0 {
			s.jitter = amount
		}
	}
}

// SimulatedEngine returns a fixed scene without looking at pixels. Faces
// whose score falls below the pass threshold are not reported, so relaxed
// passes can surface faces a regular pass misses.
type SimulatedEngine struct {
	minLatency time.Duration
	maxLatency time.Duration
	jitter     float32

	mu    sync.Mutex
	faces []model.Detection
	rng   *rand.Rand
}

// NewSimulatedEngine creates a simulated engine.
func NewSimulatedEngine(opts ...SimulatedOption) *SimulatedEngine {
	s := &SimulatedEngine{
		minLatency: defaultMinLatency,
		maxLatency: defaultMaxLatency,
		rng:        rand.New(rand.NewSource(defaultRandomSeed)), //nolint:gosec // deterministic seed for reproducible testing
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFaces replaces the scene.
func (s *SimulatedEngine) SetFaces(faces ...model.Detection) {
	s.mu.Lock()
	s.faces = append([]model.Detection(nil), faces...)
	s.mu.Unlock()
}

// DetectAll implements Engine.
func (s *SimulatedEngine) DetectAll(ctx context.Context, frame media.Frame, opts Options) ([]model.Detection, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("empty frame: %w", media.ErrTrackUnreadable)
	}

	s.mu.Lock()
	latency := s.minLatency
	if span := s.maxLatency - s.minLatency; span > 0 {
		latency += time.Duration(s.rng.Int63n(int64(span)))
	}
	faces := make([]model.Detection, 0, len(s.faces))
	for _, f := range s.faces {
		if f.Score < opts.ScoreThreshold {
			continue
		}
		out := f
		out.Embedding = make([]float32, len(f.Embedding))
		for i, v := range f.Embedding {
			if s.jitter > 0 {
				v += (s.rng.Float32()*2 - 1) * s.jitter
			}
			out.Embedding[i] = v
		}
		faces = append(faces, out)
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-time.After(latency):
		}
	}
	return faces, nil
}
