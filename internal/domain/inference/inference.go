// Package inference defines the detector/encoder contract and a simulated
// engine for demos and tests.
package inference

import (
	"context"
	"errors"

	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/domain/model"
)

var (
	// ErrEngineUnavailable is returned when the engine cannot be reached.
	ErrEngineUnavailable = errors.New("inference engine unavailable")
	// ErrNoFace is returned when a capture needs a face and none was found.
	ErrNoFace = errors.New("no face detected")
)

// Options tune one detection pass.
type Options struct {
	InputSize      int     `json:"input_size"`
	ScoreThreshold float64 `json:"score_threshold"`
}

// DefaultOptions are used for regular passes and enrolment capture.
func DefaultOptions() Options {
	return Options{InputSize: 160, ScoreThreshold: 0.5}
}

// RelaxedOptions are used after a quiet grace period.
func RelaxedOptions() Options {
	return Options{InputSize: 128, ScoreThreshold: 0.3}
}

// Engine detects every face in a frame and returns one embedding per face,
// in the engine's order. Boxes are in frame pixel coordinates.
type Engine interface {
	DetectAll(ctx context.Context, frame media.Frame, opts Options) ([]model.Detection, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, frame media.Frame, opts Options) ([]model.Detection, error)

// DetectAll implements Engine.
func (f EngineFunc) DetectAll(ctx context.Context, frame media.Frame, opts Options) ([]model.Detection, error) {
	return f(ctx, frame, opts)
}
