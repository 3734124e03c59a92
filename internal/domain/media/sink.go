package media

import (
	"context"
	"fmt"
	"sync"
)

// Sink is where a bound stream's frames land. The recognition loop reads
// the latest frame from it; it never reads the stream directly.
type Sink interface {
	Bind(ctx context.Context, s Stream) error
	Detach()
	// Dimensions reports the size of the latest frame, zero before the
	// first frame arrives.
	Dimensions() (int, int)
	Paused() bool
	// Ended reports that no stream is bound or the bound stream finished.
	Ended() bool
	// Latest returns the most recent frame.
	Latest() (Frame, bool)
}

// FrameSink keeps only the most recent frame of the bound stream.
type FrameSink struct {
	mu         sync.Mutex
	closed     bool
	bound      bool
	ended      bool
	paused     bool
	generation uint64
	seq        uint64
	latest     Frame
	hasFrame   bool
	cancel     context.CancelFunc
}

// NewFrameSink returns an unbound sink.
func NewFrameSink() *FrameSink {
	return &FrameSink{}
}

// Bind attaches s, replacing any previous stream.
func (k *FrameSink) Bind(ctx context.Context, s Stream) error {
	if s == nil {
		return fmt.Errorf("%w: nil stream", ErrBindingFailed)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fmt.Errorf("%w: %w", ErrBindingFailed, ErrSinkClosed)
	}
	k.detachLocked()
	k.generation++
	k.bound = true
	k.ended = false
	pumpCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	go k.pump(pumpCtx, s.Frames(), k.generation)
	return nil
}

func (k *FrameSink) pump(ctx context.Context, frames <-chan Frame, gen uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			k.mu.Lock()
			if k.generation != gen {
				k.mu.Unlock()
				return
			}
			if !ok {
				k.ended = true
				k.mu.Unlock()
				return
			}
			k.seq++
			f.Seq = k.seq
			k.latest = f
			k.hasFrame = true
			k.mu.Unlock()
		}
	}
}

// Detach drops the bound stream. Safe to call when nothing is bound.
func (k *FrameSink) Detach() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.detachLocked()
}

func (k *FrameSink) detachLocked() {
	if k.cancel != nil {
		k.cancel()
		k.cancel = nil
	}
	k.generation++
	k.bound = false
	k.hasFrame = false
	k.latest = Frame{}
	k.seq = 0
}

// Close detaches and rejects future binds.
func (k *FrameSink) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.detachLocked()
	k.closed = true
}

// SetPaused pauses or resumes consumption by the recognition loop.
func (k *FrameSink) SetPaused(p bool) {
	k.mu.Lock()
	k.paused = p
	k.mu.Unlock()
}

// Dimensions implements Sink.
func (k *FrameSink) Dimensions() (int, int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.hasFrame {
		return 0, 0
	}
	return k.latest.Size()
}

// Paused implements Sink.
func (k *FrameSink) Paused() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.paused
}

// Ended implements Sink.
func (k *FrameSink) Ended() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.bound || k.ended
}

// Latest implements Sink.
func (k *FrameSink) Latest() (Frame, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.latest, k.hasFrame
}

// Seq returns the number of frames received since the last bind.
func (k *FrameSink) Seq() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.seq
}
