package feed

import (
	"sync"

	"github.com/bmharper/ringbuffer"
)

// history is a bounded, newest-first view over a power-of-two ring. The
// ring may hold more than limit items; only the newest limit are visible.
type history[T any] struct {
	mu    sync.RWMutex
	ring  ringbuffer.RingP[T]
	limit int
}

func newHistory[T any](limit int) *history[T] {
	return &history[T]{ring: ringbuffer.NewRingP[T](nextPowerOf2(limit)), limit: limit}
}

func (h *history[T]) add(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring.Add(v)
	return h.lenLocked()
}

func (h *history[T]) lenLocked() int {
	return min(h.ring.Len(), h.limit)
}

func (h *history[T]) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lenLocked()
}

// snapshot copies the visible items, newest first.
func (h *history[T]) snapshot() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := h.lenLocked()
	out := make([]T, 0, n)
	last := h.ring.Len() - 1
	for i := 0; i < n; i++ {
		out = append(out, h.ring.Peek(last-i))
	}
	return out
}

func (h *history[T]) clear() {
	h.mu.Lock()
	h.ring = ringbuffer.NewRingP[T](nextPowerOf2(h.limit))
	h.mu.Unlock()
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
