package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"sync"
	"time"

	"github.com/okian/presence/internal/domain/media"
)

type track struct {
	id     string
	mu     sync.Mutex
	closed bool
	events chan media.TrackEvent
}

func (t *track) ID() string                      { return t.id }
func (t *track) Events() <-chan media.TrackEvent { return t.events }

func (t *track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.events)
}

// emit never blocks; a consumer that falls behind loses events.
func (t *track) emit(kind media.TrackEventKind, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- media.TrackEvent{TrackID: t.id, Kind: kind, Err: err}:
	default:
	}
}

type stream struct {
	id        string
	track     *track
	frames    chan media.Frame
	cancel    context.CancelFunc
	muteAfter time.Duration
	now       func() time.Time

	mu        sync.Mutex
	lastFrame time.Time
	muted     bool
}

func newStream(id string, cancel context.CancelFunc, muteAfter time.Duration, now func() time.Time) *stream {
	return &stream{
		id:        id,
		track:     &track{id: id + "/video", events: make(chan media.TrackEvent, 8)},
		frames:    make(chan media.Frame, frameBuffer),
		cancel:    cancel,
		muteAfter: muteAfter,
		now:       now,
	}
}

func (s *stream) ID() string                 { return s.id }
func (s *stream) Tracks() []media.Track      { return []media.Track{s.track} }
func (s *stream) Frames() <-chan media.Frame { return s.frames }

// Stop aborts the HTTP body read and stops the track. The frame channel
// closes once the reader exits.
func (s *stream) Stop() {
	s.cancel()
	s.track.Stop()
}

func (s *stream) deliver(f media.Frame) {
	s.mu.Lock()
	s.lastFrame = f.ReceivedAt
	unmuted := s.muted
	s.muted = false
	s.mu.Unlock()
	if unmuted {
		s.track.emit(media.TrackUnmuted, nil)
	}
	select {
	case s.frames <- f:
	default:
		// The sink only wants the latest frame.
	}
}

func (s *stream) read(ctx context.Context, mr *multipart.Reader, body io.Closer) {
	defer close(s.frames)
	defer body.Close()
	for {
		img, err := readFrame(mr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errBadFrame) {
				err = fmt.Errorf("%w: %w", media.ErrTrackUnreadable, err)
			}
			s.track.emit(media.TrackEnded, err)
			return
		}
		s.deliver(media.Frame{ReceivedAt: s.now(), Image: img})
	}
}

// watchSilence reports mute after muteAfter without frames.
func (s *stream) watchSilence(ctx context.Context) {
	ticker := time.NewTicker(s.muteAfter / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			silent := !s.muted && s.now().Sub(s.lastFrame) > s.muteAfter
			if silent {
				s.muted = true
			}
			s.mu.Unlock()
			if silent {
				s.track.emit(media.TrackMuted, nil)
			}
		}
	}
}
