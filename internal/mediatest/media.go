// Package mediatest provides in-memory capture and inference doubles for
// tests across the service.
package mediatest

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/presence/internal/domain/media"
)

// Image returns a solid test image of the given size.
func Image(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

// Track is a controllable media.Track.
type Track struct {
	id      string
	events  chan media.TrackEvent
	once    sync.Once
	stopped atomic.Bool
}

// NewTrack creates a track with a buffered event channel.
func NewTrack(id string) *Track {
	return &Track{id: id, events: make(chan media.TrackEvent, 16)}
}

// ID implements media.Track.
func (t *Track) ID() string { return t.id }

// Events implements media.Track.
func (t *Track) Events() <-chan media.TrackEvent { return t.events }

// Stop implements media.Track.
func (t *Track) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.events)
	})
}

// Stopped reports whether Stop was called.
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Emit sends a lifecycle event unless the track is stopped.
func (t *Track) Emit(kind media.TrackEventKind) {
	if t.stopped.Load() {
		return
	}
	defer func() { _ = recover() }()
	t.events <- media.TrackEvent{TrackID: t.id, Kind: kind}
}

// Stream is a controllable media.Stream.
type Stream struct {
	id          string
	Constraints media.Constraints
	track       *Track
	frames      chan media.Frame
	once        sync.Once
	stopped     atomic.Bool
	width       int
	height      int
}

// NewStream creates a stream with one video track.
func NewStream(id string, c media.Constraints, w, h int) *Stream {
	return &Stream{
		id:          id,
		Constraints: c,
		track:       NewTrack(id + "-video"),
		frames:      make(chan media.Frame, 64),
		width:       w,
		height:      h,
	}
}

// ID implements media.Stream.
func (s *Stream) ID() string { return s.id }

// Tracks implements media.Stream.
func (s *Stream) Tracks() []media.Track { return []media.Track{s.track} }

// Track returns the video track.
func (s *Stream) Track() *Track { return s.track }

// Frames implements media.Stream.
func (s *Stream) Frames() <-chan media.Frame { return s.frames }

// Stop implements media.Stream.
func (s *Stream) Stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.track.Stop()
		close(s.frames)
	})
}

// Stopped reports whether Stop was called.
func (s *Stream) Stopped() bool { return s.stopped.Load() }

// Push delivers n frames, dropping them if the buffer is full.
func (s *Stream) Push(n int) {
	if s.stopped.Load() {
		return
	}
	defer func() { _ = recover() }()
	for i := 0; i < n; i++ {
		select {
		case s.frames <- media.Frame{ReceivedAt: time.Now(), Image: Image(s.width, s.height)}:
		default:
		}
	}
}

// Platform is a scriptable media.Platform.
type Platform struct {
	mu           sync.Mutex
	devices      []media.Device
	enumerateErr error
	permission   media.PermissionState
	openErrs     []error
	autoFrames   int
	width        int
	height       int
	opens        []media.Constraints
	streams      []*Stream
}

// PlatformOption configures a Platform.
type PlatformOption func(*Platform)

// WithDevices sets the enumerated devices.
func WithDevices(d ...media.Device) PlatformOption {
	return func(p *Platform) { p.devices = d }
}

// WithEnumerateError makes Enumerate fail.
func WithEnumerateError(err error) PlatformOption {
	return func(p *Platform) { p.enumerateErr = err }
}

// WithPermission sets the permission state.
func WithPermission(s media.PermissionState) PlatformOption {
	return func(p *Platform) { p.permission = s }
}

// WithOpenErrors queues errors returned by successive Open calls.
func WithOpenErrors(errs ...error) PlatformOption {
	return func(p *Platform) { p.openErrs = errs }
}

// WithAutoFrames pushes n frames into every stream as soon as it opens.
func WithAutoFrames(n int) PlatformOption {
	return func(p *Platform) { p.autoFrames = n }
}

// NewPlatform creates a platform that opens 64x48 streams and pushes
// enough frames to pass warm-up.
func NewPlatform(opts ...PlatformOption) *Platform {
	p := &Platform{
		permission: media.PermissionGranted,
		autoFrames: 8,
		width:      64,
		height:     48,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enumerate implements media.Platform.
func (p *Platform) Enumerate(context.Context) ([]media.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enumerateErr != nil {
		return nil, p.enumerateErr
	}
	return append([]media.Device(nil), p.devices...), nil
}

// Open implements media.Platform.
func (p *Platform) Open(_ context.Context, c media.Constraints) (media.Stream, error) {
	p.mu.Lock()
	p.opens = append(p.opens, c)
	if len(p.openErrs) > 0 {
		err := p.openErrs[0]
		p.openErrs = p.openErrs[1:]
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	s := NewStream(fmt.Sprintf("stream-%d", len(p.opens)), c, p.width, p.height)
	p.streams = append(p.streams, s)
	n := p.autoFrames
	p.mu.Unlock()

	s.Push(n)
	return s, nil
}

// Permission implements media.Platform.
func (p *Platform) Permission(context.Context) media.PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

// SetDevices replaces the enumerated devices.
func (p *Platform) SetDevices(d ...media.Device) {
	p.mu.Lock()
	p.devices = d
	p.mu.Unlock()
}

// SetOpenErrors queues errors for the next Open calls.
func (p *Platform) SetOpenErrors(errs ...error) {
	p.mu.Lock()
	p.openErrs = errs
	p.mu.Unlock()
}

// Opens returns every constraint set passed to Open.
func (p *Platform) Opens() []media.Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.Constraints(nil), p.opens...)
}

// OpenCount returns the number of Open calls.
func (p *Platform) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opens)
}

// Streams returns every stream opened successfully.
func (p *Platform) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Stream(nil), p.streams...)
}

// LastStream returns the most recent stream or nil.
func (p *Platform) LastStream() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

// SetAutoFrames changes how many frames new streams receive on open.
func (p *Platform) SetAutoFrames(n int) {
	p.mu.Lock()
	p.autoFrames = n
	p.mu.Unlock()
}

// SetPermission changes the permission state.
func (p *Platform) SetPermission(s media.PermissionState) {
	p.mu.Lock()
	p.permission = s
	p.mu.Unlock()
}
