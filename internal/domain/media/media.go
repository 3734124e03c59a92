// Package media defines the capture platform contract the camera supervisor
// drives: device enumeration, stream opening, track lifecycle events and
// the frame sink the recognition loop reads from.
package media

import (
	"context"
	"image"
	"time"
)

// Facing is the preferred camera direction.
type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

// Opposite returns the other facing.
func (f Facing) Opposite() Facing {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}

// ParseFacing maps user input onto a Facing, defaulting to back.
func ParseFacing(s string) Facing {
	switch s {
	case "front", "user":
		return FacingFront
	default:
		return FacingBack
	}
}

// Device is one enumerated video input. Label may be empty until
// permission has been granted.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Path  string `json:"path,omitempty"`
}

// Constraints describe the stream being requested.
type Constraints struct {
	DeviceID string
	Facing   Facing
	Width    int
	Height   int
}

// PermissionState mirrors the platform permission query.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
	PermissionUnknown PermissionState = "unknown"
)

// Frame is one decoded video frame.
type Frame struct {
	Seq        uint64
	ReceivedAt time.Time
	Image      image.Image
}

// Size returns the frame dimensions.
func (f Frame) Size() (int, int) {
	if f.Image == nil {
		return 0, 0
	}
	b := f.Image.Bounds()
	return b.Dx(), b.Dy()
}

// TrackEventKind is a track lifecycle transition.
type TrackEventKind string

const (
	TrackEnded   TrackEventKind = "ended"
	TrackMuted   TrackEventKind = "mute"
	TrackUnmuted TrackEventKind = "unmute"
)

// TrackEvent is emitted by a Track.
type TrackEvent struct {
	TrackID string
	Kind    TrackEventKind
	Err     error
}

// Track is one media track of a stream.
type Track interface {
	ID() string
	// Events delivers lifecycle transitions; it is closed when the track stops.
	Events() <-chan TrackEvent
	Stop()
}

// Stream is an open capture stream.
type Stream interface {
	ID() string
	Tracks() []Track
	// Frames delivers decoded frames; it is closed when the stream ends.
	Frames() <-chan Frame
	Stop()
}

// Platform is the host capture layer.
type Platform interface {
	// Enumerate lists video inputs. ErrEnumerationUnsupported means the
	// platform cannot list devices and Open must be driven by facing only.
	Enumerate(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, c Constraints) (Stream, error)
	Permission(ctx context.Context) PermissionState
}

// HotplugAction is a device arrival or removal.
type HotplugAction string

const (
	HotplugAdd    HotplugAction = "add"
	HotplugRemove HotplugAction = "remove"
)

// HotplugEvent reports a video device change.
type HotplugEvent struct {
	Action HotplugAction
	Path   string
	Label  string
}
