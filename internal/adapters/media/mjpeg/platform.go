// Package mjpeg is a capture platform over HTTP multipart/x-mixed-replace
// JPEG cameras, the format served by IP cameras and by USB bridges such as
// ustreamer or mjpg-streamer.
package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/okian/presence/internal/domain/camera"
	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/pkg/logger"
)

const (
	defaultMuteAfter = time.Second
	frameBuffer      = 4
)

// Camera is one configured source.
type Camera struct {
	ID    string
	Label string
	URL   string
	// Path is the local device node behind the source, if any. Hot-plug
	// removals are matched against it.
	Path string
	// ResolutionQuery appends width and height query parameters.
	ResolutionQuery bool
}

// Platform implements media.Platform.
type Platform struct {
	cameras   []Camera
	client    *http.Client
	muteAfter time.Duration
	now       func() time.Time
	logger    logger.Logger

	mu          sync.Mutex
	permissions map[string]media.PermissionState
}

// NewPlatform creates a platform over cameras.
func NewPlatform(cameras []Camera, opts ...Option) *Platform {
	p := &Platform{
		cameras:    append([]Camera(nil), cameras...),
		client:     &http.Client{},
		muteAfter:  defaultMuteAfter,
		now:         time.Now,
		permissions: make(map[string]media.PermissionState, len(cameras)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Get().Named("mjpeg")
	}
	return p
}

// Enumerate implements media.Platform.
func (p *Platform) Enumerate(context.Context) ([]media.Device, error) {
	if len(p.cameras) == 0 {
		return nil, media.ErrEnumerationUnsupported
	}
	out := make([]media.Device, len(p.cameras))
	for i, c := range p.cameras {
		out[i] = media.Device{ID: c.ID, Label: c.Label, Path: c.Path}
	}
	return out, nil
}

// Permission implements media.Platform. It is granted once any camera
// has streamed and denied only when every camera rejected credentials.
// One refusing camera never locks the others out.
func (p *Platform) Permission(context.Context) media.PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	denied := 0
	for _, s := range p.permissions {
		switch s {
		case media.PermissionGranted:
			return media.PermissionGranted
		case media.PermissionDenied:
			denied++
		}
	}
	if len(p.cameras) > 0 && denied == len(p.cameras) {
		return media.PermissionDenied
	}
	return media.PermissionPrompt
}

// CameraPermission reports the outcome of the latest open of camera id.
func (p *Platform) CameraPermission(id string) media.PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.permissions[id]; ok {
		return s
	}
	return media.PermissionPrompt
}

func (p *Platform) setPermission(id string, s media.PermissionState) {
	p.mu.Lock()
	p.permissions[id] = s
	p.mu.Unlock()
}

func (p *Platform) pick(c media.Constraints) (Camera, error) {
	if len(p.cameras) == 0 {
		return Camera{}, media.ErrDeviceUnavailable
	}
	if c.DeviceID != "" {
		for _, cam := range p.cameras {
			if cam.ID == c.DeviceID {
				return cam, nil
			}
		}
		return Camera{}, fmt.Errorf("%w: unknown camera %q", media.ErrDeviceUnavailable, c.DeviceID)
	}
	devices, _ := p.Enumerate(context.Background())
	return p.cameras[camera.ResolveDevice(devices, c.Facing)], nil
}

// Open implements media.Platform. The stream lives until Stop or until
// ctx is cancelled.
func (p *Platform) Open(ctx context.Context, c media.Constraints) (media.Stream, error) {
	cam, err := p.pick(c)
	if err != nil {
		return nil, err
	}
	target, err := streamURL(cam, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrDeviceUnavailable, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", media.ErrDeviceUnavailable, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", media.ErrDeviceUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		cancel()
		p.setPermission(cam.ID, media.PermissionDenied)
		return nil, fmt.Errorf("%w: camera %s answered %d", media.ErrPermissionDenied, cam.ID, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: camera %s answered %d", media.ErrDeviceUnavailable, cam.ID, resp.StatusCode)
	}
	p.setPermission(cam.ID, media.PermissionGranted)

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: unexpected content type %q", media.ErrStartFailure, resp.Header.Get("Content-Type"))
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	first, err := readFrame(mr)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %w", media.ErrStartFailure, err)
	}

	s := newStream(cam.ID, cancel, p.muteAfter, p.now)
	s.deliver(media.Frame{ReceivedAt: p.now(), Image: first})
	go s.read(streamCtx, mr, resp.Body)
	go s.watchSilence(streamCtx)

	p.logger.Info(ctx, "camera stream opened",
		logger.String("camera", cam.ID),
		logger.String("label", cam.Label),
	)
	return s, nil
}

func streamURL(cam Camera, c media.Constraints) (string, error) {
	u, err := url.Parse(cam.URL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if cam.ResolutionQuery && c.Width > 0 && c.Height > 0 {
		q := u.Query()
		q.Set("width", strconv.Itoa(c.Width))
		q.Set("height", strconv.Itoa(c.Height))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// readFrame decodes the next JPEG part. The part is left open: the
// closing boundary only arrives with the next frame, and NextPart skips
// whatever is left.
func readFrame(mr *multipart.Reader) (image.Image, error) {
	part, err := mr.NextPart()
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(part)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	return img, nil
}

var errBadFrame = errors.New("undecodable frame")
