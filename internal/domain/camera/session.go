package camera

import (
	"sync"
	"time"

	"github.com/okian/presence/internal/domain/media"
)

// Health is the lifecycle state of a capture session.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthStalled Health = "stalled"
	HealthEnded   Health = "ended"
)

// Session is a live capture. It is created and ended only by the
// Supervisor; everything else reads it.
type Session struct {
	ID         string
	Device     media.Device
	Facing     media.Facing
	AcquiredAt time.Time

	stream media.Stream
	tracks []media.Track

	mu     sync.Mutex
	health Health
	muted  bool
}

// Health returns the current health.
func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Muted reports whether the platform muted the video track.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) setHealth(h Health) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
}

func (s *Session) setMuted(m bool) {
	s.mu.Lock()
	s.muted = m
	s.mu.Unlock()
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	DeviceLabel string    `json:"device_label"`
	Facing      string    `json:"facing"`
	Health      string    `json:"health"`
	Muted       bool      `json:"muted"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		DeviceID:    s.Device.ID,
		DeviceLabel: s.Device.Label,
		Facing:      string(s.Facing),
		Health:      string(s.Health()),
		Muted:       s.Muted(),
		AcquiredAt:  s.AcquiredAt,
	}
}
