package model

import (
	"context"
	"time"
)

// StatusKind classifies user-facing status messages.
type StatusKind string

const (
	StatusOpening    StatusKind = "opening"
	StatusReady      StatusKind = "ready"
	StatusStopped    StatusKind = "stopped"
	StatusMuted      StatusKind = "muted"
	StatusUnmuted    StatusKind = "unmuted"
	StatusStalled    StatusKind = "stalled"
	StatusRecognized StatusKind = "recognized"
	StatusDuplicate  StatusKind = "duplicate"
	StatusInfo       StatusKind = "info"
	StatusError      StatusKind = "error"
)

// StatusEvent is one message on the status stream.
type StatusEvent struct {
	Kind       StatusKind `json:"kind"`
	Message    string     `json:"message"`
	IdentityID string     `json:"identity_id,omitempty"`
	At         time.Time  `json:"at"`
}

// StatusPublisher accepts status events without blocking the caller.
type StatusPublisher interface {
	Publish(ctx context.Context, e StatusEvent)
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements StatusPublisher.
func (NopPublisher) Publish(context.Context, StatusEvent) {}
