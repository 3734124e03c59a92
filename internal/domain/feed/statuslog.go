package feed

import (
	"context"

	"github.com/okian/presence/internal/domain/model"
)

const defaultStatusLogSize = 50

// StatusLog retains the latest status events, newest first.
type StatusLog struct {
	items *history[model.StatusEvent]
}

// NewStatusLog creates a log holding at most capacity events.
func NewStatusLog(capacity int) *StatusLog {
	if capacity <= 0 {
		capacity = defaultStatusLogSize
	}
	return &StatusLog{items: newHistory[model.StatusEvent](capacity)}
}

// Deliver appends e. It satisfies the status dispatcher's sink contract.
func (l *StatusLog) Deliver(_ context.Context, e model.StatusEvent) { //nolint:gocritic // hugeParam
	l.items.add(e)
}

// Snapshot returns a copy, newest first.
func (l *StatusLog) Snapshot() []model.StatusEvent { return l.items.snapshot() }
