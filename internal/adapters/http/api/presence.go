package api

import (
	"net/http"
	"strconv"

	"github.com/okian/presence/internal/adapters/repository"
	"github.com/okian/presence/internal/domain/model"
)

// PresenceHandler serves the read side: recent matches, status history,
// the latest overlay batch and the event log.
type PresenceHandler struct {
	deps Dependencies
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(deps Dependencies) *PresenceHandler {
	return &PresenceHandler{deps: deps}
}

// HandleRecent handles GET /recent.
func (h *PresenceHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	recent := h.deps.Recent()
	if recent == nil {
		recent = []model.RecentMatch{}
	}
	writeJSON(w, http.StatusOK, recent)
}

// HandleStatus handles GET /status.
func (h *PresenceHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	log := h.deps.StatusLog()
	if log == nil {
		log = []model.StatusEvent{}
	}
	writeJSON(w, http.StatusOK, log)
}

// HandleOverlay handles GET /overlay. 204 until the first pass completes.
func (h *PresenceHandler) HandleOverlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	b, ok := h.deps.LastBatch()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// HandleEvents handles GET /events?identity=&limit=.
func (h *PresenceHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	f := repository.Filter{IdentityID: q.Get("identity")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind("events", ErrBadRequest, err))
			return
		}
		f.Limit = n
	}
	events, err := h.deps.Events(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []model.PresenceEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
