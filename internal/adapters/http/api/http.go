package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/okian/presence/internal/adapters/repository"
	"github.com/okian/presence/internal/domain/camera"
	"github.com/okian/presence/internal/domain/inference"
	"github.com/okian/presence/internal/domain/matcher"
	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/internal/domain/recorder"
	"github.com/okian/presence/internal/domain/scheduler"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	StatsProvider

	Recent() []model.RecentMatch
	StatusLog() []model.StatusEvent
	LastBatch() (model.Batch, bool)
	Events(ctx context.Context, f repository.Filter) ([]model.PresenceEvent, error)

	SwitchCamera(ctx context.Context) (bool, error)
	SetRecognitionEnabled(on bool)
	ReloadRoster(ctx context.Context) error
	SetTenant(ctx context.Context, tenantID string) error
	CaptureEmbedding(ctx context.Context) ([]float32, error)
}

// Control endpoints are limited per client IP.
const (
	controlRequestLimit = 10
	controlWindow       = time.Minute
)

// Server wires HTTP routes for the presence API.
type Server struct {
	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	presenceHandler *PresenceHandler
	controlHandler  *ControlHandler
	hub             *Hub
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub()
	}
	return &Server{
		healthHandler:   NewHealthHandler(),
		statsHandler:    NewStatsHandler(deps),
		presenceHandler: NewPresenceHandler(deps),
		controlHandler:  NewControlHandler(deps),
		hub:             hub,
	}
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	limited := func(h http.HandlerFunc) http.HandlerFunc {
		return httprate.Limit(controlRequestLimit, controlWindow, httprate.WithKeyFuncs(httprate.KeyByIP))(h).ServeHTTP
	}

	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/recent", MetricsMiddleware(s.presenceHandler.HandleRecent, "recent"))
	mux.HandleFunc("/status", MetricsMiddleware(s.presenceHandler.HandleStatus, "status"))
	mux.HandleFunc("/overlay", MetricsMiddleware(s.presenceHandler.HandleOverlay, "overlay"))
	mux.HandleFunc("/events", MetricsMiddleware(s.presenceHandler.HandleEvents, "events"))
	mux.HandleFunc("/camera/switch", MetricsMiddleware(limited(s.controlHandler.HandleSwitch), "camera_switch"))
	mux.HandleFunc("/recognition", MetricsMiddleware(s.controlHandler.HandleRecognition, "recognition"))
	mux.HandleFunc("/roster/reload", MetricsMiddleware(limited(s.controlHandler.HandleReloadRoster), "roster_reload"))
	mux.HandleFunc("/tenant", MetricsMiddleware(limited(s.controlHandler.HandleTenant), "tenant"))
	mux.HandleFunc("/capture", MetricsMiddleware(limited(s.controlHandler.HandleCapture), "capture"))
	mux.HandleFunc("/ws", MetricsMiddleware(s.hub.ServeWS, "ws"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// classify maps domain errors onto a status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, repository.ErrInvalidTenant),
		errors.Is(err, repository.ErrInvalidIdentity):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, inference.ErrNoFace):
		return http.StatusUnprocessableEntity, "no_face"
	case errors.Is(err, scheduler.ErrStaleOrMissingSession),
		errors.Is(err, camera.ErrNotWanted):
		return http.StatusConflict, "no_session"
	case errors.Is(err, media.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, matcher.ErrRosterEmpty),
		errors.Is(err, matcher.ErrNoUsableRoster):
		return http.StatusUnprocessableEntity, "roster_empty"
	case errors.Is(err, media.ErrDeviceUnavailable),
		errors.Is(err, media.ErrBindingFailed),
		media.IsHardwareFault(err),
		errors.Is(err, inference.ErrEngineUnavailable),
		errors.Is(err, recorder.ErrPersistenceFailure),
		errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err)
}
