package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

const maxControlBody = 4 << 10

// ControlHandler serves the operator controls.
type ControlHandler struct {
	deps Dependencies
}

// NewControlHandler creates a new control handler.
func NewControlHandler(deps Dependencies) *ControlHandler {
	return &ControlHandler{deps: deps}
}

type switchResponse struct {
	Switched bool `json:"switched"`
}

type recognitionRequest struct {
	Enabled *bool `json:"enabled"`
}

type tenantRequest struct {
	TenantID string `json:"tenant_id"`
}

type captureResponse struct {
	Embedding []float32 `json:"embedding"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// HandleSwitch handles POST /camera/switch.
func (h *ControlHandler) HandleSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	switched, err := h.deps.SwitchCamera(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, switchResponse{Switched: switched})
}

// HandleRecognition handles POST /recognition with {"enabled": bool}.
func (h *ControlHandler) HandleRecognition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req recognitionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind("recognition: enabled is required", ErrBadRequest))
		return
	}
	h.deps.SetRecognitionEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// HandleReloadRoster handles POST /roster/reload.
func (h *ControlHandler) HandleReloadRoster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if err := h.deps.ReloadRoster(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// HandleTenant handles POST /tenant with {"tenant_id": string}.
func (h *ControlHandler) HandleTenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req tenantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	id := strings.TrimSpace(req.TenantID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind("tenant: tenant_id is required", ErrBadRequest))
		return
	}
	if err := h.deps.SetTenant(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// HandleCapture handles POST /capture. It returns the embedding of the
// most confident face in the current frame.
func (h *ControlHandler) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	emb, err := h.deps.CaptureEmbedding(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, captureResponse{Embedding: emb})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxControlBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return WrapKind("decode body", ErrBadRequest, err)
	}
	return nil
}
