package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/VitoHuang720618/bojiu/internal/audit"
	"github.com/VitoHuang720618/bojiu/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	store   Store
	auditor audit.Recorder
}

func NewHandler(store Store, auditor audit.Recorder) *Handler {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Handler{store: store, auditor: auditor}
}

// Register mounts the manifest routes. Reads are public; writes need any
// signed-in user.
func Register(mux *http.ServeMux, gate *auth.Gate, h *Handler) {
	mux.Handle("GET /api/config", gate.Optional(http.HandlerFunc(h.Get)))
	mux.Handle("PUT /api/config", gate.Protect(auth.RouteOptions{Role: auth.RoleUser}, http.HandlerFunc(h.Put)))
}

type putRequest struct {
	Config  json.RawMessage `json:"config"`
	Version *int64          `json:"version"`
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.store.Get(r.Context())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "Site configuration not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "Failed to load site configuration")
		return
	}

	if _, ok := auth.UserFromContext(r.Context()); ok {
		w.Header().Set("Cache-Control", "private, no-store")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=60")
		doc.UpdatedBy = nil
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "manifest": doc})
}

func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication token required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body putRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	trimmed := bytes.TrimSpace(body.Config)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		writeError(w, http.StatusBadRequest, "config must be a JSON object")
		return
	}

	doc, err := h.store.Put(r.Context(), trimmed, body.Version, user.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrVersionConflict):
			writeError(w, http.StatusConflict, "Site configuration was changed by someone else")
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, "Site configuration not found")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "Failed to save site configuration")
		}
		return
	}

	h.auditor.Record(r.Context(), audit.Entry{
		UserID:  audit.UserRef(user.ID),
		Action:  audit.ActionManifestUpdated,
		Details: fmt.Sprintf("Site configuration updated to version %d by %s", doc.Version, user.Username),
	})

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "manifest": doc})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}
