package alerting

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"logwarden/internal/schema"
)

// Handler exposes the alert lifecycle over HTTP.
type Handler struct {
	manager *Manager
}

// NewHandler creates an alert API handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes registers alert endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/alerts", h.HandleList)
	mux.HandleFunc("GET /api/v1/alerts/stats", h.HandleStats)
	mux.HandleFunc("GET /api/v1/alerts/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/alerts/{id}/ack", h.HandleAcknowledge)
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", h.HandleResolve)
}

type actionRequest struct {
	User string `json:"user"`
}

// HandleList returns alerts newest first, filtered by the optional
// status, severity and limit query parameters.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter := AlertFilter{}

	if s := r.URL.Query().Get("status"); s != "" {
		status := AlertStatus(s)
		switch status {
		case StatusNew, StatusAcknowledged, StatusResolved:
			filter.Status = &status
		default:
			writeError(w, http.StatusBadRequest, "unknown status", "invalid_status")
			return
		}
	}

	if s := r.URL.Query().Get("severity"); s != "" {
		sev := schema.Severity(s)
		if !sev.IsValid() {
			writeError(w, http.StatusBadRequest, "unknown severity", "invalid_severity")
			return
		}
		filter.Severity = &sev
	}

	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "invalid_limit")
			return
		}
		filter.Limit = n
	}

	alerts := h.manager.ListAlerts(filter)

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// HandleGet returns a single alert by ID.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id", "invalid_id")
		return
	}

	alert, ok := h.manager.GetAlert(id)
	if !ok {
		writeError(w, http.StatusNotFound, "alert not found", "not_found")
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// HandleAcknowledge marks an alert as acknowledged.
func (h *Handler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.manager.Acknowledge)
}

// HandleResolve marks an alert as resolved.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.manager.Resolve)
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, action func(uuid.UUID, string) (*Alert, error)) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id", "invalid_id")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_json")
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "user is required", "missing_user")
		return
	}

	alert, err := action(id, req.User)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// HandleStats returns alert counters.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode alert response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
