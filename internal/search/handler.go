package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"logwarden/internal/config"
	apperrors "logwarden/internal/errors"
)

// Handler serves the search and aggregation API.
type Handler struct {
	executor     *Executor
	defaultLimit int
	maxLimit     int
}

// NewHandler returns a handler using the given executor and limits.
func NewHandler(executor *Executor, cfg config.SearchConfig) *Handler {
	defaultLimit := cfg.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	maxLimit := cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = 1000
	}
	return &Handler{
		executor:     executor,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// SearchRequest is the POST body for a search.
type SearchRequest struct {
	Query     string `json:"query"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	OrderBy   string `json:"order_by,omitempty"`
	Order     string `json:"order,omitempty"`
}

// AggregationRequest is the POST body for an aggregation.
type AggregationRequest struct {
	Query     string `json:"query"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Type      string `json:"type"`
	Field     string `json:"field,omitempty"`
	Interval  string `json:"interval,omitempty"`
	Size      int    `json:"size,omitempty"`
}

// ErrorResponse is the JSON error body for search endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RegisterRoutes attaches the search endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.HandleSearchGet)
	mux.HandleFunc("POST /api/v1/search", h.HandleSearch)
	mux.HandleFunc("POST /api/v1/aggregations", h.HandleAggregation)
	mux.HandleFunc("GET /api/v1/events/{id}", h.HandleGetEvent)
	mux.HandleFunc("GET /api/v1/fields/{field}/values", h.HandleFieldValues)
}

// HandleSearch serves POST search requests with a JSON body.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON in request body", "invalid_json")
		return
	}

	h.runSearch(w, r, req)
}

// HandleSearchGet serves GET search requests with query parameters.
func (h *Handler) HandleSearchGet(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	req := SearchRequest{
		Query:     params.Get("q"),
		StartTime: params.Get("start"),
		EndTime:   params.Get("end"),
		OrderBy:   params.Get("order_by"),
		Order:     params.Get("order"),
	}
	if req.Query == "" {
		req.Query = params.Get("query")
	}
	if v := params.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.Limit = n
		}
	}
	if v := params.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.Offset = n
		}
	}

	h.runSearch(w, r, req)
}

func (h *Handler) runSearch(w http.ResponseWriter, r *http.Request, req SearchRequest) {
	query, err := h.buildQuery(req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_query")
		return
	}

	resp, err := h.executor.Execute(r.Context(), query)
	if err != nil {
		slog.Error("search failed", "query", req.Query, "error", err)
		h.writeError(w, http.StatusInternalServerError, apperrors.SafeErrorMessage(err), "execution_error")
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) buildQuery(req SearchRequest) (*Query, error) {
	query, err := NewParser(req.Query).Parse()
	if err != nil {
		return nil, err
	}

	if req.StartTime != "" {
		t, err := parseTimeString(req.StartTime)
		if err != nil {
			return nil, err
		}
		query.TimeRange.Start = t
	}
	if req.EndTime != "" {
		t, err := parseTimeString(req.EndTime)
		if err != nil {
			return nil, err
		}
		query.TimeRange.End = t
	}

	query.Limit = req.Limit
	if query.Limit <= 0 {
		query.Limit = h.defaultLimit
	}
	if query.Limit > h.maxLimit {
		query.Limit = h.maxLimit
	}
	if req.Offset > 0 {
		query.Offset = req.Offset
	}
	if req.OrderBy != "" {
		query.OrderBy = req.OrderBy
	}
	if strings.EqualFold(req.Order, "asc") {
		query.OrderDesc = false
	}

	return query, nil
}

// HandleAggregation serves aggregation requests. The type field routes
// to histogram, terms, or a numeric function.
func (h *Handler) HandleAggregation(w http.ResponseWriter, r *http.Request) {
	var req AggregationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON in request body", "invalid_json")
		return
	}

	query, err := h.buildQuery(SearchRequest{
		Query:     req.Query,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_query")
		return
	}

	var result *AggregationResult
	switch req.Type {
	case "histogram":
		interval := req.Interval
		if interval == "" {
			interval = "1h"
		}
		result, err = h.executor.TimeHistogram(r.Context(), query, interval)
	case "terms", "top":
		if req.Field == "" {
			h.writeError(w, http.StatusBadRequest, "field is required for terms aggregation", "missing_field")
			return
		}
		result, err = h.executor.TopN(r.Context(), query, req.Field, req.Size)
	case "count", "sum", "avg", "min", "max":
		result, err = h.executor.Aggregate(r.Context(), query, req.Type, req.Field)
	default:
		h.writeError(w, http.StatusBadRequest, "unsupported aggregation type: "+req.Type, "invalid_type")
		return
	}

	if err != nil {
		slog.Error("aggregation failed", "type", req.Type, "error", err)
		h.writeError(w, http.StatusInternalServerError, apperrors.SafeErrorMessage(err), "execution_error")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// HandleGetEvent serves a single event lookup by id.
func (h *Handler) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid event id", "invalid_id")
		return
	}

	result, err := h.executor.GetEvent(r.Context(), id)
	if err != nil {
		slog.Error("event lookup failed", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, apperrors.SafeErrorMessage(err), "execution_error")
		return
	}
	if result == nil {
		h.writeError(w, http.StatusNotFound, "event not found", "not_found")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// HandleFieldValues lists distinct values of a field for typeahead.
func (h *Handler) HandleFieldValues(w http.ResponseWriter, r *http.Request) {
	field := r.PathValue("field")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	values, err := h.executor.FieldValues(r.Context(), field, limit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "invalid_field")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"field":  field,
		"values": values,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode search response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// parseTimeString accepts RFC3339 timestamps, bare dates, relative
// expressions such as now-1h, and unix seconds or milliseconds.
func parseTimeString(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, ok := parseDuration(s); ok {
		return t, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Millisecond stamps are thirteen digits, seconds ten.
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
