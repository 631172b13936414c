// Package ingest exposes the event intake surfaces: the HTTP API and
// the TCP/DTLS line transports. Every event is classified before it
// enters the queue, so downstream stages only ever see scored events.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"logwarden/internal/detection"
	"logwarden/internal/queue"
	"logwarden/internal/schema"
)

// serviceVersion is reported by the info endpoint.
const serviceVersion = "1.0.0"

// StatsProvider supplies storage-backed statistics for the stats
// endpoint. Implementations query ClickHouse; the handler works without
// one when storage is disabled.
type StatsProvider interface {
	Stats(ctx context.Context) (map[string]any, error)
}

// Handler handles HTTP event ingestion and the operational endpoints.
type Handler struct {
	validator  *schema.Validator
	classifier *detection.Classifier
	queue      *queue.RingBuffer
	stats      StatsProvider
	maxPayload int
	maxBatch   int
	startTime  time.Time

	eventsTotal    atomic.Uint64
	anomaliesTotal atomic.Uint64
	rejectedTotal  atomic.Uint64

	// Per-category detection counters, keyed by the classifier's table.
	categories []string
	detections map[string]*atomic.Uint64
}

// NewHandler creates a new ingest Handler.
func NewHandler(validator *schema.Validator, classifier *detection.Classifier, q *queue.RingBuffer) *Handler {
	categories := classifier.Categories()
	detections := make(map[string]*atomic.Uint64, len(categories))
	for _, category := range categories {
		detections[category] = &atomic.Uint64{}
	}

	return &Handler{
		validator:  validator,
		classifier: classifier,
		queue:      q,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		startTime:  time.Now(),
		categories: categories,
		detections: detections,
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// WithStatsProvider attaches a storage-backed stats source.
func (h *Handler) WithStatsProvider(p StatsProvider) *Handler {
	h.stats = p
	return h
}

// Analysis is the classification summary returned to the client.
type Analysis struct {
	IsAnomaly       bool     `json:"is_anomaly"`
	AnomalyScore    float64  `json:"anomaly_score"`
	DetectedAttacks []string `json:"detected_attacks"`
}

// EventResponse is the response for single-event ingestion.
type EventResponse struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	EventID  string   `json:"event_id"`
	Analysis Analysis `json:"analysis"`
}

// BatchRequest is the request body for batch ingestion.
type BatchRequest struct {
	Events []schema.EventInput `json:"events"`
}

// BatchResponse is the response for batch ingestion.
type BatchResponse struct {
	Success  bool     `json:"success"`
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// HandleEvent handles POST /api/v1/events.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var in schema.EventInput
	if err := json.Unmarshal(body, &in); err != nil {
		h.rejectedTotal.Add(1)
		respondError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	if err := h.validator.ValidateInput(&in); err != nil {
		h.rejectedTotal.Add(1)
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	event := schema.FromInput(&in, time.Now().UTC())
	result := h.classifier.Classify(event)
	detection.Apply(event, result)

	if err := h.queue.Push(event); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			respondError(w, http.StatusServiceUnavailable, "queue full")
		} else {
			respondError(w, http.StatusServiceUnavailable, "service unavailable")
		}
		return
	}

	h.recordAccepted(result)

	respondJSON(w, http.StatusCreated, EventResponse{
		Success: true,
		Message: "Event logged successfully",
		EventID: event.ID.String(),
		Analysis: Analysis{
			IsAnomaly:       result.IsAnomaly,
			AnomalyScore:    result.AnomalyScore,
			DetectedAttacks: result.DetectedAttacks,
		},
	})
}

// HandleBatch handles POST /api/v1/events/batch. Unlike the single-event
// endpoint, batch ingestion enforces timestamp bounds per event.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var req BatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided")
		return
	}

	if len(req.Events) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch))
		return
	}

	var accepted, rejected int
	var errs []string

	for i := range req.Events {
		in := &req.Events[i]

		if err := h.validator.ValidateInput(in); err != nil {
			rejected++
			h.rejectedTotal.Add(1)
			errs = append(errs, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			continue
		}

		event := schema.FromInput(in, time.Now().UTC())
		result := h.classifier.Classify(event)
		detection.Apply(event, result)

		if err := h.validator.Validate(event); err != nil {
			rejected++
			h.rejectedTotal.Add(1)
			errs = append(errs, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			continue
		}

		if err := h.queue.Push(event); err != nil {
			rejected++
			if errors.Is(err, queue.ErrQueueFull) {
				errs = append(errs, fmt.Sprintf("event[%d]: queue full", i))
			} else {
				errs = append(errs, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			}
			continue
		}

		accepted++
		h.recordAccepted(result)
	}

	resp := BatchResponse{
		Success:  rejected == 0,
		Accepted: accepted,
		Rejected: rejected,
		Errors:   errs,
	}

	status := http.StatusOK
	if accepted == 0 && rejected > 0 {
		status = http.StatusBadRequest
	} else if rejected > 0 {
		status = http.StatusMultiStatus // 207 for partial success
	}

	respondJSON(w, status, resp)
}

// readBody reads the size-capped request body, writing the error
// response itself when the read fails.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		} else {
			respondError(w, http.StatusBadRequest, "failed to read request body")
		}
		return nil, false
	}
	return body, true
}

// recordAccepted updates the ingest counters for a queued event.
func (h *Handler) recordAccepted(result detection.Result) {
	h.eventsTotal.Add(1)
	if result.IsAnomaly {
		h.anomaliesTotal.Add(1)
	}
	for _, category := range result.DetectedAttacks {
		if counter, ok := h.detections[category]; ok {
			counter.Add(1)
		}
	}
}

// Info handles GET /.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"service": "logwarden",
		"version": serviceVersion,
		"endpoints": map[string]string{
			"POST /api/v1/events":       "ingest a single event",
			"POST /api/v1/events/batch": "ingest a batch of events",
			"GET /api/v1/search":        "query stored events",
			"GET /api/v1/stats":         "ingestion statistics",
			"GET /api/v1/alerts":        "recent alerts",
			"GET /health":               "health check",
			"GET /metrics":              "Prometheus metrics",
		},
	})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	status := "healthy"
	if metrics.Depth > int(float64(metrics.Capacity)*0.9) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    metrics.Depth,
		"queue_capacity": metrics.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// Metrics handles GET /metrics (Prometheus format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP logwarden_events_total Total number of events ingested\n")
	fmt.Fprintf(w, "# TYPE logwarden_events_total counter\n")
	fmt.Fprintf(w, "logwarden_events_total %d\n\n", h.eventsTotal.Load())

	fmt.Fprintf(w, "# HELP logwarden_anomalies_total Total events flagged anomalous\n")
	fmt.Fprintf(w, "# TYPE logwarden_anomalies_total counter\n")
	fmt.Fprintf(w, "logwarden_anomalies_total %d\n\n", h.anomaliesTotal.Load())

	fmt.Fprintf(w, "# HELP logwarden_rejected_total Total events rejected at validation\n")
	fmt.Fprintf(w, "# TYPE logwarden_rejected_total counter\n")
	fmt.Fprintf(w, "logwarden_rejected_total %d\n\n", h.rejectedTotal.Load())

	fmt.Fprintf(w, "# HELP logwarden_detections_total Attack detections by category\n")
	fmt.Fprintf(w, "# TYPE logwarden_detections_total counter\n")
	for _, category := range h.categories {
		fmt.Fprintf(w, "logwarden_detections_total{category=%q} %d\n", category, h.detections[category].Load())
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "# HELP logwarden_queue_pushed_total Total events pushed to queue\n")
	fmt.Fprintf(w, "# TYPE logwarden_queue_pushed_total counter\n")
	fmt.Fprintf(w, "logwarden_queue_pushed_total %d\n\n", metrics.Pushed)

	fmt.Fprintf(w, "# HELP logwarden_queue_popped_total Total events popped from queue\n")
	fmt.Fprintf(w, "# TYPE logwarden_queue_popped_total counter\n")
	fmt.Fprintf(w, "logwarden_queue_popped_total %d\n\n", metrics.Popped)

	fmt.Fprintf(w, "# HELP logwarden_queue_dropped_total Total events dropped due to full queue\n")
	fmt.Fprintf(w, "# TYPE logwarden_queue_dropped_total counter\n")
	fmt.Fprintf(w, "logwarden_queue_dropped_total %d\n\n", metrics.Dropped)

	fmt.Fprintf(w, "# HELP logwarden_queue_depth Current queue depth\n")
	fmt.Fprintf(w, "# TYPE logwarden_queue_depth gauge\n")
	fmt.Fprintf(w, "logwarden_queue_depth %d\n\n", metrics.Depth)

	fmt.Fprintf(w, "# HELP logwarden_queue_capacity Queue capacity\n")
	fmt.Fprintf(w, "# TYPE logwarden_queue_capacity gauge\n")
	fmt.Fprintf(w, "logwarden_queue_capacity %d\n\n", metrics.Capacity)

	fmt.Fprintf(w, "# HELP logwarden_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE logwarden_uptime_seconds gauge\n")
	fmt.Fprintf(w, "logwarden_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))
}

// categoryCount pairs a category with its detection count for the stats
// endpoint.
type categoryCount struct {
	Category string `json:"category"`
	Count    uint64 `json:"count"`
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	queueMetrics := h.queue.Metrics()
	uptime := time.Since(h.startTime)
	eventsTotal := h.eventsTotal.Load()
	anomaliesTotal := h.anomaliesTotal.Load()

	var eventsPerSec float64
	if uptime.Seconds() > 0 {
		eventsPerSec = float64(eventsTotal) / uptime.Seconds()
	}

	var anomalyRate float64
	if eventsTotal > 0 {
		anomalyRate = float64(anomaliesTotal) / float64(eventsTotal)
	}

	var queueUsage float64
	if queueMetrics.Capacity > 0 {
		queueUsage = float64(queueMetrics.Depth) / float64(queueMetrics.Capacity) * 100
	}

	topAttacks := make([]categoryCount, 0, len(h.categories))
	for _, category := range h.categories {
		if count := h.detections[category].Load(); count > 0 {
			topAttacks = append(topAttacks, categoryCount{Category: category, Count: count})
		}
	}
	sort.Slice(topAttacks, func(i, j int) bool {
		if topAttacks[i].Count != topAttacks[j].Count {
			return topAttacks[i].Count > topAttacks[j].Count
		}
		return topAttacks[i].Category < topAttacks[j].Category
	})

	allowed, limited := GetRateLimitStats()

	resp := map[string]any{
		"events_total":      eventsTotal,
		"anomalies_total":   anomaliesTotal,
		"rejected_total":    h.rejectedTotal.Load(),
		"anomaly_rate":      anomalyRate,
		"events_per_second": eventsPerSec,
		"uptime_seconds":    int(uptime.Seconds()),
		"queue": map[string]any{
			"depth":         queueMetrics.Depth,
			"capacity":      queueMetrics.Capacity,
			"usage_percent": queueUsage,
		},
		"top_attacks": topAttacks,
		"rate_limit": map[string]uint64{
			"allowed": allowed,
			"limited": limited,
		},
	}

	if h.stats != nil {
		storageStats, err := h.stats.Stats(r.Context())
		if err == nil {
			resp["storage"] = storageStats
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
