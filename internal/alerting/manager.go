// Package alerting raises notifications for anomalous events and tracks
// their lifecycle. Alerting is strictly per event: one anomalous event
// may become one alert, and deduplication only suppresses repeat
// notifications, never stored events.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"logwarden/internal/schema"
)

// AlertStatus represents the lifecycle state of an alert.
type AlertStatus string

const (
	StatusNew          AlertStatus = "new"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
)

// Alert is one raised notification and its lifecycle state. Count
// grows when the same source keeps producing the same categories
// inside the dedup window.
type Alert struct {
	ID         uuid.UUID       `json:"id"`
	EventID    uuid.UUID       `json:"event_id"`
	Severity   schema.Severity `json:"severity"`
	Status     AlertStatus     `json:"status"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Source     string          `json:"source"`
	Categories []string        `json:"categories,omitempty"`
	Score      float64         `json:"score"`
	Count      int             `json:"count"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	AckedAt    *time.Time      `json:"acked_at,omitempty"`
	AckedBy    string          `json:"acked_by,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`

	dedupKey string
}

// ManagerConfig configures the alert manager.
type ManagerConfig struct {
	DedupWindow time.Duration
	HistorySize int
}

// DefaultManagerConfig returns default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DedupWindow: 5 * time.Minute,
		HistorySize: 1000,
	}
}

// Manager turns anomalous events into alerts and fans them out to the
// configured channels. It keeps a bounded ring of recent alerts for
// the lifecycle API.
type Manager struct {
	config     ManagerConfig
	store      DedupStore
	dispatcher *Dispatcher

	mu      sync.RWMutex
	alerts  map[uuid.UUID]*Alert
	order   []uuid.UUID // creation order, oldest first
	byDedup map[string]uuid.UUID

	raised     uint64
	suppressed uint64
}

// NewManager creates a manager. store may be nil, in which case an
// in-memory dedup store with the configured window is used.
func NewManager(config ManagerConfig, store DedupStore, dispatcher *Dispatcher) *Manager {
	if config.DedupWindow <= 0 {
		config.DedupWindow = 5 * time.Minute
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 1000
	}
	if store == nil {
		store = NewMemoryDedup()
	}
	return &Manager{
		config:     config,
		store:      store,
		dispatcher: dispatcher,
		alerts:     make(map[uuid.UUID]*Alert),
		byDedup:    make(map[string]uuid.UUID),
	}
}

// HandleAnomaly raises an alert for an anomalous event. Satisfies the
// consumer's anomaly hook; non-anomalous events are ignored.
func (m *Manager) HandleAnomaly(ctx context.Context, event *schema.Event) {
	if event == nil || !event.IsAnomaly {
		return
	}

	key := DedupKey(event.Source, event.DetectedAttacks)

	first, err := m.store.First(ctx, key, m.config.DedupWindow)
	if err != nil {
		// A broken store must not silence alerting.
		slog.Warn("alert dedup store failed, notifying anyway", "error", err)
		first = true
	}

	if !first {
		m.recordDuplicate(key)
		return
	}

	alert := newAlert(event, key)

	m.mu.Lock()
	m.alerts[alert.ID] = alert
	m.order = append(m.order, alert.ID)
	m.byDedup[key] = alert.ID
	m.evictLocked()
	m.raised++
	m.mu.Unlock()

	slog.Info("alert raised",
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"source", alert.Source,
		"categories", alert.Categories,
		"score", alert.Score,
	)

	if m.dispatcher != nil {
		m.dispatcher.Dispatch(ctx, alert)
	}
}

func (m *Manager) recordDuplicate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.suppressed++
	if id, ok := m.byDedup[key]; ok {
		if alert, ok := m.alerts[id]; ok {
			alert.Count++
			alert.UpdatedAt = time.Now().UTC()
		}
	}
}

// evictLocked drops the oldest alerts beyond the history size.
func (m *Manager) evictLocked() {
	for len(m.order) > m.config.HistorySize {
		oldest := m.order[0]
		m.order = m.order[1:]
		if alert, ok := m.alerts[oldest]; ok {
			if m.byDedup[alert.dedupKey] == oldest {
				delete(m.byDedup, alert.dedupKey)
			}
			delete(m.alerts, oldest)
		}
	}
}

// DedupKey builds the notification dedup key for a source and its
// detected categories. Category order does not matter.
func DedupKey(source string, categories []string) string {
	sorted := make([]string, len(categories))
	copy(sorted, categories)
	sort.Strings(sorted)
	return source + "|" + strings.Join(sorted, ",")
}

func newAlert(event *schema.Event, dedupKey string) *Alert {
	now := time.Now().UTC()
	return &Alert{
		ID:         uuid.New(),
		EventID:    event.ID,
		Severity:   severityForScore(event.AnomalyScore),
		Status:     StatusNew,
		Title:      alertTitle(event),
		Message:    truncate(event.Message, 512),
		Source:     event.Source,
		Categories: event.DetectedAttacks,
		Score:      event.AnomalyScore,
		Count:      1,
		CreatedAt:  now,
		UpdatedAt:  now,
		dedupKey:   dedupKey,
	}
}

// severityForScore maps an anomaly score to an alert severity.
func severityForScore(score float64) schema.Severity {
	switch {
	case score >= 0.8:
		return schema.SeverityCritical
	case score >= 0.5:
		return schema.SeverityHigh
	default:
		return schema.SeverityMedium
	}
}

func alertTitle(event *schema.Event) string {
	if len(event.DetectedAttacks) > 0 {
		return fmt.Sprintf("%s detected from %s",
			strings.Join(event.DetectedAttacks, ", "), event.Source)
	}
	return fmt.Sprintf("Anomalous activity from %s", event.Source)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// GetAlert retrieves an alert by ID.
func (m *Manager) GetAlert(id uuid.UUID) (*Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alert, ok := m.alerts[id]
	return alert, ok
}

// AlertFilter selects alerts for listing.
type AlertFilter struct {
	Status   *AlertStatus
	Severity *schema.Severity
	Limit    int
}

func (f *AlertFilter) matches(alert *Alert) bool {
	if f.Status != nil && alert.Status != *f.Status {
		return false
	}
	if f.Severity != nil && alert.Severity != *f.Severity {
		return false
	}
	return true
}

// ListAlerts returns matching alerts, newest first.
func (m *Manager) ListAlerts(filter AlertFilter) []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	results := make([]*Alert, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(results) < limit; i-- {
		alert, ok := m.alerts[m.order[i]]
		if !ok {
			continue
		}
		if filter.matches(alert) {
			results = append(results, alert)
		}
	}

	return results
}

// Acknowledge marks an alert as acknowledged and returns it.
func (m *Manager) Acknowledge(id uuid.UUID, user string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert not found: %s", id)
	}

	now := time.Now().UTC()
	alert.Status = StatusAcknowledged
	alert.AckedAt = &now
	alert.AckedBy = user
	alert.UpdatedAt = now
	return alert, nil
}

// Resolve marks an alert as resolved and returns it.
func (m *Manager) Resolve(id uuid.UUID, user string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert not found: %s", id)
	}

	now := time.Now().UTC()
	alert.Status = StatusResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = user
	alert.UpdatedAt = now
	return alert, nil
}

// Stats returns alert statistics.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statusCounts := make(map[string]int)
	severityCounts := make(map[string]int)

	for _, alert := range m.alerts {
		statusCounts[string(alert.Status)]++
		severityCounts[string(alert.Severity)]++
	}

	stats := map[string]any{
		"total":       len(m.alerts),
		"raised":      m.raised,
		"suppressed":  m.suppressed,
		"by_status":   statusCounts,
		"by_severity": severityCounts,
	}
	if m.dispatcher != nil {
		stats["delivery"] = m.dispatcher.Stats()
	}

	return stats
}

// Close releases the dedup store.
func (m *Manager) Close() error {
	return m.store.Close()
}
