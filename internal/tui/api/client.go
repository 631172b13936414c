// Package api provides the HTTP client for connecting to the LogWarden backend
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client handles API communication with the LogWarden backend
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Stats represents system statistics for the dashboard
type Stats struct {
	EventsTotal     int64
	AnomaliesTotal  int64
	RejectedTotal   int64
	AnomalyRate     float64
	EventsPerSecond float64
	QueueSize       int
	QueueCapacity   int
	QueuePushed     int64
	QueuePopped     int64
	QueueDropped    int64
	QueueUsage      float64
	Uptime          string
	UptimeSeconds   int
	Healthy         bool
	HealthStatus    string
	StatusReason    string
	TopAttacks      []AttackCount
}

// AttackCount is one entry of the per-category detection counters
type AttackCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// statsResponse mirrors the GET /api/v1/stats payload
type statsResponse struct {
	EventsTotal     int64   `json:"events_total"`
	AnomaliesTotal  int64   `json:"anomalies_total"`
	RejectedTotal   int64   `json:"rejected_total"`
	AnomalyRate     float64 `json:"anomaly_rate"`
	EventsPerSecond float64 `json:"events_per_second"`
	UptimeSeconds   int     `json:"uptime_seconds"`
	Queue           struct {
		Depth        int     `json:"depth"`
		Capacity     int     `json:"capacity"`
		UsagePercent float64 `json:"usage_percent"`
	} `json:"queue"`
	TopAttacks []AttackCount `json:"top_attacks"`
}

// Event represents a classified security event
type Event struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	Severity        string    `json:"severity"`
	EventType       string    `json:"event_type"`
	Message         string    `json:"message"`
	SourceIP        string    `json:"source_ip"`
	AnomalyScore    float64   `json:"anomaly_score"`
	IsAnomaly       bool      `json:"is_anomaly"`
	DetectedAttacks []string  `json:"detected_attacks"`
}

// SearchResponse is the converted result of an event search
type SearchResponse struct {
	Events     []Event
	TotalCount int64
	Error      string
}

// searchResponse mirrors the GET /api/v1/search payload
type searchResponse struct {
	TotalCount int64   `json:"total_count"`
	Results    []Event `json:"results"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetHealth fetches health status
func (c *Client) GetHealth() (*HealthResponse, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &health, nil
}

// GetEvents fetches the most recent events via the search API
func (c *Client) GetEvents(limit int) (*SearchResponse, error) {
	if limit <= 0 {
		limit = 50
	}

	reqURL := fmt.Sprintf("%s/api/v1/search?q=%s&limit=%d&order=desc",
		c.baseURL, url.QueryEscape("*"), limit)

	resp, err := c.httpClient.Get(reqURL)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// The backend reports search failures as JSON errors, surface
		// them to the scene instead of failing the whole view.
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = fmt.Sprintf("backend returned HTTP %d", resp.StatusCode)
		}
		return &SearchResponse{Error: apiErr.Error}, nil
	}

	var raw searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &SearchResponse{
		Events:     raw.Results,
		TotalCount: raw.TotalCount,
	}, nil
}

// parsePrometheusMetrics parses Prometheus-format metrics
func (c *Client) parsePrometheusMetrics(body string) map[string]float64 {
	metrics := make(map[string]float64)
	scanner := bufio.NewScanner(strings.NewReader(body))

	for scanner.Scan() {
		line := scanner.Text()
		// Skip comments and empty lines
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		// Parse metric line: metric_name value
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			if val, err := strconv.ParseFloat(parts[1], 64); err == nil {
				metrics[parts[0]] = val
			}
		}
	}
	return metrics
}

// GetStats fetches combined stats for the dashboard
func (c *Client) GetStats() (*Stats, error) {
	health, healthErr := c.GetHealth()

	stats := &Stats{
		Healthy:      false,
		HealthStatus: "unknown",
		StatusReason: "Unable to connect to backend",
	}

	if healthErr != nil {
		stats.StatusReason = healthErr.Error()
		return stats, nil
	}

	// Health endpoint returns status as "healthy" or "degraded"
	stats.HealthStatus = health.Status
	stats.Healthy = health.Status == "healthy"
	stats.QueueSize = health.QueueDepth
	stats.QueueCapacity = health.QueueCapacity
	stats.UptimeSeconds = health.UptimeSeconds
	stats.Uptime = formatUptime(float64(health.UptimeSeconds))

	if health.QueueCapacity > 0 {
		stats.QueueUsage = float64(health.QueueDepth) / float64(health.QueueCapacity) * 100
	}

	if health.Status == "degraded" {
		stats.StatusReason = fmt.Sprintf("Queue at %.0f%% capacity", stats.QueueUsage)
	} else if stats.Healthy {
		stats.StatusReason = "All systems operational"
	}

	// The stats endpoint has the classification counters
	if resp, err := c.httpClient.Get(c.baseURL + "/api/v1/stats"); err == nil {
		var sr statsResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err == nil {
			stats.EventsTotal = sr.EventsTotal
			stats.AnomaliesTotal = sr.AnomaliesTotal
			stats.RejectedTotal = sr.RejectedTotal
			stats.AnomalyRate = sr.AnomalyRate
			stats.EventsPerSecond = sr.EventsPerSecond
			stats.QueueUsage = sr.Queue.UsagePercent
			stats.TopAttacks = sr.TopAttacks
		}
		resp.Body.Close()
	}

	// Queue lifetime counters only exist on the Prometheus endpoint
	resp, err := c.httpClient.Get(c.baseURL + "/metrics")
	if err == nil {
		defer resp.Body.Close()
		buf := new(strings.Builder)
		buf.Grow(4096)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			buf.WriteString(scanner.Text())
			buf.WriteString("\n")
		}
		metrics := c.parsePrometheusMetrics(buf.String())

		if pushed, ok := metrics["logwarden_queue_pushed_total"]; ok {
			stats.QueuePushed = int64(pushed)
		}
		if popped, ok := metrics["logwarden_queue_popped_total"]; ok {
			stats.QueuePopped = int64(popped)
		}
		if dropped, ok := metrics["logwarden_queue_dropped_total"]; ok {
			stats.QueueDropped = int64(dropped)
		}

		// Fallback when the stats endpoint was unreachable
		if stats.EventsTotal == 0 {
			if total, ok := metrics["logwarden_events_total"]; ok {
				stats.EventsTotal = int64(total)
			}
		}
		if stats.EventsPerSecond == 0 {
			if uptime, ok := metrics["logwarden_uptime_seconds"]; ok && uptime > 0 {
				stats.EventsPerSecond = float64(stats.EventsTotal) / uptime
			}
		}
	}

	return stats, nil
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
