package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"logwarden/internal/schema"
)

// NotificationChannel delivers an alert to one destination.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// WebhookChannel POSTs the alert as JSON to a configured URL.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel. A zero timeout means
// ten seconds.
func NewWebhookChannel(name, url string, headers map[string]string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// SlackChannel posts the alert as an attachment to a Slack incoming
// webhook.
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]any{
		"channel":  s.channel,
		"username": s.username,
		"attachments": []map[string]any{
			{
				"color":  severityColor(alert.Severity),
				"title":  fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title),
				"text":   alert.Message,
				"fields": s.buildFields(alert),
				"footer": fmt.Sprintf("Alert ID: %s | Event: %s", alert.ID.String()[:8], alert.EventID.String()[:8]),
				"ts":     alert.CreatedAt.Unix(),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func severityColor(sev schema.Severity) string {
	switch sev {
	case schema.SeverityCritical:
		return "#FF0000"
	case schema.SeverityHigh:
		return "#FFA500"
	case schema.SeverityMedium:
		return "#FFFF00"
	case schema.SeverityLow:
		return "#00FF00"
	default:
		return "#808080"
	}
}

func (s *SlackChannel) buildFields(alert *Alert) []map[string]any {
	fields := []map[string]any{
		{"title": "Source", "value": alert.Source, "short": true},
		{"title": "Score", "value": fmt.Sprintf("%.2f", alert.Score), "short": true},
	}

	if len(alert.Categories) > 0 {
		fields = append(fields, map[string]any{
			"title": "Categories", "value": strings.Join(alert.Categories, ", "), "short": false,
		})
	}

	return fields
}

// LogChannel writes alerts to the structured log. Used as the default
// channel when no external destination is configured.
type LogChannel struct{}

// NewLogChannel creates a log channel.
func NewLogChannel() *LogChannel {
	return &LogChannel{}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, alert *Alert) error {
	slog.Warn("ALERT",
		"severity", alert.Severity,
		"title", alert.Title,
		"source", alert.Source,
		"score", alert.Score,
		"categories", alert.Categories,
		"event_id", alert.EventID,
	)
	return nil
}
