package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"logwarden/internal/schema"
)

// ---------------------------------------------------------------------------
// Webhook channel
// ---------------------------------------------------------------------------

func TestWebhookChannelSendSuccess(t *testing.T) {
	var receivedBody []byte
	var receivedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewWebhookChannel("test-hook", server.URL, map[string]string{
		"X-Custom-Header": "custom-value",
		"Authorization":   "Bearer test-token",
	}, 5*time.Second)

	if err := ch.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if got := receivedHeaders.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %s, want application/json", got)
	}
	if got := receivedHeaders.Get("X-Custom-Header"); got != "custom-value" {
		t.Errorf("X-Custom-Header = %s, want custom-value", got)
	}
	if got := receivedHeaders.Get("Authorization"); got != "Bearer test-token" {
		t.Errorf("Authorization = %s, want Bearer test-token", got)
	}

	var decoded Alert
	if err := json.Unmarshal(receivedBody, &decoded); err != nil {
		t.Fatalf("received body is not valid JSON: %v", err)
	}
	if decoded.Source != "web-01" {
		t.Errorf("decoded source = %s, want web-01", decoded.Source)
	}
	if decoded.Score != 0.9 {
		t.Errorf("decoded score = %v, want 0.9", decoded.Score)
	}
}

func TestWebhookChannelNon2xxResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer server.Close()

	ch := NewWebhookChannel("fail-hook", server.URL, nil, 5*time.Second)

	err := ch.Send(context.Background(), testAlert())
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should mention status code 500: %v", err)
	}
}

func TestWebhookChannelName(t *testing.T) {
	ch := NewWebhookChannel("soar-hook", "https://example.com/hook", nil, 0)
	if ch.Name() != "soar-hook" {
		t.Errorf("Name() = %s, want soar-hook", ch.Name())
	}
}

// ---------------------------------------------------------------------------
// Slack channel
// ---------------------------------------------------------------------------

func TestSlackChannelSendSuccess(t *testing.T) {
	var receivedPayload map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&receivedPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, "#security-alerts", "LogWarden")

	if err := ch.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if receivedPayload["channel"] != "#security-alerts" {
		t.Errorf("channel = %v, want #security-alerts", receivedPayload["channel"])
	}
	if receivedPayload["username"] != "LogWarden" {
		t.Errorf("username = %v, want LogWarden", receivedPayload["username"])
	}

	attachments, ok := receivedPayload["attachments"].([]any)
	if !ok || len(attachments) == 0 {
		t.Fatal("expected at least one attachment")
	}
	att := attachments[0].(map[string]any)
	if att["color"] != "#FF0000" {
		t.Errorf("critical color = %v, want #FF0000", att["color"])
	}
	title, _ := att["title"].(string)
	if !strings.Contains(title, "CRITICAL") {
		t.Errorf("title should contain severity, got %q", title)
	}

	fields, ok := att["fields"].([]any)
	if !ok || len(fields) < 2 {
		t.Fatalf("expected source and score fields, got %v", att["fields"])
	}
}

func TestSlackChannelNon200Response(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("invalid_token"))
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, "#test", "bot")

	err := ch.Send(context.Background(), testAlert())
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("error should mention status code 403: %v", err)
	}
}

func TestSlackChannelConfig(t *testing.T) {
	ch := NewSlackChannel("https://hooks.slack.com/test", "#alerts", "WardenBot")
	if ch.Name() != "slack" {
		t.Errorf("Name() = %s, want slack", ch.Name())
	}
	if ch.channel != "#alerts" {
		t.Errorf("channel = %s, want #alerts", ch.channel)
	}
	if ch.username != "WardenBot" {
		t.Errorf("username = %s, want WardenBot", ch.username)
	}
	if ch.client == nil {
		t.Error("expected non-nil http client")
	}
}

// ---------------------------------------------------------------------------
// Severity colors
// ---------------------------------------------------------------------------

func TestSeverityColors(t *testing.T) {
	tests := []struct {
		severity schema.Severity
		want     string
	}{
		{schema.SeverityCritical, "#FF0000"},
		{schema.SeverityHigh, "#FFA500"},
		{schema.SeverityMedium, "#FFFF00"},
		{schema.SeverityLow, "#00FF00"},
		{schema.Severity("unknown"), "#808080"},
	}

	for _, tt := range tests {
		if got := severityColor(tt.severity); got != tt.want {
			t.Errorf("severityColor(%s) = %s, want %s", tt.severity, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Log channel
// ---------------------------------------------------------------------------

func TestLogChannel(t *testing.T) {
	ch := NewLogChannel()
	if ch.Name() != "log" {
		t.Errorf("Name() = %s, want log", ch.Name())
	}
	if err := ch.Send(context.Background(), testAlert()); err != nil {
		t.Errorf("Send() error: %v", err)
	}
}
