// Package schema defines the event model for LogWarden.
// All ingested events are normalized to this structure before
// classification and storage.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the event severity level.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// IsValid checks if the severity is a valid value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// ValidSeverities lists the accepted severity values in rank order.
// Used to build client-facing validation messages.
func ValidSeverities() []string {
	return []string{"critical", "high", "medium", "low", "info"}
}

// EventInput is the wire shape of an ingested event. The four required
// fields are pointers so that an absent key can be distinguished from an
// empty value: "message": "" is a valid event, a missing message key is not.
type EventInput struct {
	Source    *string `json:"source"`
	Severity  *string `json:"severity"`
	EventType *string `json:"event_type"`
	Message   *string `json:"message"`

	Timestamp     time.Time      `json:"timestamp,omitzero"`
	UserAgent     string         `json:"user_agent,omitempty"`
	SourceIP      string         `json:"source_ip,omitempty"`
	DestinationIP string         `json:"destination_ip,omitempty"`
	Username      string         `json:"username,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// MissingField returns the name of the first absent required field, in the
// fixed order source, severity, event_type, message, or "" when all are
// present.
func (in *EventInput) MissingField() string {
	if in.Source == nil {
		return "source"
	}
	if in.Severity == nil {
		return "severity"
	}
	if in.EventType == nil {
		return "event_type"
	}
	if in.Message == nil {
		return "message"
	}
	return ""
}

// Event is the canonical record: one ingested event plus its
// classification output. This is what flows through the queue and what the
// storage layer persists.
type Event struct {
	// Identity, set by the system
	ID         uuid.UUID `json:"id"`
	Timestamp  time.Time `json:"timestamp" validate:"required"`
	ReceivedAt time.Time `json:"received_at"`

	// Ingested fields
	Source        string         `json:"source" validate:"required,max=256"`
	Severity      Severity       `json:"severity" validate:"required,oneof=critical high medium low info"`
	EventType     string         `json:"event_type" validate:"required,max=128"`
	Message       string         `json:"message" validate:"max=65536"`
	UserAgent     string         `json:"user_agent,omitempty" validate:"max=1024"`
	SourceIP      string         `json:"source_ip,omitempty" validate:"max=64"`
	DestinationIP string         `json:"destination_ip,omitempty" validate:"max=64"`
	Username      string         `json:"username,omitempty" validate:"max=256"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// Classification output
	AnomalyScore    float64  `json:"anomaly_score"`
	IsAnomaly       bool     `json:"is_anomaly"`
	DetectedAttacks []string `json:"detected_attacks"`
	RiskFactors     []string `json:"risk_factors"`
}

// FromInput builds an Event from a validated EventInput. The caller is
// responsible for required-field and severity checks; classification fields
// are zero until the classifier result is applied. A zero input timestamp
// defaults to now.
func FromInput(in *EventInput, now time.Time) *Event {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = now
	}

	return &Event{
		ID:            uuid.New(),
		Timestamp:     ts.UTC(),
		ReceivedAt:    now.UTC(),
		Source:        *in.Source,
		Severity:      Severity(*in.Severity),
		EventType:     *in.EventType,
		Message:       *in.Message,
		UserAgent:     in.UserAgent,
		SourceIP:      in.SourceIP,
		DestinationIP: in.DestinationIP,
		Username:      in.Username,
		Metadata:      in.Metadata,
	}
}
