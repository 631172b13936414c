package schema

import (
	"encoding/json"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func validInput() *EventInput {
	return &EventInput{
		Source:    strPtr("web_server_prod"),
		Severity:  strPtr("medium"),
		EventType: strPtr("api_request"),
		Message:   strPtr("GET /index.html completed"),
	}
}

func TestSeverityIsValid(t *testing.T) {
	tests := []struct {
		name     string
		severity Severity
		want     bool
	}{
		{"critical", SeverityCritical, true},
		{"high", SeverityHigh, true},
		{"medium", SeverityMedium, true},
		{"low", SeverityLow, true},
		{"info", SeverityInfo, true},
		{"empty", Severity(""), false},
		{"uppercase", Severity("HIGH"), false},
		{"unknown value", Severity("urgent"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.severity.IsValid(); got != tt.want {
				t.Errorf("IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventInput_MissingField(t *testing.T) {
	t.Run("all present", func(t *testing.T) {
		if got := validInput().MissingField(); got != "" {
			t.Errorf("MissingField() = %q, want empty", got)
		}
	})

	t.Run("reports first missing in fixed order", func(t *testing.T) {
		in := validInput()
		in.Severity = nil
		in.Message = nil
		if got := in.MissingField(); got != "severity" {
			t.Errorf("MissingField() = %q, want severity", got)
		}
	})

	t.Run("empty string is not missing", func(t *testing.T) {
		in := validInput()
		in.Message = strPtr("")
		if got := in.MissingField(); got != "" {
			t.Errorf("MissingField() = %q, want empty", got)
		}
	})
}

func TestEventInput_JSONPresence(t *testing.T) {
	t.Run("absent key decodes to nil", func(t *testing.T) {
		var in EventInput
		if err := json.Unmarshal([]byte(`{"source":"s","severity":"low","event_type":"t"}`), &in); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if in.Message != nil {
			t.Error("Message should be nil for absent key")
		}
		if got := in.MissingField(); got != "message" {
			t.Errorf("MissingField() = %q, want message", got)
		}
	})

	t.Run("empty value decodes to non-nil", func(t *testing.T) {
		var in EventInput
		if err := json.Unmarshal([]byte(`{"source":"s","severity":"low","event_type":"t","message":""}`), &in); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if in.Message == nil || *in.Message != "" {
			t.Error("Message should be present and empty")
		}
	})
}

func TestValidator_ValidateInput(t *testing.T) {
	v := NewValidator()

	t.Run("valid input", func(t *testing.T) {
		if err := v.ValidateInput(validInput()); err != nil {
			t.Errorf("ValidateInput() error = %v, want nil", err)
		}
	})

	t.Run("missing field message shape", func(t *testing.T) {
		in := validInput()
		in.EventType = nil
		err := v.ValidateInput(in)
		if err == nil {
			t.Fatal("ValidateInput() should fail for missing event_type")
		}
		if err.Error() != "Missing required field: event_type" {
			t.Errorf("error = %q, want missing-field message", err.Error())
		}
	})

	t.Run("invalid severity message shape", func(t *testing.T) {
		in := validInput()
		in.Severity = strPtr("urgent")
		err := v.ValidateInput(in)
		if err == nil {
			t.Fatal("ValidateInput() should fail for bad severity")
		}
		want := "Invalid severity level. Must be one of: critical, high, medium, low, info"
		if err.Error() != want {
			t.Errorf("error = %q, want %q", err.Error(), want)
		}
	})
}

func TestValidator_Validate(t *testing.T) {
	validator := NewValidator()
	now := time.Now().UTC()

	validEvent := func() *Event {
		return FromInput(validInput(), now)
	}

	t.Run("valid event", func(t *testing.T) {
		if err := validator.Validate(validEvent()); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})

	t.Run("missing source", func(t *testing.T) {
		event := validEvent()
		event.Source = ""
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for missing source")
		}
	})

	t.Run("invalid severity", func(t *testing.T) {
		event := validEvent()
		event.Severity = "urgent"
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for invalid severity")
		}
	})

	t.Run("empty message allowed", func(t *testing.T) {
		event := validEvent()
		event.Message = ""
		if err := validator.Validate(event); err != nil {
			t.Errorf("Validate() error = %v, empty message should pass", err)
		}
	})

	t.Run("timestamp too old", func(t *testing.T) {
		event := validEvent()
		event.Timestamp = now.Add(-8 * 24 * time.Hour)
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for timestamp older than max age")
		}
	})

	t.Run("timestamp in future", func(t *testing.T) {
		event := validEvent()
		event.Timestamp = now.Add(10 * time.Minute)
		if err := validator.Validate(event); err == nil {
			t.Error("Validate() should fail for timestamp in future")
		}
	})

	t.Run("custom bounds", func(t *testing.T) {
		v := NewValidatorWithConfig(ValidatorConfig{
			MaxAge:    1 * time.Hour,
			MaxFuture: 1 * time.Minute,
		})
		event := validEvent()
		event.Timestamp = now.Add(-2 * time.Hour)
		if err := v.Validate(event); err == nil {
			t.Error("Validate() should fail for timestamp past custom max age")
		}
	})
}

func TestFromInput(t *testing.T) {
	now := time.Now().UTC()

	t.Run("defaults timestamp to now", func(t *testing.T) {
		event := FromInput(validInput(), now)
		if !event.Timestamp.Equal(now) {
			t.Errorf("Timestamp = %v, want %v", event.Timestamp, now)
		}
		if !event.ReceivedAt.Equal(now) {
			t.Errorf("ReceivedAt = %v, want %v", event.ReceivedAt, now)
		}
	})

	t.Run("keeps supplied timestamp", func(t *testing.T) {
		in := validInput()
		supplied := now.Add(-time.Hour)
		in.Timestamp = supplied
		event := FromInput(in, now)
		if !event.Timestamp.Equal(supplied) {
			t.Errorf("Timestamp = %v, want %v", event.Timestamp, supplied)
		}
	})

	t.Run("assigns unique IDs", func(t *testing.T) {
		a := FromInput(validInput(), now)
		b := FromInput(validInput(), now)
		if a.ID == b.ID {
			t.Error("FromInput() should assign distinct IDs")
		}
	})

	t.Run("carries optional fields", func(t *testing.T) {
		in := validInput()
		in.UserAgent = "curl/7.68.0"
		in.SourceIP = "10.0.0.50"
		in.Username = "user42"
		in.Metadata = map[string]any{"session_id": "sess_1234"}
		event := FromInput(in, now)
		if event.UserAgent != "curl/7.68.0" || event.SourceIP != "10.0.0.50" || event.Username != "user42" {
			t.Error("FromInput() dropped optional fields")
		}
		if event.Metadata["session_id"] != "sess_1234" {
			t.Error("FromInput() dropped metadata")
		}
	})
}
