package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator handles validation of events against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour, // 7 days
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	return &Validator{
		validate:  validator.New(),
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event against the canonical schema.
// Returns an error if validation fails.
func (v *Validator) Validate(event *Event) error {
	// Struct validation using go-playground/validator
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	// Timestamp bounds check
	now := time.Now().UTC()

	if event.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}

	if event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	return nil
}

// ValidateInput performs the ingest-boundary checks on a raw EventInput:
// required-field presence and severity membership. It reports problems in
// the exact shape the public API surfaces to clients.
func (v *Validator) ValidateInput(in *EventInput) error {
	if field := in.MissingField(); field != "" {
		return &InputError{Field: field, Reason: ReasonMissing}
	}
	if !Severity(*in.Severity).IsValid() {
		return &InputError{Field: "severity", Reason: ReasonInvalidSeverity}
	}
	return nil
}

// InputReason identifies why an EventInput was rejected.
type InputReason int

const (
	ReasonMissing InputReason = iota
	ReasonInvalidSeverity
)

// InputError describes an ingest-boundary validation failure.
type InputError struct {
	Field  string
	Reason InputReason
}

func (e *InputError) Error() string {
	switch e.Reason {
	case ReasonInvalidSeverity:
		return "Invalid severity level. Must be one of: critical, high, medium, low, info"
	default:
		return "Missing required field: " + e.Field
	}
}
