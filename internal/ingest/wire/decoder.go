// Package wire decodes newline-delimited JSON events arriving over the
// line transports (TCP, DTLS) and the log connectors. One line is one
// event in the same JSON shape the HTTP API accepts. Lines that fail
// decoding are turned into Reject records for the quarantine table
// instead of being silently dropped.
package wire

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"logwarden/internal/detection"
	"logwarden/internal/schema"
)

// Reject codes recorded against quarantined lines.
const (
	CodeInvalidJSON     = "invalid_json"
	CodeMissingField    = "missing_field"
	CodeInvalidSeverity = "invalid_severity"
	CodeSchemaViolation = "schema_violation"
)

// DecodeError describes why a line was rejected.
type DecodeError struct {
	Code string
	Errs []string
}

func (e *DecodeError) Error() string {
	if len(e.Errs) == 0 {
		return e.Code
	}
	return e.Code + ": " + strings.Join(e.Errs, "; ")
}

// Decoder parses raw lines into classified events. It is safe for
// concurrent use; one instance is shared by every connection handler.
type Decoder struct {
	validator  *schema.Validator
	classifier *detection.Classifier
}

// NewDecoder creates a Decoder using the given validator and classifier.
func NewDecoder(v *schema.Validator, c *detection.Classifier) *Decoder {
	return &Decoder{validator: v, classifier: c}
}

// Decode parses one line into a validated, classified event. peerIP is
// the sender's address and fills source_ip when the line omits it. The
// caller is expected to skip blank lines; an empty input is rejected as
// invalid JSON. On failure the returned error is a *DecodeError.
func (d *Decoder) Decode(line []byte, peerIP string) (*schema.Event, error) {
	var in schema.EventInput
	if err := json.Unmarshal(line, &in); err != nil {
		return nil, &DecodeError{Code: CodeInvalidJSON, Errs: []string{err.Error()}}
	}
	return d.Normalize(&in, peerIP)
}

// Normalize validates and classifies an already-parsed input. Connectors
// that build inputs from non-JSON sources use this directly.
func (d *Decoder) Normalize(in *schema.EventInput, peerIP string) (*schema.Event, error) {
	if err := d.validator.ValidateInput(in); err != nil {
		var inputErr *schema.InputError
		code := CodeMissingField
		if errors.As(err, &inputErr) && inputErr.Reason == schema.ReasonInvalidSeverity {
			code = CodeInvalidSeverity
		}
		return nil, &DecodeError{Code: code, Errs: []string{err.Error()}}
	}

	if in.SourceIP == "" {
		in.SourceIP = peerIP
	}

	event := schema.FromInput(in, time.Now().UTC())
	detection.Apply(event, d.classifier.Classify(event))

	if err := d.validator.Validate(event); err != nil {
		return nil, &DecodeError{Code: CodeSchemaViolation, Errs: []string{err.Error()}}
	}

	return event, nil
}

// DecodeString is Decode for a string line.
func (d *Decoder) DecodeString(line, peerIP string) (*schema.Event, error) {
	return d.Decode([]byte(line), peerIP)
}

// Reject is a line that failed decoding, with enough context to
// quarantine it.
type Reject struct {
	RawLine    string
	Transport  string
	RemoteAddr string
	Code       string
	Errs       []string
}

// NewReject builds a Reject from a failed Decode call.
func NewReject(line, transport, remoteAddr string, err error) Reject {
	r := Reject{
		RawLine:    line,
		Transport:  transport,
		RemoteAddr: remoteAddr,
		Code:       CodeInvalidJSON,
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		r.Code = decodeErr.Code
		r.Errs = decodeErr.Errs
	} else if err != nil {
		r.Errs = []string{err.Error()}
	}

	return r
}

// RejectHandler receives rejected lines. Implementations must not block
// the transport read loop for long.
type RejectHandler interface {
	HandleReject(reject Reject)
}

// RejectFunc adapts a function to the RejectHandler interface.
type RejectFunc func(reject Reject)

// HandleReject calls f.
func (f RejectFunc) HandleReject(reject Reject) { f(reject) }
