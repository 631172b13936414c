// Package errors keeps internal details out of client-facing error
// messages. Backend errors carry DSNs, hosts and filesystem paths;
// anything returned over the API goes through here first.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Connection strings for the backends this service talks to.
	dsnPattern = regexp.MustCompile(`(?i)\b(clickhouse|tcp|redis|rediss|kafka|https?)://\S+`)

	// Absolute filesystem paths.
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// IPv4 addresses.
	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Driver and transport errors that describe internal topology.
	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|clickhouse|database:|connection string|dial tcp|connection refused|i/o timeout|broken pipe|password=|secret=|token=|api[_-]?key=)`)
)

// ProductionMode controls whether sanitization is applied. Development
// deployments keep raw errors for debugging.
var ProductionMode = false

// SanitizeError strips internal details from an error before it is
// returned to a client. A nil error stays nil; in development mode the
// original error passes through.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if !ProductionMode {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString strips internal details from a string.
func SanitizeString(s string) string {
	if !ProductionMode {
		return s
	}

	// Collapse connection strings before the path pattern can pick
	// their segments apart.
	s = dsnPattern.ReplaceAllStringFunc(s, func(match string) string {
		scheme, _, ok := strings.Cut(match, "://")
		if !ok {
			return "[internal]"
		}
		return strings.ToLower(scheme) + "://[internal]"
	})

	// Keep only the base name of filesystem paths.
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// Keep the first two octets of addresses for debugging context.
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	if internalErrorPattern.MatchString(s) {
		s = "backend operation failed"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal error"
	}

	return s
}

// WrapSanitized wraps an error with context and sanitizes the result.
func WrapSanitized(err error, message string) error {
	if err == nil {
		return nil
	}
	return SanitizeError(fmt.Errorf("%s: %w", message, err))
}

// NewSanitized creates a sanitized error from a format string.
func NewSanitized(format string, args ...any) error {
	return SanitizeError(fmt.Errorf(format, args...))
}

// IsProduction reports whether sanitization is active.
func IsProduction() bool {
	return ProductionMode
}

// SetProductionMode sets the sanitization flag. Called once during
// startup.
func SetProductionMode(production bool) {
	ProductionMode = production
}

// userFacingErrors are message fragments that originate from request
// validation and are safe to echo back verbatim.
var userFacingErrors = []string{
	"invalid json",
	"missing required field",
	"invalid severity",
	"timestamp too old",
	"timestamp in future",
	"invalid query",
	"invalid request",
	"request body too large",
	"batch too large",
	"rate limit",
	"unauthorized",
	"forbidden",
	"not found",
}

// SafeErrorMessage returns a message safe to send to a client. Request
// validation errors pass through; everything else is sanitized.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, safe := range userFacingErrors {
		if strings.Contains(lower, safe) {
			return msg
		}
	}
	return SanitizeString(msg)
}
