package logging

import (
	"net/url"
	"regexp"
	"strings"
)

// SensitiveFields contains field names whose values must never reach
// log output. Substring matches count, so "clickhouse_password" and
// "sasl_password" are covered by "password".
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"private_key":   true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"cookie":        true,
	"session_id":    true,
	"psk":           true,
	"webhook":       true,
	"webhook_url":   true,
	"dsn":           true,
}

// MaskedValue replaces sensitive values in logs.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether a field name must be masked.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if SensitiveFields[lower] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks a value when its field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	return value
}

// MaskString keeps the first and last characters of a secret visible
// for correlation and masks the middle. Too-short strings are masked
// completely.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}

// MaskAPIKey masks a key, keeping the first and last four characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskURL hides the path, query and userinfo of a URL. Webhook URLs
// carry their secret in the path, so only scheme and host survive.
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return MaskedValue
	}
	if u.Path == "" && u.RawQuery == "" && u.User == nil {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + "/" + MaskedValue
}

// MaskEmail partially masks the local part of an email address.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}

	at := strings.Index(email, "@")
	if at <= 0 {
		return MaskedValue
	}

	local, domain := email[:at], email[at:]
	if len(local) <= 2 {
		return MaskedValue + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + domain
}

// SensitivePatterns match secrets embedded in raw strings, such as a
// quarantined line or an upstream error message.
var SensitivePatterns = []*regexp.Regexp{
	// key=value and "key": "value" forms
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|auth)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-.]+)['"]?`),
	// Authorization header values
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	// AWS access key IDs
	regexp.MustCompile(`(ABIA|ACCA|AGPA|AIDA|AIPA|AKIA|ANPA|ANVA|APKA|AROA|ASCA|ASIA)[A-Z0-9]{16}`),
	// Payment-provider style secrets
	regexp.MustCompile(`(?i)(sk_live_|pk_live_|sk_test_|pk_test_)[a-zA-Z0-9]+`),
}

// MaskSensitivePatterns masks embedded secrets in a raw string.
func MaskSensitivePatterns(s string) string {
	result := s
	for _, pattern := range SensitivePatterns {
		result = pattern.ReplaceAllString(result, MaskedValue)
	}
	return result
}

// SafeLogValue returns a loggable version of a value based on its
// field name.
func SafeLogValue(fieldName string, value any) any {
	if value == nil {
		return nil
	}
	if !IsSensitiveField(fieldName) {
		return value
	}

	switch v := value.(type) {
	case []string:
		masked := make([]string, len(v))
		for i := range v {
			masked[i] = MaskedValue
		}
		return masked
	default:
		return MaskedValue
	}
}
