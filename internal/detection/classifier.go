package detection

import (
	"strings"

	"logwarden/internal/schema"
)

// Scoring constants. Each signal adds its increment to a running total,
// which is clamped to [0, 1] after summing.
const (
	userAgentScore   = 0.2
	rateLimitScore   = 0.4
	authFailureScore = 0.3
	severityScore    = 0.2

	// AnomalyThreshold is the clamped-score level at or above which an
	// event is flagged anomalous. Any detected attack category also forces
	// the flag regardless of score.
	AnomalyThreshold = 0.5
)

// Risk factor labels.
const (
	riskScannerPrefix  = "security_scanner:"
	riskSuspiciousBot  = "suspicious_bot"
	riskShortUserAgent = "suspicious_ua_length"
	riskRateLimit      = "rate_limiting_violation"
	riskSeverityPrefix = "elevated_severity:"
)

// minUserAgentLength is the shortest user-agent a real browser or tool
// plausibly sends. Anything non-empty below this is suspicious.
const minUserAgentLength = 10

// scannerTokens are known security-scanner user-agent fragments, checked in
// order. The first hit wins.
var scannerTokens = []string{"nikto", "sqlmap", "nmap", "masscan", "burp", "zap", "acunetix"}

// legitimateCrawlers are crawler tokens that exempt a "bot" user-agent from
// the suspicious-bot signal.
var legitimateCrawlers = []string{"googlebot", "bingbot"}

// eventTypeRateLimit carries its own larger increment and risk factor.
const eventTypeRateLimit = "rate_limit_exceeded"

// authFailureEventTypes add a fixed increment without a risk factor.
var authFailureEventTypes = map[string]bool{
	"failed_login":        true,
	"invalid_token":       true,
	"unauthorized_access": true,
}

// Result is the classification output for a single event.
type Result struct {
	IsAnomaly       bool     `json:"is_anomaly"`
	AnomalyScore    float64  `json:"anomaly_score"`
	DetectedAttacks []string `json:"detected_attacks"`
	RiskFactors     []string `json:"risk_factors"`
}

// Classifier scores events against a signature table. It is immutable after
// construction and safe for concurrent use; a single instance is shared by
// every transport handler.
type Classifier struct {
	sets []SignatureSet
}

// NewClassifier creates a classifier with the built-in signature table.
func NewClassifier() *Classifier {
	return NewClassifierWithSets(BuiltinSignatures())
}

// NewClassifierWithSets creates a classifier with an explicit signature
// table. The caller must not mutate sets afterwards.
func NewClassifierWithSets(sets []SignatureSet) *Classifier {
	return &Classifier{sets: sets}
}

// Categories returns the category labels of the active table in
// evaluation order.
func (c *Classifier) Categories() []string {
	out := make([]string, 0, len(c.sets))
	for _, set := range c.sets {
		out = append(out, set.Category)
	}
	return out
}

// Classify scores a single event. It is total over well-formed events:
// missing optional fields contribute nothing, and the result slices are
// never nil.
func (c *Classifier) Classify(event *schema.Event) Result {
	result := Result{
		DetectedAttacks: []string{},
		RiskFactors:     []string{},
	}

	var score float64

	// Signature matching against the message. Within a category the first
	// matching pattern wins; each category contributes at most once.
	for _, set := range c.sets {
		for _, pattern := range set.Patterns {
			if pattern.MatchString(event.Message) {
				result.DetectedAttacks = append(result.DetectedAttacks, set.Category)
				score += set.Score
				break
			}
		}
	}

	// Contextual signals, independent of message content.
	if factor := suspiciousUserAgent(event.UserAgent); factor != "" {
		result.RiskFactors = append(result.RiskFactors, factor)
		score += userAgentScore
	}

	if event.EventType == eventTypeRateLimit {
		result.RiskFactors = append(result.RiskFactors, riskRateLimit)
		score += rateLimitScore
	}

	if authFailureEventTypes[event.EventType] {
		score += authFailureScore
	}

	if event.Severity == schema.SeverityCritical || event.Severity == schema.SeverityHigh {
		result.RiskFactors = append(result.RiskFactors, riskSeverityPrefix+string(event.Severity))
		score += severityScore
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}

	result.AnomalyScore = score
	result.IsAnomaly = score >= AnomalyThreshold || len(result.DetectedAttacks) > 0

	return result
}

// Apply copies a classification result onto the event's stored columns.
func Apply(event *schema.Event, result Result) {
	event.AnomalyScore = result.AnomalyScore
	event.IsAnomaly = result.IsAnomaly
	event.DetectedAttacks = result.DetectedAttacks
	event.RiskFactors = result.RiskFactors
}

// suspiciousUserAgent evaluates the user-agent priority chain: scanner
// token, then suspicious bot, then short-string check. Only the first
// matching rule fires. Empty user-agents carry no signal.
func suspiciousUserAgent(ua string) string {
	if ua == "" {
		return ""
	}

	lower := strings.ToLower(ua)

	for _, scanner := range scannerTokens {
		if strings.Contains(lower, scanner) {
			return riskScannerPrefix + scanner
		}
	}

	if strings.Contains(lower, "bot") {
		legitimate := false
		for _, crawler := range legitimateCrawlers {
			if strings.Contains(lower, crawler) {
				legitimate = true
				break
			}
		}
		if !legitimate {
			return riskSuspiciousBot
		}
	}

	if len(ua) < minUserAgentLength {
		return riskShortUserAgent
	}

	return ""
}
