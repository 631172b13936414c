// Package startup provides verbose startup diagnostics and initialization
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"time"

	"logwarden/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// dialTimeout bounds each backend reachability probe.
const dialTimeout = 5 * time.Second

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	return &Diagnostics{
		cfg:    cfg,
		logger: logger,
	}
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("=== LogWarden Startup Diagnostics ===")
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkFiles()
	d.checkPorts()
	d.checkSecurityConfiguration()
	d.checkModules()
	d.checkBackends(ctx)

	d.printSummary()

	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.logger.Info("checking system requirements")

	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	d.addResult(DiagnosticResult{
		Name:    "memory",
		Status:  StatusOK,
		Message: "Memory statistics",
		Details: map[string]string{
			"alloc_mb":       fmt.Sprintf("%.2f", float64(m.Alloc)/1024/1024),
			"sys_mb":         fmt.Sprintf("%.2f", float64(m.Sys)/1024/1024),
			"num_goroutines": fmt.Sprintf("%d", runtime.NumGoroutine()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	d.logger.Info("validating configuration")

	configPath := os.Getenv("LOGWARDEN_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusOK,
			Message: "Configuration is valid",
		})
	}
}

// checkFiles verifies every file path the configuration references.
func (d *Diagnostics) checkFiles() {
	d.logger.Info("checking configured files")

	if dir := d.cfg.Ingest.SignaturesDir; dir != "" {
		info, err := os.Stat(dir)
		switch {
		case os.IsNotExist(err):
			d.addResult(DiagnosticResult{
				Name:    "signatures_dir",
				Status:  StatusWarning,
				Message: "Signature directory missing, builtin signatures only",
				Details: map[string]string{"path": dir},
			})
		case err != nil:
			d.addResult(DiagnosticResult{
				Name:    "signatures_dir",
				Status:  StatusError,
				Message: fmt.Sprintf("Cannot read signature directory: %s", err),
			})
		case !info.IsDir():
			d.addResult(DiagnosticResult{
				Name:    "signatures_dir",
				Status:  StatusError,
				Message: "Signature path exists but is not a directory",
				Details: map[string]string{"path": dir},
			})
		default:
			d.addResult(DiagnosticResult{
				Name:    "signatures_dir",
				Status:  StatusOK,
				Message: "Signature directory found",
				Details: map[string]string{"path": dir},
			})
		}
	}

	if d.cfg.Enrich.Enabled && d.cfg.Enrich.FeedFile != "" {
		if fileExists(d.cfg.Enrich.FeedFile) {
			d.addResult(DiagnosticResult{
				Name:    "enrich_feed",
				Status:  StatusOK,
				Message: "Reputation feed file found",
				Details: map[string]string{"path": d.cfg.Enrich.FeedFile},
			})
		} else {
			d.addResult(DiagnosticResult{
				Name:    "enrich_feed",
				Status:  StatusError,
				Message: "Reputation feed file missing",
				Details: map[string]string{"path": d.cfg.Enrich.FeedFile},
			})
		}
	}

	if d.cfg.Connectors.Nginx.Enabled {
		if fileExists(d.cfg.Connectors.Nginx.Path) {
			d.addResult(DiagnosticResult{
				Name:    "nginx_access_log",
				Status:  StatusOK,
				Message: "Access log found",
				Details: map[string]string{"path": d.cfg.Connectors.Nginx.Path},
			})
		} else {
			d.addResult(DiagnosticResult{
				Name:    "nginx_access_log",
				Status:  StatusError,
				Message: "Access log missing",
				Details: map[string]string{"path": d.cfg.Connectors.Nginx.Path},
			})
		}
	}
}

func (d *Diagnostics) checkPorts() {
	d.logger.Info("checking network ports")

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", d.cfg.Server.HTTPPort))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_http",
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", d.cfg.Server.HTTPPort, err),
			Details: map[string]string{"port": fmt.Sprintf("%d", d.cfg.Server.HTTPPort)},
		})
	} else {
		listener.Close()
		d.addResult(DiagnosticResult{
			Name:    "port_http",
			Status:  StatusOK,
			Message: fmt.Sprintf("Port %d is available", d.cfg.Server.HTTPPort),
			Details: map[string]string{"port": fmt.Sprintf("%d", d.cfg.Server.HTTPPort)},
		})
	}

	if d.cfg.Ingest.TCP.Enabled {
		if l, err := net.Listen("tcp", d.cfg.Ingest.TCP.Address); err != nil {
			d.addResult(DiagnosticResult{
				Name:    "port_tcp_ingest",
				Status:  StatusError,
				Message: fmt.Sprintf("TCP transport address is not available: %s", err),
				Details: map[string]string{"address": d.cfg.Ingest.TCP.Address},
			})
		} else {
			l.Close()
			d.addResult(DiagnosticResult{
				Name:    "port_tcp_ingest",
				Status:  StatusOK,
				Message: "TCP transport address is available",
				Details: map[string]string{"address": d.cfg.Ingest.TCP.Address},
			})
		}
	} else {
		d.addResult(DiagnosticResult{
			Name:    "port_tcp_ingest",
			Status:  StatusSkipped,
			Message: "TCP transport disabled",
		})
	}

	if d.cfg.Ingest.DTLS.Enabled {
		if pc, err := net.ListenPacket("udp", d.cfg.Ingest.DTLS.Address); err != nil {
			d.addResult(DiagnosticResult{
				Name:    "port_dtls_ingest",
				Status:  StatusError,
				Message: fmt.Sprintf("DTLS transport address is not available: %s", err),
				Details: map[string]string{"address": d.cfg.Ingest.DTLS.Address},
			})
		} else {
			pc.Close()
			d.addResult(DiagnosticResult{
				Name:    "port_dtls_ingest",
				Status:  StatusOK,
				Message: "DTLS transport address is available",
				Details: map[string]string{"address": d.cfg.Ingest.DTLS.Address},
			})
		}
	} else {
		d.addResult(DiagnosticResult{
			Name:    "port_dtls_ingest",
			Status:  StatusSkipped,
			Message: "DTLS transport disabled",
		})
	}
}

func (d *Diagnostics) checkSecurityConfiguration() {
	d.logger.Info("checking security configuration")

	if d.cfg.Ingest.TCP.Enabled && !d.cfg.Ingest.TCP.TLSEnabled {
		d.addResult(DiagnosticResult{
			Name:    "tcp_transport_security",
			Status:  StatusWarning,
			Message: "TCP transport is running WITHOUT TLS encryption",
			Details: map[string]string{
				"recommendation": "Enable TLS with tcp.tls_enabled=true and configure certificates",
				"risk":           "Events may be intercepted",
			},
		})
	} else if d.cfg.Ingest.TCP.Enabled {
		certExists := fileExists(d.cfg.Ingest.TCP.TLSCertFile)
		keyExists := fileExists(d.cfg.Ingest.TCP.TLSKeyFile)

		if !certExists || !keyExists {
			d.addResult(DiagnosticResult{
				Name:    "tcp_transport_security",
				Status:  StatusError,
				Message: "TLS enabled but certificate files missing",
				Details: map[string]string{
					"cert_file": d.cfg.Ingest.TCP.TLSCertFile,
					"key_file":  d.cfg.Ingest.TCP.TLSKeyFile,
				},
			})
		} else {
			d.addResult(DiagnosticResult{
				Name:    "tcp_transport_security",
				Status:  StatusOK,
				Message: "TCP TLS is properly configured",
			})
		}
	}

	if d.cfg.Ingest.DTLS.Enabled {
		hasCert := d.cfg.Ingest.DTLS.CertFile != "" && d.cfg.Ingest.DTLS.KeyFile != ""
		hasPSK := d.cfg.Ingest.DTLS.PSKPassphrase != ""

		switch {
		case hasCert && (!fileExists(d.cfg.Ingest.DTLS.CertFile) || !fileExists(d.cfg.Ingest.DTLS.KeyFile)):
			d.addResult(DiagnosticResult{
				Name:    "dtls_transport_security",
				Status:  StatusError,
				Message: "DTLS certificate files missing",
				Details: map[string]string{
					"cert_file": d.cfg.Ingest.DTLS.CertFile,
					"key_file":  d.cfg.Ingest.DTLS.KeyFile,
				},
			})
		case hasCert || hasPSK:
			d.addResult(DiagnosticResult{
				Name:    "dtls_transport_security",
				Status:  StatusOK,
				Message: "DTLS transport is properly configured",
			})
		case d.cfg.Ingest.DTLS.AllowInsecure:
			d.addResult(DiagnosticResult{
				Name:    "dtls_transport_security",
				Status:  StatusWarning,
				Message: "DTLS transport is running in INSECURE plain UDP mode",
				Details: map[string]string{
					"recommendation": "Configure certificates or a PSK passphrase",
					"risk":           "Events may be intercepted or spoofed",
				},
			})
		default:
			d.addResult(DiagnosticResult{
				Name:    "dtls_transport_security",
				Status:  StatusError,
				Message: "DTLS enabled without certificates, PSK, or allow_insecure",
			})
		}
	}

	if !d.cfg.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusWarning,
			Message: "Rate limiting is DISABLED",
			Details: map[string]string{"recommendation": "Enable rate limiting for production"},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusOK,
			Message: "Rate limiting is enabled",
			Details: map[string]string{
				"requests_per_ip": fmt.Sprintf("%d", d.cfg.RateLimit.RequestsPerIP),
				"window":          d.cfg.RateLimit.WindowSize.String(),
			},
		})
	}

	wildcardCORS := false
	for _, origin := range d.cfg.CORS.AllowedOrigins {
		if origin == "*" {
			wildcardCORS = true
		}
	}
	if d.cfg.CORS.Enabled && wildcardCORS {
		d.addResult(DiagnosticResult{
			Name:    "cors_origins",
			Status:  StatusWarning,
			Message: "CORS allows all origins",
			Details: map[string]string{"recommendation": "Restrict allowed_origins for production"},
		})
	} else if d.cfg.CORS.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "cors_origins",
			Status:  StatusOK,
			Message: "CORS origins are restricted",
		})
	}
}

func (d *Diagnostics) checkModules() {
	d.logger.Info("checking enabled modules")

	modules := []struct {
		name    string
		enabled bool
	}{
		{"HTTP API", true},
		{"TCP Ingest", d.cfg.Ingest.TCP.Enabled},
		{"DTLS Ingest", d.cfg.Ingest.DTLS.Enabled},
		{"Nginx Connector", d.cfg.Connectors.Nginx.Enabled},
		{"Pull Connector", d.cfg.Connectors.Pull.Enabled},
		{"ClickHouse Storage", d.cfg.Storage.Enabled},
		{"S3 Archive", d.cfg.Storage.S3.Enabled},
		{"Kafka Forwarding", d.cfg.Kafka.Enabled},
		{"Alerting", d.cfg.Alerting.Enabled},
		{"IP Enrichment", d.cfg.Enrich.Enabled},
		{"Rate Limiting", d.cfg.RateLimit.Enabled},
		{"CORS", d.cfg.CORS.Enabled},
	}

	enabledCount := 0
	for _, m := range modules {
		status := StatusSkipped
		message := "Disabled"
		if m.enabled {
			status = StatusOK
			message = "Enabled"
			enabledCount++
		}
		d.addResult(DiagnosticResult{
			Name:    fmt.Sprintf("module_%s", m.name),
			Status:  status,
			Message: message,
		})
	}

	d.logger.Info("modules summary", "enabled", enabledCount, "total", len(modules))
}

// checkBackends probes every enabled backend with a plain TCP dial.
// Disabled backends are skipped, not failed.
func (d *Diagnostics) checkBackends(ctx context.Context) {
	d.logger.Info("checking backend connectivity")

	if !d.cfg.Storage.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "clickhouse_connectivity",
			Status:  StatusWarning,
			Message: "Storage is DISABLED - events will not be persisted",
			Details: map[string]string{"recommendation": "Enable storage for production use"},
		})
	} else {
		host := "localhost:9000"
		if len(d.cfg.Storage.ClickHouse.Hosts) > 0 {
			host = d.cfg.Storage.ClickHouse.Hosts[0]
		}
		d.dialCheck(ctx, "clickhouse_connectivity", "ClickHouse", host)
	}

	if d.cfg.Alerting.Enabled && d.cfg.Alerting.Store.Type == "redis" {
		d.dialCheck(ctx, "redis_connectivity", "Redis", d.cfg.Alerting.Store.Redis.Addr)
	} else {
		d.addResult(DiagnosticResult{
			Name:    "redis_connectivity",
			Status:  StatusSkipped,
			Message: "Redis dedup store not configured",
		})
	}

	if d.cfg.Kafka.Enabled {
		broker := ""
		if len(d.cfg.Kafka.Brokers) > 0 {
			broker = d.cfg.Kafka.Brokers[0]
		}
		d.dialCheck(ctx, "kafka_connectivity", "Kafka", broker)
	} else {
		d.addResult(DiagnosticResult{
			Name:    "kafka_connectivity",
			Status:  StatusSkipped,
			Message: "Kafka forwarding disabled",
		})
	}
}

func (d *Diagnostics) dialCheck(ctx context.Context, name, backend, host string) {
	if host == "" {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("%s enabled but no address configured", backend),
		})
		return
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("Cannot connect to %s: %s", backend, err),
			Details: map[string]string{"host": host},
		})
		return
	}
	conn.Close()
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusOK,
		Message: fmt.Sprintf("%s is reachable", backend),
		Details: map[string]string{"host": host},
	})
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("=== Diagnostics Summary ===",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors - service may not function correctly")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	} else {
		d.logger.Info("all startup diagnostics passed")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDirectories creates the local directories the service scaffold uses.
// Called by the --init flow, not at normal startup.
func EnsureDirectories() error {
	dirs := []string{
		"configs",
		"configs/signatures.d",
		"certs",
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// PrintBanner prints the startup banner
func PrintBanner(version string) {
	banner := `
  _                __        __            _
 | |    ___   __ _ \ \      / /_ _ _ __ __| | ___ _ __
 | |   / _ \ / _' | \ \ /\ / / _' | '__/ _' |/ _ \ '_ \
 | |__| (_) | (_| |  \ V  V / (_| | | | (_| |  __/ | | |
 |_____\___/ \__, |   \_/\_/ \__,_|_|  \__,_|\___|_| |_|
             |___/
          Security Event Ingestion and Classification
`
	fmt.Println(banner)
	fmt.Printf("  Version: %s\n\n", version)
}
