// Package config handles configuration loading for LogWarden.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Queue      QueueConfig      `yaml:"queue"`
	Validation ValidationConfig `yaml:"validation"`
	CORS       CORSConfig       `yaml:"cors"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Enrich     EnrichConfig     `yaml:"enrich"`
	Connectors ConnectorsConfig `yaml:"connectors"`
	Search     SearchConfig     `yaml:"search"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int        `yaml:"max_batch_size"`
	MaxPayloadSize int        `yaml:"max_payload_size"`
	SignaturesDir  string     `yaml:"signatures_dir"`
	TCP            TCPConfig  `yaml:"tcp"`
	DTLS           DTLSConfig `yaml:"dtls"`
}

// TCPConfig holds TCP line-transport settings.
type TCPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
}

// DTLSConfig holds DTLS line-transport settings. Either certificate or
// PSK mode must be configured when enabled; plain UDP is allowed only
// with allow_insecure.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	PSKPassphrase     string        `yaml:"psk_passphrase"`
	PSKSalt           string        `yaml:"psk_salt"`
	PSKIdentityHint   string        `yaml:"psk_identity_hint"`
	Workers           int           `yaml:"workers"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	AllowInsecure     bool          `yaml:"allow_insecure"`
}

// QueueConfig holds queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ValidationConfig holds validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	ExposedHeaders []string `yaml:"exposed_headers"`
	MaxAge         int      `yaml:"max_age"` // Preflight cache duration in seconds
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`     // Time window for rate limiting
	BurstSize     int           `yaml:"burst_size"`      // Allow burst above limit temporarily
	CleanupPeriod time.Duration `yaml:"cleanup_period"`  // How often to clean old entries
	ExemptPaths   []string      `yaml:"exempt_paths"`    // Paths exempt from rate limiting
	TrustProxy    bool          `yaml:"trust_proxy"`     // Trust X-Forwarded-For header
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
	Retention   RetentionConfig   `yaml:"retention"`
	S3          S3Config          `yaml:"s3"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// RetentionConfig holds table TTL settings, in days.
type RetentionConfig struct {
	Enabled           bool `yaml:"enabled"`
	EventsTTLDays     int  `yaml:"events_ttl_days"`
	QuarantineTTLDays int  `yaml:"quarantine_ttl_days"`
}

// S3Config holds archive settings.
type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	StorageClass    string        `yaml:"storage_class"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	PathTemplate    string        `yaml:"path_template"`

	// Periodic bulk offload of old rows into manifest-backed archives.
	ArchiveEnabled   bool          `yaml:"archive_enabled"`
	ArchiveOlderThan time.Duration `yaml:"archive_older_than"`
	ArchiveInterval  time.Duration `yaml:"archive_interval"`
}

// ConsumerConfig holds consumer settings.
type ConsumerConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// KafkaConfig holds anomaly-forwarding settings.
type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	Topic            string   `yaml:"topic"`
	CompressionType  string   `yaml:"compression_type"`
	SecurityProtocol string   `yaml:"security_protocol"`
	SASLMechanism    string   `yaml:"sasl_mechanism"`
	SASLUsername     string   `yaml:"sasl_username"`
	SASLPassword     string   `yaml:"sasl_password"`
	TLSEnabled       bool     `yaml:"tls_enabled"`
	TLSCertFile      string   `yaml:"tls_cert_file"`
	TLSKeyFile       string   `yaml:"tls_key_file"`
	TLSCAFile        string   `yaml:"tls_ca_file"`
	TLSSkipVerify    bool     `yaml:"tls_skip_verify"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled     bool          `yaml:"enabled"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	HistorySize int           `yaml:"history_size"`
	Store       StoreConfig   `yaml:"store"`
	Webhook     WebhookConfig `yaml:"webhook"`
	Slack       SlackConfig   `yaml:"slack"`
}

// StoreConfig selects the alert dedup store backend.
type StoreConfig struct {
	Type  string      `yaml:"type"` // memory or redis
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WebhookConfig holds generic webhook channel settings.
type WebhookConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// SlackConfig holds Slack channel settings.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// EnrichConfig holds IP-reputation enrichment settings.
type EnrichConfig struct {
	Enabled         bool          `yaml:"enabled"`
	FeedFile        string        `yaml:"feed_file"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ConnectorsConfig holds pull-based source settings.
type ConnectorsConfig struct {
	Nginx NginxConnectorConfig `yaml:"nginx"`
	Pull  PullConnectorConfig  `yaml:"pull"`
}

// NginxConnectorConfig holds access-log tailer settings.
type NginxConnectorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Path         string        `yaml:"path"`
	Source       string        `yaml:"source"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PullConnectorConfig holds HTTP poller settings.
type PullConnectorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	Source       string        `yaml:"source"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SearchConfig holds search endpoint settings.
type SearchConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
			SignaturesDir:  "",
			TCP: TCPConfig{
				Enabled:        false,
				Address:        ":5515",
				TLSEnabled:     false,
				MaxConnections: 1000,
				IdleTimeout:    5 * time.Minute,
				MaxLineLength:  65535,
			},
			DTLS: DTLSConfig{
				Enabled:           false,
				Address:           ":5516",
				Workers:           8,
				MaxMessageSize:    65535,
				ConnectionTimeout: 30 * time.Second,
				IdleTimeout:       5 * time.Minute,
				AllowInsecure:     false,
				RequireClientCert: false,
			},
		},
		Queue: QueueConfig{
			Size: 10000,
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			ExposedHeaders: []string{
				"X-RateLimit-Limit",
				"X-RateLimit-Remaining",
				"X-RateLimit-Reset",
			},
			MaxAge: 86400, // 24 hours preflight cache
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Enabled: false, // Disabled by default for development without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "logwarden",
				Username:        "default",
				Password:        "",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				TLSEnabled:      false,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
			Retention: RetentionConfig{
				Enabled:           false,
				EventsTTLDays:     90,
				QuarantineTTLDays: 14,
			},
			S3: S3Config{
				Enabled:       false,
				Region:        "us-east-1",
				Bucket:        "logwarden-archive",
				Prefix:        "logwarden/",
				StorageClass:  "STANDARD_IA",
				BatchSize:     5000,
				FlushInterval: 5 * time.Minute,
				PathTemplate:  "events/{date}/{hour}/{id}.jsonl.gz",

				ArchiveEnabled:   false,
				ArchiveOlderThan: 30 * 24 * time.Hour,
				ArchiveInterval:  time.Hour,
			},
		},
		Consumer: ConsumerConfig{
			Workers:      4,
			PollInterval: 10 * time.Millisecond,
			ShutdownWait: 30 * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled:          false,
			Brokers:          []string{"localhost:9092"},
			Topic:            "logwarden-anomalies",
			CompressionType:  "lz4",
			SecurityProtocol: "PLAINTEXT",
		},
		Alerting: AlertingConfig{
			Enabled:     true,
			DedupWindow: 5 * time.Minute,
			HistorySize: 1000,
			Store: StoreConfig{
				Type: "memory",
				Redis: RedisConfig{
					Addr: "localhost:6379",
				},
			},
			Webhook: WebhookConfig{
				Enabled: false,
				Timeout: 10 * time.Second,
			},
			Slack: SlackConfig{
				Enabled:  false,
				Username: "logwarden",
			},
		},
		Enrich: EnrichConfig{
			Enabled:         false,
			RefreshInterval: time.Hour,
		},
		Connectors: ConnectorsConfig{
			Nginx: NginxConnectorConfig{
				Enabled:      false,
				Source:       "nginx",
				PollInterval: time.Second,
			},
			Pull: PullConnectorConfig{
				Enabled:      false,
				Source:       "pull",
				PollInterval: 30 * time.Second,
				Timeout:      10 * time.Second,
			},
		},
		Search: SearchConfig{
			DefaultLimit: 100,
			MaxLimit:     1000,
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Check for config file path in environment
	configPath := os.Getenv("LOGWARDEN_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	// Try to load from file
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("LOGWARDEN_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("LOGWARDEN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	// Storage settings
	if enabled := os.Getenv("LOGWARDEN_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if hosts := os.Getenv("CLICKHOUSE_HOSTS"); hosts != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(hosts)
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USERNAME"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	// CORS settings
	if enabled := os.Getenv("LOGWARDEN_CORS_ENABLED"); enabled == "false" {
		c.CORS.Enabled = false
	}

	if origins := os.Getenv("LOGWARDEN_CORS_ORIGINS"); origins != "" {
		c.CORS.AllowedOrigins = splitAndTrim(origins)
	}

	// Rate limit settings
	if enabled := os.Getenv("LOGWARDEN_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}

	if rps := os.Getenv("LOGWARDEN_RATELIMIT_RPS"); rps != "" {
		fmt.Sscanf(rps, "%d", &c.RateLimit.RequestsPerIP)
	}

	// Integration endpoints
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Alerting.Store.Redis.Addr = addr
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers)
	}
}

// splitAndTrim splits a comma-separated string and trims whitespace,
// dropping empty entries.
func splitAndTrim(s string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Ingest.MaxPayloadSize <= 0 {
		return fmt.Errorf("max_payload_size must be positive")
	}

	if c.Ingest.TCP.Enabled && c.Ingest.TCP.Address == "" {
		return fmt.Errorf("tcp transport enabled without an address")
	}

	if c.Ingest.TCP.Enabled && c.Ingest.TCP.TLSEnabled {
		if c.Ingest.TCP.TLSCertFile == "" || c.Ingest.TCP.TLSKeyFile == "" {
			return fmt.Errorf("tcp tls enabled without cert_file and key_file")
		}
	}

	if c.Ingest.DTLS.Enabled {
		if c.Ingest.DTLS.Address == "" {
			return fmt.Errorf("dtls transport enabled without an address")
		}
		hasCert := c.Ingest.DTLS.CertFile != "" && c.Ingest.DTLS.KeyFile != ""
		hasPSK := c.Ingest.DTLS.PSKPassphrase != ""
		if !hasCert && !hasPSK && !c.Ingest.DTLS.AllowInsecure {
			return fmt.Errorf("dtls transport enabled without certificates or a PSK passphrase")
		}
	}

	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("storage enabled without clickhouse hosts")
	}

	if c.Storage.S3.Enabled {
		if c.Storage.S3.Region == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 archive enabled without region and bucket")
		}
	} else if c.Storage.S3.ArchiveEnabled {
		return fmt.Errorf("archive job enabled without s3 storage")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka enabled without brokers")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka enabled without a topic")
		}
	}

	if c.Alerting.Enabled {
		switch c.Alerting.Store.Type {
		case "", "memory":
		case "redis":
			if c.Alerting.Store.Redis.Addr == "" {
				return fmt.Errorf("alerting redis store enabled without an addr")
			}
		default:
			return fmt.Errorf("invalid alerting store type: %s", c.Alerting.Store.Type)
		}
		if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
			return fmt.Errorf("webhook channel enabled without a url")
		}
		if c.Alerting.Slack.Enabled && c.Alerting.Slack.WebhookURL == "" {
			return fmt.Errorf("slack channel enabled without a webhook_url")
		}
	}

	if c.Connectors.Nginx.Enabled && c.Connectors.Nginx.Path == "" {
		return fmt.Errorf("nginx connector enabled without a path")
	}

	if c.Connectors.Pull.Enabled && c.Connectors.Pull.URL == "" {
		return fmt.Errorf("pull connector enabled without a url")
	}

	if c.Search.MaxLimit > 0 && c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search default_limit exceeds max_limit")
	}

	return nil
}
