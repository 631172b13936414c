// Package main is the entry point for the LogWarden ingest service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"logwarden/internal/alerting"
	"logwarden/internal/config"
	"logwarden/internal/connectors"
	"logwarden/internal/consumer"
	"logwarden/internal/detection"
	"logwarden/internal/enrich"
	apperrors "logwarden/internal/errors"
	"logwarden/internal/ingest"
	"logwarden/internal/ingest/wire"
	"logwarden/internal/kafka"
	"logwarden/internal/logging"
	"logwarden/internal/queue"
	"logwarden/internal/schema"
	"logwarden/internal/search"
	"logwarden/internal/startup"
	"logwarden/internal/storage"
	"logwarden/internal/storage/s3"
)

var version = "dev"

func main() {
	var (
		checkOnly   bool
		initLayout  bool
		showVersion bool
	)
	flag.BoolVar(&checkOnly, "check", false, "Run startup diagnostics and exit")
	flag.BoolVar(&initLayout, "init", false, "Create the standard directory layout and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("logwarden-ingest %s\n", version)
		return
	}

	if initLayout {
		if err := startup.EnsureDirectories(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Directory layout created.")
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	// Sanitize internal errors in responses unless explicitly developing
	if os.Getenv("LOGWARDEN_DEV") == "" {
		apperrors.SetProductionMode(true)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startup.PrintBanner(version)

	diagnostics := startup.NewDiagnostics(cfg, slog.Default())
	diagnostics.RunAll(ctx)
	if checkOnly {
		if diagnostics.HasErrors() {
			os.Exit(1)
		}
		return
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"tcp_enabled", cfg.Ingest.TCP.Enabled,
		"dtls_enabled", cfg.Ingest.DTLS.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"alerting_enabled", cfg.Alerting.Enabled,
	)

	// Build the signature table: builtin categories plus any YAML
	// definitions from the signatures directory
	sets := detection.BuiltinSignatures()
	if cfg.Ingest.SignaturesDir != "" {
		defs, err := detection.LoadSignatureDir(cfg.Ingest.SignaturesDir)
		if err != nil {
			slog.Error("failed to load signature definitions", "dir", cfg.Ingest.SignaturesDir, "error", err)
			os.Exit(1)
		}
		if len(defs) > 0 {
			sets, err = detection.ExtendTable(sets, defs)
			if err != nil {
				slog.Error("failed to extend signature table", "error", err)
				os.Exit(1)
			}
			slog.Info("signature table extended",
				"definitions", len(defs),
				"categories", len(sets),
			)
		}
	}
	classifier := detection.NewClassifierWithSets(sets)

	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})

	eventQueue := queue.NewRingBuffer(cfg.Queue.Size)
	decoder := wire.NewDecoder(validator, classifier)

	handler := ingest.NewHandler(validator, classifier, eventQueue).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handler.Info)
	mux.HandleFunc("POST /api/v1/events", handler.HandleEvent)
	mux.HandleFunc("POST /api/v1/events/batch", handler.HandleBatch)
	mux.HandleFunc("GET /api/v1/stats", handler.Stats)
	mux.HandleFunc("GET /health", handler.HealthCheck)
	mux.HandleFunc("GET /metrics", handler.Metrics)

	// Initialize storage if enabled
	var (
		chClient     *storage.ClickHouseClient
		batchWriter  *storage.BatchWriter
		archiver     *s3.EventArchiver
		archiveJob   *s3.ArchiveJob
		retentionMgr *storage.RetentionManager
		rejects      wire.RejectHandler
	)

	eventWriter := consumer.EventWriter(discardWriter{})

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(storage.ClickHouseConfig{
			Hosts:           cfg.Storage.ClickHouse.Hosts,
			Database:        cfg.Storage.ClickHouse.Database,
			Username:        cfg.Storage.ClickHouse.Username,
			Password:        cfg.Storage.ClickHouse.Password,
			MaxOpenConns:    cfg.Storage.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ClickHouse.ConnMaxLifetime,
			TLSEnabled:      cfg.Storage.ClickHouse.TLSEnabled,
			DialTimeout:     cfg.Storage.ClickHouse.DialTimeout,
		})
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		slog.Info("running database migrations")
		migrator := storage.NewMigrator(chClient)
		if err := migrator.Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		if cfg.Storage.Retention.Enabled {
			retentionMgr = storage.NewRetentionManager(chClient, storage.RetentionConfig{
				EventsTTL:     time.Duration(cfg.Storage.Retention.EventsTTLDays) * 24 * time.Hour,
				QuarantineTTL: time.Duration(cfg.Storage.Retention.QuarantineTTLDays) * 24 * time.Hour,
			})
			if err := retentionMgr.ApplyTTLs(ctx); err != nil {
				slog.Warn("failed to apply retention TTLs", "error", err)
			}
		}

		batchWriter = storage.NewBatchWriter(chClient, storage.BatchWriterConfig{
			BatchSize:     cfg.Storage.BatchWriter.BatchSize,
			FlushInterval: cfg.Storage.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Storage.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Storage.BatchWriter.RetryDelay,
		})
		eventWriter = batchWriter

		// Rejected transport lines go to the quarantine table
		quarantine := storage.NewQuarantineWriter(chClient)
		rejects = wire.RejectFunc(func(reject wire.Reject) {
			qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer qcancel()
			err := quarantine.Write(qctx, &storage.QuarantineEntry{
				RawLine:          reject.RawLine,
				Transport:        reject.Transport,
				RemoteAddr:       reject.RemoteAddr,
				ValidationErrors: reject.Errs,
				ErrorCode:        reject.Code,
			})
			if err != nil {
				slog.Warn("failed to quarantine rejected line",
					"transport", reject.Transport,
					"error", err,
				)
			}
		})

		if cfg.Storage.S3.Enabled {
			s3Client, err := s3.NewClient(ctx, &s3.Config{
				Region:          cfg.Storage.S3.Region,
				Bucket:          cfg.Storage.S3.Bucket,
				Prefix:          cfg.Storage.S3.Prefix,
				Endpoint:        cfg.Storage.S3.Endpoint,
				AccessKeyID:     cfg.Storage.S3.AccessKeyID,
				SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
				UsePathStyle:    cfg.Storage.S3.UsePathStyle,
				StorageClass:    cfg.Storage.S3.StorageClass,
			}, slog.Default())
			if err != nil {
				slog.Error("failed to initialize S3 archive", "error", err)
				os.Exit(1)
			}
			archiver = s3.NewEventArchiver(s3Client, &s3.ArchiverConfig{
				BatchSize:     cfg.Storage.S3.BatchSize,
				FlushInterval: cfg.Storage.S3.FlushInterval,
				StorageClass:  cfg.Storage.S3.StorageClass,
				PathTemplate:  cfg.Storage.S3.PathTemplate,
			}, slog.Default())
			eventWriter = consumer.NewMultiWriter(batchWriter, archiver)

			if cfg.Storage.S3.ArchiveEnabled {
				archiveJob = s3.NewArchiveJob(chClient.DB(), archiver, s3.ArchiveJobConfig{
					OlderThan: cfg.Storage.S3.ArchiveOlderThan,
					Interval:  cfg.Storage.S3.ArchiveInterval,
				}, slog.Default())
				archiveJob.Start(ctx)
			}
		}

		// Search API and storage-backed stats need ClickHouse
		executor := search.NewExecutor(chClient.DB())
		searchHandler := search.NewHandler(executor, cfg.Search)
		searchHandler.RegisterRoutes(mux)
		handler.WithStatsProvider(search.NewStatsCollector(chClient, retentionMgr))

		slog.Info("storage initialized successfully", "s3_archive", cfg.Storage.S3.Enabled)
	} else {
		slog.Info("storage disabled, events are classified and dropped after handlers run")
	}

	queueConsumer := consumer.New(eventQueue, eventWriter, consumer.Config{
		Workers:      cfg.Consumer.Workers,
		PollInterval: cfg.Consumer.PollInterval,
		ShutdownWait: cfg.Consumer.ShutdownWait,
	})

	// IP reputation enrichment runs on every event before write
	var annotator *enrich.IPReputation
	if cfg.Enrich.Enabled {
		annotator, err = enrich.New(enrich.Config{
			FeedFile:        cfg.Enrich.FeedFile,
			RefreshInterval: cfg.Enrich.RefreshInterval,
		})
		if err != nil {
			slog.Error("failed to initialize ip reputation", "error", err)
			os.Exit(1)
		}
		annotator.Start(ctx)
		queueConsumer.OnEvent(annotator)
	}

	// Kafka forwarding for anomalous events
	var forwarder *kafka.Forwarder
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		kcfg := kafka.DefaultConfig()
		kcfg.Brokers = cfg.Kafka.Brokers
		kcfg.Topic = cfg.Kafka.Topic
		kcfg.CompressionType = cfg.Kafka.CompressionType
		kcfg.SecurityProtocol = cfg.Kafka.SecurityProtocol
		kcfg.SASLMechanism = cfg.Kafka.SASLMechanism
		kcfg.SASLUsername = cfg.Kafka.SASLUsername
		kcfg.SASLPassword = cfg.Kafka.SASLPassword
		kcfg.TLSEnabled = cfg.Kafka.TLSEnabled
		kcfg.TLSCertFile = cfg.Kafka.TLSCertFile
		kcfg.TLSKeyFile = cfg.Kafka.TLSKeyFile
		kcfg.TLSCAFile = cfg.Kafka.TLSCAFile
		kcfg.TLSSkipVerify = cfg.Kafka.TLSSkipVerify

		producer, err = kafka.NewProducer(kcfg, slog.Default())
		if err != nil {
			slog.Error("failed to initialize Kafka producer", "error", err)
			os.Exit(1)
		}
		forwarder = kafka.NewForwarder(producer, 0)
		forwarder.Start()
		queueConsumer.OnAnomaly(forwarder)
		slog.Info("kafka forwarding enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// Alerting raises and dispatches alerts for anomalous events
	var alertManager *alerting.Manager
	if cfg.Alerting.Enabled {
		var store alerting.DedupStore
		if cfg.Alerting.Store.Type == "redis" {
			store = alerting.NewRedisDedup(
				cfg.Alerting.Store.Redis.Addr,
				cfg.Alerting.Store.Redis.Password,
				cfg.Alerting.Store.Redis.DB,
			)
		}

		var channels []alerting.NotificationChannel
		if cfg.Alerting.Webhook.Enabled {
			channels = append(channels, alerting.NewWebhookChannel(
				"webhook",
				cfg.Alerting.Webhook.URL,
				cfg.Alerting.Webhook.Headers,
				cfg.Alerting.Webhook.Timeout,
			))
		}
		if cfg.Alerting.Slack.Enabled {
			channels = append(channels, alerting.NewSlackChannel(
				cfg.Alerting.Slack.WebhookURL,
				cfg.Alerting.Slack.Channel,
				cfg.Alerting.Slack.Username,
			))
		}
		if len(channels) == 0 {
			channels = append(channels, alerting.NewLogChannel())
		}

		dispatcher := alerting.NewDispatcher(alerting.DefaultDispatcherConfig(), channels...)
		alertManager = alerting.NewManager(alerting.ManagerConfig{
			DedupWindow: cfg.Alerting.DedupWindow,
			HistorySize: cfg.Alerting.HistorySize,
		}, store, dispatcher)
		queueConsumer.OnAnomaly(alertManager)

		alerting.NewHandler(alertManager).RegisterRoutes(mux)
		slog.Info("alerting enabled", "channels", len(channels), "dedup_store", cfg.Alerting.Store.Type)
	}

	queueConsumer.Start(ctx)

	// Line transports
	var tcpServer *ingest.TCPServer
	if cfg.Ingest.TCP.Enabled {
		tcpServer = ingest.NewTCPServer(ingest.TCPServerConfig{
			Address:        cfg.Ingest.TCP.Address,
			TLSEnabled:     cfg.Ingest.TCP.TLSEnabled,
			TLSCertFile:    cfg.Ingest.TCP.TLSCertFile,
			TLSKeyFile:     cfg.Ingest.TCP.TLSKeyFile,
			MaxConnections: cfg.Ingest.TCP.MaxConnections,
			IdleTimeout:    cfg.Ingest.TCP.IdleTimeout,
			MaxLineLength:  cfg.Ingest.TCP.MaxLineLength,
		}, decoder, rejects, eventQueue)
		if err := tcpServer.Start(ctx); err != nil {
			slog.Error("failed to start TCP server", "error", err)
			os.Exit(1)
		}
	}

	var dtlsServer *ingest.DTLSServer
	if cfg.Ingest.DTLS.Enabled {
		dtlsServer = ingest.NewDTLSServer(ingest.DTLSServerConfig{
			Address:           cfg.Ingest.DTLS.Address,
			CertFile:          cfg.Ingest.DTLS.CertFile,
			KeyFile:           cfg.Ingest.DTLS.KeyFile,
			CAFile:            cfg.Ingest.DTLS.CAFile,
			RequireClientCert: cfg.Ingest.DTLS.RequireClientCert,
			PSKPassphrase:     cfg.Ingest.DTLS.PSKPassphrase,
			PSKSalt:           cfg.Ingest.DTLS.PSKSalt,
			PSKIdentityHint:   cfg.Ingest.DTLS.PSKIdentityHint,
			Workers:           cfg.Ingest.DTLS.Workers,
			MaxMessageSize:    cfg.Ingest.DTLS.MaxMessageSize,
			ConnectionTimeout: cfg.Ingest.DTLS.ConnectionTimeout,
			IdleTimeout:       cfg.Ingest.DTLS.IdleTimeout,
			AllowInsecure:     cfg.Ingest.DTLS.AllowInsecure,
		}, decoder, rejects, eventQueue)
		if err := dtlsServer.Start(ctx); err != nil {
			slog.Error("failed to start DTLS server", "error", err)
			os.Exit(1)
		}
	}

	// Pull-based connectors
	var nginxTailer *connectors.NginxTailer
	if cfg.Connectors.Nginx.Enabled {
		nginxTailer = connectors.NewNginxTailer(connectors.NginxConfig{
			Path:         cfg.Connectors.Nginx.Path,
			Source:       cfg.Connectors.Nginx.Source,
			PollInterval: cfg.Connectors.Nginx.PollInterval,
		}, decoder, rejects, eventQueue)
		if err := nginxTailer.Start(ctx); err != nil {
			slog.Error("failed to start nginx connector", "error", err)
			os.Exit(1)
		}
	}

	var puller *connectors.Puller
	if cfg.Connectors.Pull.Enabled {
		puller = connectors.NewPuller(connectors.PullConfig{
			URL:          cfg.Connectors.Pull.URL,
			Source:       cfg.Connectors.Pull.Source,
			PollInterval: cfg.Connectors.Pull.PollInterval,
			Timeout:      cfg.Connectors.Pull.Timeout,
			Limit:        cfg.Connectors.Pull.Limit,
		}, decoder, rejects, eventQueue)
		if err := puller.Start(ctx); err != nil {
			slog.Error("failed to start pull connector", "error", err)
			os.Exit(1)
		}
	}

	// Apply middleware and start the HTTP server
	wrappedHandler := ingest.WithMiddleware(mux, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      wrappedHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting ingest server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Stop the producing side before the consuming side
	if tcpServer != nil {
		tcpServer.Stop()
	}
	if dtlsServer != nil {
		dtlsServer.Stop()
	}
	if nginxTailer != nil {
		nginxTailer.Stop()
	}
	if puller != nil {
		puller.Stop()
	}

	cancel()
	queueConsumer.Stop()

	if forwarder != nil {
		forwarder.Stop()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			slog.Error("kafka producer close error", "error", err)
		}
	}
	if alertManager != nil {
		if err := alertManager.Close(); err != nil {
			slog.Error("alert manager close error", "error", err)
		}
	}
	if annotator != nil {
		annotator.Stop()
	}

	if archiveJob != nil {
		archiveJob.Stop()
	}
	if archiver != nil {
		if err := archiver.Close(); err != nil {
			slog.Error("s3 archiver close error", "error", err)
		}
	}
	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			slog.Error("batch writer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	eventQueue.Close()

	// Log final metrics
	queueMetrics := eventQueue.Metrics()
	slog.Info("shutdown complete",
		"events_pushed", queueMetrics.Pushed,
		"events_popped", queueMetrics.Popped,
		"events_dropped", queueMetrics.Dropped,
	)

	if batchWriter != nil {
		bwMetrics := batchWriter.Metrics()
		slog.Info("storage metrics",
			"events_written", bwMetrics.Written,
			"events_failed", bwMetrics.Failed,
			"batches", bwMetrics.Batches,
		)
	}
}

// discardWriter satisfies consumer.EventWriter when storage is
// disabled. Events still flow through enrichers and anomaly handlers.
type discardWriter struct{}

func (discardWriter) Write(event *schema.Event) error { return nil }
func (discardWriter) Flush() error                    { return nil }
