package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"logwarden/internal/schema"
)

// TableEvents is the main event table.
const TableEvents = "log_events"

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter accumulates events and inserts them into ClickHouse in
// batches, flushing on size or on a timer.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig

	buffer []*schema.Event
	mu     sync.Mutex

	flushTimer *time.Timer
	done       chan struct{}
	closed     bool

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewBatchWriter creates a new BatchWriter.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig) *BatchWriter {
	bw := &BatchWriter{
		client: client,
		config: cfg,
		buffer: make([]*schema.Event, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}

	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)

	return bw
}

// Write adds an event to the batch.
func (bw *BatchWriter) Write(event *schema.Event) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return NewStorageError("Write", TableEvents, ErrWriterClosed)
	}

	bw.buffer = append(bw.buffer, event)

	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}

	return nil
}

// timerFlush is called by the flush timer.
func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			slog.Error("timer flush failed", "error", err)
		}
	}

	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer with exponential retry backoff.
// Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	events := bw.buffer
	bw.buffer = make([]*schema.Event, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(1<<(attempt-1)))
		}

		if err := bw.insertBatch(events); err != nil {
			lastErr = err
			slog.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		bw.totalWritten.Add(uint64(len(events)))
		bw.batchCount.Add(1)
		return nil
	}

	bw.totalFailed.Add(uint64(len(events)))
	return NewStorageErrorWithRetries("Insert", TableEvents, lastErr, bw.config.MaxRetries)
}

// insertBatch inserts a batch of events into the log_events table.
func (bw *BatchWriter) insertBatch(events []*schema.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO log_events (
			id, timestamp, received_at,
			source, severity, event_type, message,
			user_agent, source_ip, destination_ip, username,
			metadata,
			anomaly_score, is_anomaly, detected_attacks, risk_factors
		)
	`)
	if err != nil {
		return WrapQueryError("PrepareBatch", TableEvents, err)
	}

	for _, event := range events {
		metadata := []byte("{}")
		if len(event.Metadata) > 0 {
			if b, err := json.Marshal(event.Metadata); err == nil {
				metadata = b
			}
		}

		attacks := event.DetectedAttacks
		if attacks == nil {
			attacks = []string{}
		}
		risks := event.RiskFactors
		if risks == nil {
			risks = []string{}
		}

		err := batch.Append(
			event.ID,
			event.Timestamp,
			event.ReceivedAt,
			event.Source,
			string(event.Severity),
			event.EventType,
			event.Message,
			event.UserAgent,
			event.SourceIP,
			event.DestinationIP,
			event.Username,
			string(metadata),
			event.AnomalyScore,
			event.IsAnomaly,
			attacks,
			risks,
		)
		if err != nil {
			return WrapQueryError("Append", TableEvents, err)
		}
	}

	if err := batch.Send(); err != nil {
		return WrapQueryError("Send", TableEvents, err)
	}

	slog.Debug("batch inserted", "count", len(events))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the flush timer and flushes any remaining events.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()
	close(bw.done)

	return bw.Flush()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written: bw.totalWritten.Load(),
		Failed:  bw.totalFailed.Load(),
		Batches: bw.batchCount.Load(),
		Pending: bw.pendingCount(),
	}
}

func (bw *BatchWriter) pendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
