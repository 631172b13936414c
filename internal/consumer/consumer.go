// Package consumer drains the event queue into storage and fans
// anomalous events out to registered handlers.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"logwarden/internal/queue"
	"logwarden/internal/schema"
)

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// EventWriter is the storage surface the consumer needs. Satisfied by
// storage.BatchWriter.
type EventWriter interface {
	Write(event *schema.Event) error
	Flush() error
}

// AnomalyHandler receives events the classifier flagged as anomalous.
// Handlers run inside consumer workers after the event is accepted for
// storage; they must tolerate concurrent calls.
type AnomalyHandler interface {
	HandleAnomaly(ctx context.Context, event *schema.Event)
}

// Enricher annotates an event before it is written. Enrichers run for
// every event, may mutate metadata only, and must tolerate concurrent
// calls.
type Enricher interface {
	Enrich(event *schema.Event)
}

// Consumer reads events from the queue and writes them to storage.
type Consumer struct {
	queue  *queue.RingBuffer
	writer EventWriter
	config Config

	enrichers       []Enricher
	anomalyHandlers []AnomalyHandler

	wg   sync.WaitGroup
	done chan struct{}

	consumed  atomic.Uint64
	errors    atomic.Uint64
	anomalies atomic.Uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer, w EventWriter, cfg Config) *Consumer {
	return &Consumer{
		queue:  q,
		writer: w,
		config: cfg,
		done:   make(chan struct{}),
	}
}

// OnAnomaly registers a handler for anomalous events.
// Must be called before Start.
func (c *Consumer) OnAnomaly(h AnomalyHandler) {
	c.anomalyHandlers = append(c.anomalyHandlers, h)
}

// OnEvent registers an enricher that runs on every event before it is
// written. Must be called before Start.
func (c *Consumer) OnEvent(e Enricher) {
	c.enrichers = append(c.enrichers, e)
}

// Start starts the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	slog.Info("queue consumer started", "workers", c.config.Workers)
}

// worker is a single consumer worker goroutine.
func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	slog.Debug("consumer worker started", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("consumer worker stopping (context)", "worker_id", id)
			return
		case <-c.done:
			slog.Debug("consumer worker stopping (done)", "worker_id", id)
			return
		default:
			event, err := c.queue.PopWithTimeout(c.config.PollInterval)
			if err != nil {
				if err == queue.ErrQueueEmpty {
					continue
				}
				if err == queue.ErrQueueClosed {
					return
				}
				slog.Warn("unexpected queue error", "worker_id", id, "error", err)
				c.errors.Add(1)
				continue
			}

			for _, e := range c.enrichers {
				e.Enrich(event)
			}

			if err := c.writer.Write(event); err != nil {
				slog.Error("failed to write event",
					"worker_id", id,
					"event_id", event.ID,
					"error", err,
				)
				c.errors.Add(1)
				continue
			}

			c.consumed.Add(1)

			if event.IsAnomaly {
				c.anomalies.Add(1)
				for _, h := range c.anomalyHandlers {
					h.HandleAnomaly(ctx, event)
				}
			}
		}
	}
}

// Stop stops the consumer gracefully and flushes any buffered writes.
func (c *Consumer) Stop() {
	close(c.done)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue consumer stopped gracefully")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("queue consumer shutdown timed out")
	}

	if err := c.writer.Flush(); err != nil {
		slog.Error("final flush failed", "error", err)
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		Consumed:  c.consumed.Load(),
		Errors:    c.errors.Load(),
		Anomalies: c.anomalies.Load(),
	}
}

// Metrics holds consumer statistics.
type Metrics struct {
	Consumed  uint64 `json:"consumed"`
	Errors    uint64 `json:"errors"`
	Anomalies uint64 `json:"anomalies"`
}
