package kafka

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"logwarden/internal/schema"
)

// ForwarderMetrics counts forwarder activity.
type ForwarderMetrics struct {
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Forwarder ships anomalous events to Kafka off the hot path. Events
// are buffered in a channel and published by a single goroutine;
// when the buffer is full events are dropped rather than stalling
// ingestion.
type Forwarder struct {
	producer *Producer
	pending  chan *schema.Event

	wg   sync.WaitGroup
	done chan struct{}

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewForwarder creates a forwarder over the given producer. buffer is
// the number of events that may be queued for publishing; zero or
// negative means 1024.
func NewForwarder(producer *Producer, buffer int) *Forwarder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Forwarder{
		producer: producer,
		pending:  make(chan *schema.Event, buffer),
		done:     make(chan struct{}),
	}
}

// Start launches the publishing goroutine.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.run()
}

// HandleAnomaly buffers an anomalous event for forwarding. It never
// blocks the calling consumer worker.
func (f *Forwarder) HandleAnomaly(ctx context.Context, event *schema.Event) {
	select {
	case f.pending <- event:
	default:
		if f.dropped.Add(1)%100 == 1 {
			slog.Warn("anomaly forwarder buffer full, dropping events",
				"dropped_total", f.dropped.Load(),
			)
		}
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			// Drain whatever is already buffered before exiting.
			for {
				select {
				case event := <-f.pending:
					f.publish(event)
				default:
					return
				}
			}
		case event := <-f.pending:
			f.publish(event)
		}
	}
}

func (f *Forwarder) publish(event *schema.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Key by source so one emitter's events stay ordered per partition.
	if err := f.producer.ProduceJSON(ctx, event.Source, event); err != nil {
		f.failed.Add(1)
		slog.Error("failed to forward anomaly",
			"event_id", event.ID,
			"source", event.Source,
			"error", err,
		)
		return
	}

	f.forwarded.Add(1)
}

// Stop drains the buffer and waits for the publisher to finish. The
// producer is left open; the caller owns its lifecycle.
func (f *Forwarder) Stop() {
	close(f.done)
	f.wg.Wait()

	slog.Info("anomaly forwarder stopped",
		"forwarded", f.forwarded.Load(),
		"dropped", f.dropped.Load(),
		"failed", f.failed.Load(),
	)
}

// Metrics returns a snapshot of forwarder counters.
func (f *Forwarder) Metrics() ForwarderMetrics {
	return ForwarderMetrics{
		Forwarded: f.forwarded.Load(),
		Dropped:   f.dropped.Load(),
		Failed:    f.failed.Load(),
	}
}
