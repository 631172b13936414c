package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the delivery state of a notification.
type DeliveryStatus string

const (
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks one notification attempt chain.
type DeliveryRecord struct {
	AlertID     uuid.UUID      `json:"alert_id"`
	ChannelName string         `json:"channel_name"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// DispatcherConfig configures notification delivery.
type DispatcherConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// DefaultDispatcherConfig returns sensible delivery defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

const maxFailedRecords = 100

// Dispatcher fans an alert out to every channel concurrently, retrying
// transient failures with exponential backoff. Deliveries that exhaust
// their retries land in a bounded dead-letter list for inspection.
type Dispatcher struct {
	config   DispatcherConfig
	channels []NotificationChannel

	mu         sync.Mutex
	deadLetter []*DeliveryRecord
	sent       uint64
	failed     uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(cfg DispatcherConfig, channels ...NotificationChannel) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &Dispatcher{
		config:   cfg,
		channels: channels,
		stopCh:   make(chan struct{}),
	}
}

// Channels returns the number of configured channels.
func (d *Dispatcher) Channels() int {
	return len(d.channels)
}

// Dispatch sends the alert to all channels. Each channel gets its own
// goroutine so one slow destination cannot hold up the others.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *Alert) {
	for _, ch := range d.channels {
		record := &DeliveryRecord{
			AlertID:     alert.ID,
			ChannelName: ch.Name(),
		}

		d.wg.Add(1)
		go d.deliverWithRetry(ctx, ch, alert, record)
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ch NotificationChannel, alert *Alert, record *DeliveryRecord) {
	defer d.wg.Done()

	backoff := d.config.InitialBackoff

	for attempt := 1; attempt <= d.config.MaxRetries; attempt++ {
		record.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, d.config.AttemptTimeout)
		err := ch.Send(attemptCtx, alert)
		cancel()

		if err == nil {
			now := time.Now()
			record.Status = DeliverySent
			record.DeliveredAt = &now

			d.mu.Lock()
			d.sent++
			d.mu.Unlock()

			slog.Debug("notification delivered",
				"channel", ch.Name(),
				"alert_id", alert.ID,
				"attempts", attempt,
			)
			return
		}

		record.Status = DeliveryRetrying
		record.LastError = err.Error()

		slog.Warn("notification delivery failed",
			"channel", ch.Name(),
			"alert_id", alert.ID,
			"attempt", attempt,
			"max_retries", d.config.MaxRetries,
			"error", err,
		)

		if attempt < d.config.MaxRetries {
			select {
			case <-ctx.Done():
				d.moveToDeadLetter(record, "context cancelled")
				return
			case <-d.stopCh:
				d.moveToDeadLetter(record, "dispatcher stopped")
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > d.config.MaxBackoff {
				backoff = d.config.MaxBackoff
			}
		}
	}

	d.moveToDeadLetter(record, record.LastError)
}

func (d *Dispatcher) moveToDeadLetter(record *DeliveryRecord, reason string) {
	record.Status = DeliveryDeadLetter
	record.LastError = reason

	d.mu.Lock()
	d.failed++
	d.deadLetter = append(d.deadLetter, record)
	if len(d.deadLetter) > maxFailedRecords {
		d.deadLetter = d.deadLetter[len(d.deadLetter)-maxFailedRecords:]
	}
	d.mu.Unlock()

	slog.Error("notification moved to dead letter queue",
		"alert_id", record.AlertID,
		"channel", record.ChannelName,
		"attempts", record.Attempts,
		"reason", reason,
	)
}

// DeadLetterQueue returns the recorded failed deliveries, oldest first.
func (d *Dispatcher) DeadLetterQueue() []*DeliveryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make([]*DeliveryRecord, len(d.deadLetter))
	copy(result, d.deadLetter)
	return result
}

// Stats returns delivery statistics.
func (d *Dispatcher) Stats() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	return map[string]any{
		"channels":          len(d.channels),
		"sent":              d.sent,
		"failed":            d.failed,
		"dead_letter_count": len(d.deadLetter),
	}
}

// Stop interrupts backoff waits and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}
