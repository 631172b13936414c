package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrProducerClosed is returned by produce calls after Close.
var ErrProducerClosed = fmt.Errorf("kafka: producer is closed")

// Producer sends messages to the configured topic.
type Producer struct {
	writer  *kafka.Writer
	config  *Config
	logger  *slog.Logger
	metrics *producerMetrics
	closed  atomic.Bool
}

type producerMetrics struct {
	messagesProduced atomic.Int64
	bytesProduced    atomic.Int64
	errors           atomic.Int64
	retries          atomic.Int64
	lastError        atomic.Value // stores error
	lastErrorTime    atomic.Value // stores time.Time
}

// NewProducer creates a new Kafka producer. It does not dial; the
// connection is established on first write.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    config.ProducerBatchSize,
		BatchTimeout: config.ProducerBatchTimeout,
		MaxAttempts:  config.ProducerMaxRetries,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.GetCompression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	p := &Producer{
		writer:  writer,
		config:  config,
		logger:  logger,
		metrics: &producerMetrics{},
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"compression", config.CompressionType,
		"batch_size", config.ProducerBatchSize,
	)

	return p, nil
}

// Produce sends a single message.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}

	return p.produceMessages(ctx, msg)
}

// ProduceJSON marshals the value to JSON and sends it.
func (p *Producer) ProduceJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message: %w", err)
	}
	return p.Produce(ctx, []byte(key), data)
}

// produceMessages sends messages with exponential-backoff retry.
func (p *Producer) produceMessages(ctx context.Context, messages ...kafka.Message) error {
	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.retries.Add(1)
			p.logger.Debug("retrying kafka produce",
				"attempt", attempt,
				"backoff", backoff,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, messages...)
		if err == nil {
			for _, msg := range messages {
				p.metrics.messagesProduced.Add(1)
				p.metrics.bytesProduced.Add(int64(len(msg.Value) + len(msg.Key)))
			}

			p.logger.Debug("produced messages",
				"count", len(messages),
				"topic", p.config.Topic,
			)
			return nil
		}

		lastErr = err
		p.metrics.errors.Add(1)
		p.metrics.lastError.Store(err)
		p.metrics.lastErrorTime.Store(time.Now())

		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

// GetMetrics returns current producer metrics.
func (p *Producer) GetMetrics() Metrics {
	m := Metrics{
		MessagesProduced: p.metrics.messagesProduced.Load(),
		BytesProduced:    p.metrics.bytesProduced.Load(),
		Errors:           p.metrics.errors.Load(),
		Retries:          p.metrics.retries.Load(),
	}

	if err := p.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := p.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}

	return m
}

// Stats returns internal writer statistics.
func (p *Producer) Stats() kafka.WriterStats {
	return p.writer.Stats()
}

// HealthCheck verifies the producer can reach a broker.
func (p *Producer) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		LastCheck: time.Now(),
	}

	if p.closed.Load() {
		status.Error = "producer is closed"
		return status
	}

	start := time.Now()

	dialer, err := p.config.GetDialer()
	if err != nil {
		status.Error = fmt.Sprintf("failed to create dialer: %v", err)
		return status
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		status.Error = fmt.Sprintf("failed to get brokers: %v", err)
		return status
	}

	status.Latency = time.Since(start)
	status.Connected = true
	status.Healthy = true
	status.BrokerCount = len(brokers)

	return status
}

// Close closes the producer and flushes any buffered messages.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	p.logger.Info("closing kafka producer",
		"messages_produced", p.metrics.messagesProduced.Load(),
		"bytes_produced", p.metrics.bytesProduced.Load(),
	)

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}

	return nil
}

// isNonRetryableError checks if an error should not be retried.
func isNonRetryableError(err error) bool {
	switch err {
	case kafka.MessageSizeTooLarge:
		return true
	case kafka.InvalidTopic:
		return true
	case kafka.TopicAuthorizationFailed:
		return true
	case kafka.ClusterAuthorizationFailed:
		return true
	}
	return false
}
