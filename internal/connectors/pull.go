package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"logwarden/internal/ingest/wire"
	"logwarden/internal/queue"
	"logwarden/internal/schema"
)

// PullConfig holds configuration for the HTTP pull connector.
type PullConfig struct {
	URL          string        `yaml:"url"`
	Source       string        `yaml:"source"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	Limit        int           `yaml:"limit"`
}

// DefaultPullConfig returns the default pull connector configuration.
func DefaultPullConfig() PullConfig {
	return PullConfig{
		Source:       "pull",
		PollInterval: 30 * time.Second,
		Timeout:      10 * time.Second,
		Limit:        500,
	}
}

// maxPollBackoff caps the delay between polls after repeated failures.
const maxPollBackoff = 5 * time.Minute

// Puller periodically fetches a JSON array of event inputs from a
// remote endpoint. The cursor advances past the newest fetched
// timestamp so each event is fetched once; polling backs off
// exponentially while the endpoint is failing.
type Puller struct {
	config  PullConfig
	host    string
	client  *http.Client
	decoder *wire.Decoder
	rejects wire.RejectHandler
	queue   *queue.RingBuffer

	mu       sync.RWMutex
	cursor   time.Time
	failures int

	fetched  atomic.Uint64
	queued   atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
	polls    atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPuller creates a pull connector. rejects may be nil when
// quarantine is disabled.
func NewPuller(cfg PullConfig, decoder *wire.Decoder, rejects wire.RejectHandler, q *queue.RingBuffer) *Puller {
	if cfg.Source == "" {
		cfg.Source = "pull"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 500
	}

	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}

	return &Puller{
		config:  cfg,
		host:    host,
		client:  &http.Client{Timeout: cfg.Timeout},
		decoder: decoder,
		rejects: rejects,
		queue:   q,
		cursor:  time.Now().UTC().Add(-1 * time.Hour),
		stopCh:  make(chan struct{}),
	}
}

// Start begins polling. The first poll runs immediately.
func (p *Puller) Start(ctx context.Context) error {
	if p.config.URL == "" {
		return fmt.Errorf("pull connector requires a url")
	}

	slog.Info("pull connector started",
		"source", p.config.Source,
		"poll_interval", p.config.PollInterval,
		"limit", p.config.Limit,
	)

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop stops polling and waits for the worker to exit.
func (p *Puller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	slog.Info("pull connector stopped", "fetched", p.fetched.Load(), "queued", p.queued.Load())
}

func (p *Puller) run(ctx context.Context) {
	defer p.wg.Done()

	delay := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-time.After(delay):
		}

		if err := p.poll(ctx); err != nil {
			p.mu.Lock()
			p.failures++
			failures := p.failures
			p.mu.Unlock()

			delay = pollBackoff(p.config.PollInterval, failures)
			slog.Error("pull connector poll failed",
				"source", p.config.Source,
				"failures", failures,
				"retry_in", delay,
				"error", err,
			)
			continue
		}

		p.mu.Lock()
		p.failures = 0
		p.mu.Unlock()
		delay = p.config.PollInterval
	}
}

// pollBackoff doubles the base interval per consecutive failure, capped
// at maxPollBackoff.
func pollBackoff(base time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxPollBackoff {
			return maxPollBackoff
		}
	}
	if d > maxPollBackoff {
		return maxPollBackoff
	}
	return d
}

// poll fetches one page of inputs newer than the cursor and enqueues
// them. The cursor moves to the newest fetched timestamp plus a
// millisecond so the next poll does not refetch it.
func (p *Puller) poll(ctx context.Context) error {
	p.polls.Add(1)

	p.mu.RLock()
	since := p.cursor
	p.mu.RUnlock()

	reqURL := fmt.Sprintf("%s?since=%s&limit=%d",
		p.config.URL,
		url.QueryEscape(since.UTC().Format(time.RFC3339Nano)),
		p.config.Limit,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("source returned %d: %s", resp.StatusCode, body)
	}

	var inputs []schema.EventInput
	if err := json.NewDecoder(resp.Body).Decode(&inputs); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	var latest time.Time
	for i := range inputs {
		in := &inputs[i]
		p.fetched.Add(1)

		if in.Timestamp.After(latest) {
			latest = in.Timestamp
		}
		if in.Source == nil {
			in.Source = &p.config.Source
		}

		event, err := p.decoder.Normalize(in, "")
		if err != nil {
			p.rejected.Add(1)
			if p.rejects != nil {
				raw, _ := json.Marshal(in)
				p.rejects.HandleReject(wire.NewReject(string(raw), "pull", p.host, err))
			}
			continue
		}

		if err := p.queue.Push(event); err != nil {
			if p.dropped.Add(1)%100 == 1 {
				slog.Warn("pull connector dropping events, queue full", "dropped", p.dropped.Load())
			}
			continue
		}
		p.queued.Add(1)
	}

	if !latest.IsZero() {
		p.mu.Lock()
		p.cursor = latest.Add(time.Millisecond)
		p.mu.Unlock()
	}
	return nil
}

// Cursor returns the current fetch cursor.
func (p *Puller) Cursor() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cursor
}

// PullStats holds pull connector counters.
type PullStats struct {
	Polls    uint64    `json:"polls"`
	Fetched  uint64    `json:"fetched"`
	Queued   uint64    `json:"queued"`
	Rejected uint64    `json:"rejected"`
	Dropped  uint64    `json:"dropped"`
	Failures int       `json:"failures"`
	Cursor   time.Time `json:"cursor"`
}

// Stats returns pull connector counters.
func (p *Puller) Stats() PullStats {
	p.mu.RLock()
	failures := p.failures
	cursor := p.cursor
	p.mu.RUnlock()

	return PullStats{
		Polls:    p.polls.Load(),
		Fetched:  p.fetched.Load(),
		Queued:   p.queued.Load(),
		Rejected: p.rejected.Load(),
		Dropped:  p.dropped.Load(),
		Failures: failures,
		Cursor:   cursor,
	}
}
