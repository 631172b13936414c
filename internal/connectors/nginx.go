// Package connectors pulls events from external sources into the
// ingestion queue. Connector events pass through the same validation
// and classification as events arriving over the network transports.
package connectors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"logwarden/internal/ingest/wire"
	"logwarden/internal/queue"
	"logwarden/internal/schema"
)

// NginxConfig holds configuration for the access-log tailer.
type NginxConfig struct {
	Path         string        `yaml:"path"`
	Source       string        `yaml:"source"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultNginxConfig returns the default tailer configuration.
func DefaultNginxConfig() NginxConfig {
	return NginxConfig{
		Source:       "nginx",
		PollInterval: time.Second,
	}
}

// combinedFormat matches the nginx "combined" log format:
// remote_addr - remote_user [time_local] "request" status bytes "referer" "user_agent"
var combinedFormat = regexp.MustCompile(`^(\S+) \S+ (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\S+)(?: "([^"]*)" "([^"]*)")?`)

const timeLocalLayout = "02/Jan/2006:15:04:05 -0700"

// NginxTailer follows an nginx access log and feeds each request line
// into the queue as a classified event. Rotation is handled by
// reopening when the path points at a new file or the file shrinks.
type NginxTailer struct {
	config  NginxConfig
	decoder *wire.Decoder
	rejects wire.RejectHandler
	queue   *queue.RingBuffer

	file    *os.File
	reader  *bufio.Reader
	info    os.FileInfo
	pos     int64
	partial strings.Builder

	stopCh chan struct{}
	wg     sync.WaitGroup

	lines     atomic.Uint64
	queued    atomic.Uint64
	malformed atomic.Uint64
	rejected  atomic.Uint64
	dropped   atomic.Uint64
}

// NewNginxTailer creates a tailer. rejects may be nil when quarantine
// is disabled.
func NewNginxTailer(cfg NginxConfig, decoder *wire.Decoder, rejects wire.RejectHandler, q *queue.RingBuffer) *NginxTailer {
	if cfg.Source == "" {
		cfg.Source = "nginx"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &NginxTailer{
		config:  cfg,
		decoder: decoder,
		rejects: rejects,
		queue:   q,
		stopCh:  make(chan struct{}),
	}
}

// Start opens the log at its current end and begins tailing.
func (t *NginxTailer) Start(ctx context.Context) error {
	if err := t.open(true); err != nil {
		return fmt.Errorf("open access log: %w", err)
	}

	slog.Info("nginx connector started",
		"path", t.config.Path,
		"source", t.config.Source,
		"poll_interval", t.config.PollInterval,
	)

	t.wg.Add(1)
	go t.run(ctx)
	return nil
}

// Stop stops tailing and closes the log file.
func (t *NginxTailer) Stop() {
	close(t.stopCh)
	t.wg.Wait()
	if t.file != nil {
		t.file.Close()
	}
	slog.Info("nginx connector stopped", "lines", t.lines.Load(), "queued", t.queued.Load())
}

func (t *NginxTailer) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.drain()
			t.checkRotation()
		}
	}
}

// open opens the configured path, optionally seeking to the end. The
// previous handle, if any, is closed.
func (t *NginxTailer) open(seekEnd bool) error {
	f, err := os.Open(t.config.Path)
	if err != nil {
		return err
	}

	pos := int64(0)
	if seekEnd {
		pos, err = f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return err
		}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	if t.file != nil {
		t.file.Close()
	}
	t.file = f
	t.reader = bufio.NewReader(f)
	t.info = info
	t.pos = pos
	t.partial.Reset()
	return nil
}

// drain reads every complete line currently available. A trailing
// fragment without a newline is kept for the next round.
func (t *NginxTailer) drain() {
	for {
		chunk, err := t.reader.ReadString('\n')
		t.pos += int64(len(chunk))

		if err != nil {
			// Partial line: keep it until the writer finishes it.
			if chunk != "" {
				t.partial.WriteString(chunk)
			}
			return
		}

		line := chunk
		if t.partial.Len() > 0 {
			line = t.partial.String() + chunk
			t.partial.Reset()
		}
		t.processLine(strings.TrimRight(line, "\r\n"))
	}
}

// checkRotation reopens the file after logrotate moved it aside
// (different file at the same path) or truncated it in place.
func (t *NginxTailer) checkRotation() {
	info, err := os.Stat(t.config.Path)
	if err != nil {
		// Path briefly absent mid-rotation; retry next tick.
		return
	}

	rotated := !os.SameFile(info, t.info)
	truncated := !rotated && info.Size() < t.pos

	if !rotated && !truncated {
		return
	}

	if err := t.open(false); err != nil {
		slog.Error("failed to reopen access log after rotation", "path", t.config.Path, "error", err)
		return
	}
	slog.Info("access log reopened", "path", t.config.Path, "rotated", rotated, "truncated", truncated)
}

func (t *NginxTailer) processLine(line string) {
	if line == "" {
		return
	}
	t.lines.Add(1)

	in, err := parseAccessLine(line, t.config.Source)
	if err != nil {
		t.malformed.Add(1)
		if t.rejects != nil {
			t.rejects.HandleReject(wire.Reject{
				RawLine:   line,
				Transport: "nginx",
				Code:      "malformed_line",
				Errs:      []string{err.Error()},
			})
		}
		return
	}

	event, err := t.decoder.Normalize(in, "")
	if err != nil {
		t.rejected.Add(1)
		if t.rejects != nil {
			t.rejects.HandleReject(wire.NewReject(line, "nginx", "", err))
		}
		return
	}

	if err := t.queue.Push(event); err != nil {
		if t.dropped.Add(1)%100 == 1 {
			slog.Warn("nginx connector dropping events, queue full", "dropped", t.dropped.Load())
		}
		return
	}
	t.queued.Add(1)
}

// parseAccessLine converts one combined-format line into an event input.
func parseAccessLine(line, source string) (*schema.EventInput, error) {
	m := combinedFormat.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("line does not match combined log format")
	}

	status, err := strconv.Atoi(m[5])
	if err != nil {
		return nil, fmt.Errorf("bad status %q: %w", m[5], err)
	}

	severity := severityForStatus(status)
	eventType := eventTypeForStatus(status)
	message := m[4]

	in := &schema.EventInput{
		Source:    &source,
		Severity:  &severity,
		EventType: &eventType,
		Message:   &message,
		SourceIP:  m[1],
		Metadata:  map[string]any{"status": status},
	}

	if ts, err := time.Parse(timeLocalLayout, m[3]); err == nil {
		in.Timestamp = ts
	}
	if m[2] != "-" && m[2] != "" {
		in.Username = m[2]
	}
	if m[6] != "-" {
		if n, err := strconv.Atoi(m[6]); err == nil {
			in.Metadata["bytes"] = n
		}
	}
	if m[7] != "" && m[7] != "-" {
		in.Metadata["referer"] = m[7]
	}
	if m[8] != "" && m[8] != "-" {
		in.UserAgent = m[8]
	}

	return in, nil
}

func eventTypeForStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return "unauthorized_access"
	case status == 429:
		return "rate_limit_exceeded"
	case status >= 500:
		return "server_error"
	default:
		return "http_request"
	}
}

func severityForStatus(status int) string {
	switch {
	case status >= 500:
		return string(schema.SeverityHigh)
	case status == 401 || status == 403 || status == 429:
		return string(schema.SeverityMedium)
	case status >= 400:
		return string(schema.SeverityLow)
	default:
		return string(schema.SeverityInfo)
	}
}

// NginxStats holds tailer counters.
type NginxStats struct {
	Lines     uint64 `json:"lines"`
	Queued    uint64 `json:"queued"`
	Malformed uint64 `json:"malformed"`
	Rejected  uint64 `json:"rejected"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns tailer counters.
func (t *NginxTailer) Stats() NginxStats {
	return NginxStats{
		Lines:     t.lines.Load(),
		Queued:    t.queued.Load(),
		Malformed: t.malformed.Load(),
		Rejected:  t.rejected.Load(),
		Dropped:   t.dropped.Load(),
	}
}
