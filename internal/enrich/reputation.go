// Package enrich annotates stored events with reputation context. It
// only ever adds metadata; the classifier's verdict is never modified.
package enrich

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"logwarden/internal/schema"
)

// MetadataKey is the metadata field a reputation match sets.
const MetadataKey = "ip_reputation"

// Config configures the IP-reputation annotator.
type Config struct {
	FeedFile        string
	RefreshInterval time.Duration
}

// DefaultConfig returns the default annotator configuration.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: time.Hour,
	}
}

// Internet-wide survey scanners with published source ranges. Feed
// entries are layered on top of these.
var builtinRanges = []struct {
	cidr  string
	label string
}{
	{"162.142.125.0/24", "scanner:censys"},
	{"167.94.138.0/24", "scanner:censys"},
	{"167.94.145.0/24", "scanner:censys"},
	{"167.94.146.0/24", "scanner:censys"},
	{"167.248.133.0/24", "scanner:censys"},
	{"74.120.14.0/24", "scanner:censys"},
	{"71.6.128.0/17", "scanner:shodan"},
	{"198.20.64.0/18", "scanner:shodan"},
	{"192.35.168.0/23", "scanner:research"},
}

type labeledPrefix struct {
	prefix netip.Prefix
	label  string
}

// IPReputation flags events whose source address belongs to a known
// scanner or denylisted range.
type IPReputation struct {
	config Config

	mu        sync.RWMutex
	exact     map[netip.Addr]string
	prefixes  []labeledPrefix
	feedCount int
	loadedAt  time.Time

	checked atomic.Uint64
	matched atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an annotator seeded with the built-in ranges and, when
// configured, the feed file.
func New(config Config) (*IPReputation, error) {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = time.Hour
	}

	r := &IPReputation{
		config: config,
		stopCh: make(chan struct{}),
	}

	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Start launches the periodic feed refresh. A missing feed file makes
// refresh a no-op, so Start is safe to call unconditionally.
func (r *IPReputation) Start(ctx context.Context) {
	if r.config.FeedFile == "" {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.config.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if err := r.reload(); err != nil {
					slog.Error("ip reputation feed refresh failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the refresh loop.
func (r *IPReputation) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// reload rebuilds the lookup sets from the built-ins plus the feed file
// and swaps them in atomically. A feed read error keeps the old data.
func (r *IPReputation) reload() error {
	exact := make(map[netip.Addr]string)
	var prefixes []labeledPrefix

	for _, b := range builtinRanges {
		prefix, err := netip.ParsePrefix(b.cidr)
		if err != nil {
			return fmt.Errorf("built-in range %q: %w", b.cidr, err)
		}
		prefixes = append(prefixes, labeledPrefix{prefix: prefix, label: b.label})
	}

	feedCount := 0
	if r.config.FeedFile != "" {
		n, err := loadFeed(r.config.FeedFile, exact, &prefixes)
		if err != nil {
			return fmt.Errorf("load feed %s: %w", r.config.FeedFile, err)
		}
		feedCount = n
	}

	r.mu.Lock()
	r.exact = exact
	r.prefixes = prefixes
	r.feedCount = feedCount
	r.loadedAt = time.Now()
	r.mu.Unlock()

	slog.Info("ip reputation data loaded",
		"exact", len(exact),
		"ranges", len(prefixes),
		"feed_entries", feedCount,
	)
	return nil
}

// loadFeed reads one entry per line: an IP or CIDR, optionally followed
// by a label. Blank lines and # comments are skipped; malformed lines
// are logged and skipped rather than failing the whole feed.
func loadFeed(path string, exact map[netip.Addr]string, prefixes *[]labeledPrefix) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, label, _ := strings.Cut(line, " ")
		label = strings.TrimSpace(label)
		if label == "" {
			label = "denylisted"
		}

		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				slog.Warn("skipping malformed feed line", "file", path, "line", lineNo, "error", err)
				continue
			}
			*prefixes = append(*prefixes, labeledPrefix{prefix: prefix, label: label})
		} else {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				slog.Warn("skipping malformed feed line", "file", path, "line", lineNo, "error", err)
				continue
			}
			exact[addr.Unmap()] = label
		}
		count++
	}

	return count, scanner.Err()
}

// Lookup reports the reputation label for an address, if any.
func (r *IPReputation) Lookup(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if label, ok := r.exact[addr]; ok {
		return label, true
	}
	for _, p := range r.prefixes {
		if p.prefix.Contains(addr) {
			return p.label, true
		}
	}
	return "", false
}

// Enrich adds the ip_reputation metadata field when the event's source
// address is known. Classification fields are left untouched.
func (r *IPReputation) Enrich(event *schema.Event) {
	if event == nil || event.SourceIP == "" {
		return
	}

	r.checked.Add(1)
	label, ok := r.Lookup(event.SourceIP)
	if !ok {
		return
	}
	r.matched.Add(1)

	if event.Metadata == nil {
		event.Metadata = make(map[string]any, 1)
	}
	event.Metadata[MetadataKey] = label
}

// Stats returns annotator counters.
func (r *IPReputation) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]any{
		"checked":      r.checked.Load(),
		"matched":      r.matched.Load(),
		"exact":        len(r.exact),
		"ranges":       len(r.prefixes),
		"feed_entries": r.feedCount,
		"loaded_at":    r.loadedAt,
	}
}
