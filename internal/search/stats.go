package search

import (
	"context"
	"time"

	"logwarden/internal/storage"
)

// StatsCollector reports storage-side statistics for the stats API.
// Individual queries are best effort so a partially broken table does
// not blank the whole section.
type StatsCollector struct {
	client    *storage.ClickHouseClient
	retention *storage.RetentionManager
}

// NewStatsCollector returns a collector over the given client. The
// retention manager is optional and adds partition details when set.
func NewStatsCollector(client *storage.ClickHouseClient, retention *storage.RetentionManager) *StatsCollector {
	return &StatsCollector{client: client, retention: retention}
}

// Stats returns stored event totals, a recent hourly timeline, and
// quarantine and partition figures.
func (s *StatsCollector) Stats(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db := s.client.DB()

	var stored, anomalies uint64
	err := db.QueryRowContext(ctx,
		"SELECT count(), countIf(is_anomaly) FROM log_events",
	).Scan(&stored, &anomalies)
	if err != nil {
		return nil, err
	}

	stats := map[string]any{
		"stored_events":    stored,
		"stored_anomalies": anomalies,
	}

	if bySeverity, err := s.severityCounts(ctx); err == nil {
		stats["by_severity"] = bySeverity
	}
	if timeline, err := s.hourlyTimeline(ctx); err == nil {
		stats["timeline"] = timeline
	}
	if quarantined, err := s.quarantineCount(ctx); err == nil {
		stats["quarantined"] = quarantined
	}
	if s.retention != nil {
		if parts, err := s.retention.GetPartitions(ctx, "log_events"); err == nil {
			var rows, bytes uint64
			for _, p := range parts {
				rows += p.Rows
				bytes += p.BytesOnDisk
			}
			stats["partitions"] = map[string]any{
				"count":         len(parts),
				"rows":          rows,
				"bytes_on_disk": bytes,
			}
		}
	}

	return stats, nil
}

func (s *StatsCollector) severityCounts(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		"SELECT severity, sum(events) FROM log_events_hourly GROUP BY severity",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var severity string
		var n uint64
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, err
		}
		counts[severity] = n
	}
	return counts, rows.Err()
}

// hourlyTimeline reads the last day from the hourly rollup rather than
// scanning the raw table.
func (s *StatsCollector) hourlyTimeline(ctx context.Context) ([]map[string]any, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT hour, sum(events) AS events, sum(anomalies) AS anomalies
		FROM log_events_hourly
		WHERE hour >= now() - INTERVAL 24 HOUR
		GROUP BY hour
		ORDER BY hour
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timeline []map[string]any
	for rows.Next() {
		var hour time.Time
		var events, anomalies uint64
		if err := rows.Scan(&hour, &events, &anomalies); err != nil {
			return nil, err
		}
		timeline = append(timeline, map[string]any{
			"hour":      hour.UTC().Format(time.RFC3339),
			"events":    events,
			"anomalies": anomalies,
		})
	}
	return timeline, rows.Err()
}

func (s *StatsCollector) quarantineCount(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.client.DB().QueryRowContext(ctx,
		"SELECT count() FROM log_events_quarantine",
	).Scan(&n)
	return n, err
}
