package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds configurable TTL settings for storage tables.
type RetentionConfig struct {
	EventsTTL     time.Duration `yaml:"events_ttl"`
	QuarantineTTL time.Duration `yaml:"quarantine_ttl"`
}

// DefaultRetentionConfig returns the default retention periods.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		EventsTTL:     90 * 24 * time.Hour,
		QuarantineTTL: 14 * 24 * time.Hour,
	}
}

// RetentionManager applies and manages data retention policies.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig) *RetentionManager {
	return &RetentionManager{
		client: client,
		config: config,
	}
}

// ApplyTTLs updates TTL settings on storage tables to match the
// configured retention periods. Call after migrations have run.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	type tablePolicy struct {
		table  string
		column string
		ttl    time.Duration
	}

	policies := []tablePolicy{
		{TableEvents, "timestamp", r.config.EventsTTL},
		{"log_events_quarantine", "quarantined_at", r.config.QuarantineTTL},
	}

	for _, p := range policies {
		if p.ttl <= 0 {
			continue
		}

		days := int(p.ttl.Hours() / 24)
		if days < 1 {
			days = 1
		}

		query := fmt.Sprintf(
			"ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
			p.table, p.column, days,
		)

		if err := r.client.Exec(ctx, query); err != nil {
			slog.Warn("failed to apply TTL policy",
				"table", p.table,
				"ttl_days", days,
				"error", err,
			)
			// A missing table should not fail startup.
			continue
		}

		slog.Info("applied retention policy",
			"table", p.table,
			"ttl_days", days,
		)
	}

	return nil
}

// GetPartitions returns the active partitions for a table.
func (r *RetentionManager) GetPartitions(ctx context.Context, table string) ([]PartitionInfo, error) {
	query := `
		SELECT
			partition,
			name,
			rows,
			bytes_on_disk,
			min_time,
			max_time
		FROM system.parts
		WHERE table = ? AND active = 1
		ORDER BY partition
	`

	rows, err := r.client.Query(ctx, query, table)
	if err != nil {
		return nil, WrapQueryError("GetPartitions", table, err)
	}
	defer rows.Close()

	var partitions []PartitionInfo
	for rows.Next() {
		var p PartitionInfo
		if err := rows.Scan(&p.Partition, &p.Name, &p.Rows, &p.BytesOnDisk, &p.MinTime, &p.MaxTime); err != nil {
			return nil, WrapQueryError("GetPartitions", table, err)
		}
		partitions = append(partitions, p)
	}

	return partitions, nil
}

// DropPartition drops a specific partition from a table.
func (r *RetentionManager) DropPartition(ctx context.Context, table, partition string) error {
	query := fmt.Sprintf("ALTER TABLE %s DROP PARTITION '%s'",
		sanitizeTableName(table), partition)

	if err := r.client.Exec(ctx, query); err != nil {
		return WrapQueryError("DropPartition", table, err)
	}

	slog.Info("dropped partition", "table", table, "partition", partition)
	return nil
}

// PartitionInfo holds information about a table partition.
type PartitionInfo struct {
	Partition   string    `json:"partition"`
	Name        string    `json:"name"`
	Rows        uint64    `json:"rows"`
	BytesOnDisk uint64    `json:"bytes_on_disk"`
	MinTime     time.Time `json:"min_time"`
	MaxTime     time.Time `json:"max_time"`
}

// sanitizeTableName strips everything but [A-Za-z0-9_].
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
