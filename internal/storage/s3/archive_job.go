package s3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"logwarden/internal/schema"
)

// ArchiveJobConfig configures the periodic archive job.
type ArchiveJobConfig struct {
	// OlderThan is the age an event must reach before it is archived.
	OlderThan time.Duration `json:"older_than" yaml:"older_than"`

	// Interval between runs.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// BatchLimit caps the rows read per run.
	BatchLimit int `json:"batch_limit" yaml:"batch_limit"`
}

// DefaultArchiveJobConfig returns default archive job configuration.
func DefaultArchiveJobConfig() ArchiveJobConfig {
	return ArchiveJobConfig{
		OlderThan:  30 * 24 * time.Hour,
		Interval:   time.Hour,
		BatchLimit: 50000,
	}
}

// ArchiveJob periodically offloads events older than a cutoff from
// ClickHouse into manifest-backed archives. A timestamp cursor makes
// each run pick up where the last stopped; on a fresh start the cursor
// resumes from the newest manifest's end time. Rows are copied, never
// deleted; retention owns deletion.
type ArchiveJob struct {
	db       *sql.DB
	archiver *EventArchiver
	config   ArchiveJobConfig
	logger   *slog.Logger

	cursor  time.Time
	resumed bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	runs         atomic.Int64
	rowsArchived atomic.Int64
}

// NewArchiveJob creates an archive job reading from db and writing
// through archiver.
func NewArchiveJob(db *sql.DB, archiver *EventArchiver, cfg ArchiveJobConfig, logger *slog.Logger) *ArchiveJob {
	if cfg.OlderThan <= 0 {
		cfg.OlderThan = 30 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50000
	}
	return &ArchiveJob{
		db:       db,
		archiver: archiver,
		config:   cfg,
		logger:   logger,
		// DateTime64 cannot hold the zero time.Time, so the epoch is
		// the unarchived floor.
		cursor: time.Unix(0, 0).UTC(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the job loop. The first run happens after one full
// interval so startup is not dominated by archival.
func (j *ArchiveJob) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.run(ctx)

	j.logger.Info("archive job started",
		"older_than", j.config.OlderThan,
		"interval", j.config.Interval,
	)
}

// Stop terminates the loop and waits for an in-flight run.
func (j *ArchiveJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

func (j *ArchiveJob) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil {
				j.logger.Error("archive run failed", "error", err)
			}
		}
	}
}

// RunOnce archives one batch of due events and advances the cursor.
func (j *ArchiveJob) RunOnce(ctx context.Context) error {
	if !j.resumed {
		j.resumeCursor(ctx)
		j.resumed = true
	}

	cutoff := time.Now().UTC().Add(-j.config.OlderThan)
	if !cutoff.After(j.cursor) {
		return nil
	}

	events, err := j.fetchDue(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	manifest, err := j.archiver.Archive(ctx, events)
	if err != nil {
		return err
	}

	// Rows sharing the final millisecond past the batch limit are
	// skipped; ORDER BY timestamp keeps that window to exact ties.
	j.cursor = events[len(events)-1].Timestamp

	j.runs.Add(1)
	j.rowsArchived.Add(int64(len(events)))

	j.logger.Info("archive run complete",
		"archive_id", manifest.ID,
		"events", len(events),
		"cursor", j.cursor,
	)
	return nil
}

// resumeCursor positions the cursor after the newest existing archive
// so a restart does not re-archive covered rows.
func (j *ArchiveJob) resumeCursor(ctx context.Context) {
	manifests, err := j.archiver.ListManifests(ctx)
	if err != nil || len(manifests) == 0 {
		return
	}

	newest := manifests[0]
	for _, obj := range manifests[1:] {
		if obj.LastModified.After(newest.LastModified) {
			newest = obj
		}
	}

	id := strings.TrimSuffix(strings.TrimPrefix(newest.Key, "manifests/"), ".json")
	manifest, err := j.archiver.GetManifest(ctx, id)
	if err != nil {
		j.logger.Warn("failed to read newest manifest, archiving from the epoch", "error", err)
		return
	}

	j.cursor = manifest.EndTime
	j.logger.Info("archive cursor resumed",
		"cursor", j.cursor,
		"archive_id", manifest.ID,
	)
}

func (j *ArchiveJob) fetchDue(ctx context.Context, cutoff time.Time) ([]*schema.Event, error) {
	query := fmt.Sprintf(`SELECT id, timestamp, received_at, source, severity, event_type,
		message, user_agent, source_ip, destination_ip, username, metadata,
		anomaly_score, is_anomaly, detected_attacks, risk_factors
		FROM log_events
		WHERE timestamp > ? AND timestamp < ?
		ORDER BY timestamp
		LIMIT %d`, j.config.BatchLimit)

	rows, err := j.db.QueryContext(ctx, query, j.cursor, cutoff)
	if err != nil {
		return nil, fmt.Errorf("s3: archive query failed: %w", err)
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("s3: archive row scan failed: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEventRow(rows *sql.Rows) (*schema.Event, error) {
	var (
		event    schema.Event
		idStr    string
		severity string
		metaJSON string
	)

	err := rows.Scan(
		&idStr, &event.Timestamp, &event.ReceivedAt, &event.Source, &severity,
		&event.EventType, &event.Message, &event.UserAgent, &event.SourceIP,
		&event.DestinationIP, &event.Username, &metaJSON, &event.AnomalyScore,
		&event.IsAnomaly, &event.DetectedAttacks, &event.RiskFactors,
	)
	if err != nil {
		return nil, err
	}

	if id, err := uuid.Parse(idStr); err == nil {
		event.ID = id
	}
	event.Severity = schema.Severity(severity)
	if metaJSON != "" && metaJSON != "{}" {
		_ = json.Unmarshal([]byte(metaJSON), &event.Metadata)
	}
	return &event, nil
}

// ArchiveJobMetrics contains archive job counters.
type ArchiveJobMetrics struct {
	Runs         int64 `json:"runs"`
	RowsArchived int64 `json:"rows_archived"`
}

// Metrics returns current job counters.
func (j *ArchiveJob) Metrics() ArchiveJobMetrics {
	return ArchiveJobMetrics{
		Runs:         j.runs.Load(),
		RowsArchived: j.rowsArchived.Load(),
	}
}
