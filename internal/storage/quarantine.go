package storage

import (
	"context"

	"github.com/google/uuid"
)

// QuarantineEntry is a raw line that failed parsing or validation on a
// line transport, parked for operator inspection.
type QuarantineEntry struct {
	RawLine          string
	Transport        string // "tcp", "dtls", "nginx", "pull"
	RemoteAddr       string
	ValidationErrors []string
	ErrorCode        string
}

// QuarantineWriter writes rejected raw lines to the quarantine table.
type QuarantineWriter struct {
	client *ClickHouseClient
}

// NewQuarantineWriter creates a new QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client}
}

const tableQuarantine = "log_events_quarantine"

// Write stores a single quarantine entry.
func (qw *QuarantineWriter) Write(ctx context.Context, entry *QuarantineEntry) error {
	query := `
		INSERT INTO log_events_quarantine (
			quarantine_id, raw_line, transport, remote_addr,
			validation_errors, error_code
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	errs := entry.ValidationErrors
	if errs == nil {
		errs = []string{}
	}

	err := qw.client.Exec(ctx, query,
		uuid.New(),
		entry.RawLine,
		entry.Transport,
		entry.RemoteAddr,
		errs,
		entry.ErrorCode,
	)
	if err != nil {
		return WrapQueryError("Write", tableQuarantine, err)
	}
	return nil
}

// WriteBatch stores multiple quarantine entries.
func (qw *QuarantineWriter) WriteBatch(ctx context.Context, entries []*QuarantineEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := qw.client.PrepareBatch(ctx, `
		INSERT INTO log_events_quarantine (
			quarantine_id, raw_line, transport, remote_addr,
			validation_errors, error_code
		)
	`)
	if err != nil {
		return WrapQueryError("PrepareBatch", tableQuarantine, err)
	}

	for _, entry := range entries {
		errs := entry.ValidationErrors
		if errs == nil {
			errs = []string{}
		}

		err := batch.Append(
			uuid.New(),
			entry.RawLine,
			entry.Transport,
			entry.RemoteAddr,
			errs,
			entry.ErrorCode,
		)
		if err != nil {
			return WrapQueryError("Append", tableQuarantine, err)
		}
	}

	if err := batch.Send(); err != nil {
		return WrapQueryError("Send", tableQuarantine, err)
	}

	return nil
}

// Count returns the number of quarantined lines.
func (qw *QuarantineWriter) Count(ctx context.Context) (uint64, error) {
	query := "SELECT count() FROM log_events_quarantine"

	rows, err := qw.client.Query(ctx, query)
	if err != nil {
		return 0, WrapQueryError("Count", tableQuarantine, err)
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, WrapQueryError("Count", tableQuarantine, err)
		}
	}

	return count, nil
}
