package consumer

import (
	"log/slog"

	"logwarden/internal/schema"
)

// MultiWriter writes each event to a primary writer and any number of
// best-effort secondary writers. The primary's error is returned;
// secondary failures (such as an unreachable archive bucket) are logged
// so they never block ingestion.
type MultiWriter struct {
	primary     EventWriter
	secondaries []EventWriter
}

// NewMultiWriter creates a MultiWriter.
func NewMultiWriter(primary EventWriter, secondaries ...EventWriter) *MultiWriter {
	return &MultiWriter{primary: primary, secondaries: secondaries}
}

// Write writes the event to every writer.
func (mw *MultiWriter) Write(event *schema.Event) error {
	err := mw.primary.Write(event)
	for _, w := range mw.secondaries {
		if serr := w.Write(event); serr != nil {
			slog.Warn("secondary writer failed", "error", serr)
		}
	}
	return err
}

// Flush flushes every writer.
func (mw *MultiWriter) Flush() error {
	err := mw.primary.Flush()
	for _, w := range mw.secondaries {
		if serr := w.Flush(); serr != nil {
			slog.Warn("secondary writer flush failed", "error", serr)
		}
	}
	return err
}
