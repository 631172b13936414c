package s3

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"logwarden/internal/schema"
)

// ArchiverConfig configures the event archiver.
type ArchiverConfig struct {
	// BatchSize is the number of events per archive object.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// FlushInterval is how often to flush incomplete batches.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// StorageClass for archived objects.
	StorageClass string `json:"storage_class" yaml:"storage_class"`

	// PathTemplate for archive keys. Supports {date}, {hour}, {id},
	// {year}, {month}, {day}.
	PathTemplate string `json:"path_template" yaml:"path_template"`

	// UploadTimeout bounds a single object upload.
	UploadTimeout time.Duration `json:"upload_timeout" yaml:"upload_timeout"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		BatchSize:     5000,
		FlushInterval: 5 * time.Minute,
		StorageClass:  "INTELLIGENT_TIERING",
		PathTemplate:  "events/{date}/{hour}/{id}.jsonl.gz",
		UploadTimeout: time.Minute,
	}
}

// EventArchiver buffers events and writes them to S3 as gzip-compressed
// JSON Lines objects. It satisfies consumer.EventWriter so it can run as
// a secondary sink next to ClickHouse; archival is best effort and a
// failed upload drops the batch rather than blocking ingestion.
type EventArchiver struct {
	client *Client
	config *ArchiverConfig
	logger *slog.Logger

	buffer []*schema.Event
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	eventsArchived atomic.Int64
	eventsDropped  atomic.Int64
	objectsWritten atomic.Int64
	bytesWritten   atomic.Int64
}

// NewEventArchiver creates a new EventArchiver.
func NewEventArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *EventArchiver {
	a := &EventArchiver{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]*schema.Event, 0, cfg.BatchSize),
	}
	a.flushTimer = time.AfterFunc(cfg.FlushInterval, a.timerFlush)
	return a
}

// Write adds an event to the archive buffer.
func (a *EventArchiver) Write(event *schema.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("s3: archiver is closed")
	}

	a.buffer = append(a.buffer, event)

	if len(a.buffer) >= a.config.BatchSize {
		return a.flushLocked()
	}
	return nil
}

func (a *EventArchiver) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	if len(a.buffer) > 0 {
		if err := a.flushLocked(); err != nil {
			a.logger.Error("archive timer flush failed", "error", err)
		}
	}

	a.flushTimer.Reset(a.config.FlushInterval)
}

// Flush uploads any buffered events.
func (a *EventArchiver) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

// Close stops the flush timer and uploads the remaining buffer.
func (a *EventArchiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	a.flushTimer.Stop()
	return a.flushLocked()
}

// flushLocked uploads the buffer as a single object. Caller holds mu.
func (a *EventArchiver) flushLocked() error {
	if len(a.buffer) == 0 {
		return nil
	}

	events := a.buffer
	a.buffer = make([]*schema.Event, 0, a.config.BatchSize)

	key := archiveKey(a.config.PathTemplate, time.Now().UTC(), uuid.New().String())

	ctx, cancel := context.WithTimeout(context.Background(), a.config.UploadTimeout)
	defer cancel()

	out, _, err := a.uploadObject(ctx, events, key)
	if err != nil {
		a.eventsDropped.Add(int64(len(events)))
		return err
	}

	a.eventsArchived.Add(int64(len(events)))
	a.objectsWritten.Add(1)
	a.bytesWritten.Add(out.Size)

	a.logger.Debug("archived events",
		"key", out.Key,
		"events", len(events),
		"bytes", out.Size,
	)
	return nil
}

// uploadObject encodes events as gzip JSONL and uploads them under key.
// Returns the upload result and the uncompressed size.
func (a *EventArchiver) uploadObject(ctx context.Context, events []*schema.Event, key string) (*UploadOutput, int, error) {
	data, err := encodeJSONL(events)
	if err != nil {
		return nil, 0, fmt.Errorf("s3: failed to encode archive batch: %w", err)
	}

	compressed, err := gzipBytes(data)
	if err != nil {
		return nil, 0, fmt.Errorf("s3: failed to compress archive batch: %w", err)
	}

	out, err := a.client.Upload(ctx, &UploadInput{
		Key:          key,
		Body:         bytes.NewReader(compressed),
		ContentType:  "application/gzip",
		StorageClass: a.config.StorageClass,
		Metadata: map[string]string{
			"record-count":  fmt.Sprintf("%d", len(events)),
			"original-size": fmt.Sprintf("%d", len(data)),
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("s3: failed to upload archive object: %w", err)
	}
	return out, len(data), nil
}

// ReadObject downloads an archive object and decodes its events.
// The key is relative to the client prefix, as returned by ListObjects.
func (a *EventArchiver) ReadObject(ctx context.Context, key string) ([]*schema.Event, error) {
	out, err := a.client.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	compressed, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to read archive object: %w", err)
	}

	data, err := gunzipBytes(compressed)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to decompress archive object: %w", err)
	}

	return decodeJSONL(data)
}

// ListObjects lists archive objects under the events path, optionally
// restricted to a date in 2006/01/02 form. Keys are returned relative to
// the client prefix so they can be passed back to ReadObject.
func (a *EventArchiver) ListObjects(ctx context.Context, date string) ([]ObjectInfo, error) {
	prefix := "events/"
	if date != "" {
		prefix += date + "/"
	}

	objects, err := a.client.List(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}

	for i := range objects {
		objects[i].Key = strings.TrimPrefix(objects[i].Key, a.client.GetPrefix())
	}
	return objects, nil
}

// ArchiveManifest describes one bulk archive: its time range and the
// object parts holding the events. Stored as JSON next to the parts so
// an archive can be restored or deleted as a unit.
type ArchiveManifest struct {
	ID              string        `json:"archive_id"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	TotalRecords    int64         `json:"total_records"`
	TotalBytes      int64         `json:"total_bytes"`
	CompressedBytes int64         `json:"compressed_bytes"`
	Parts           []ArchivePart `json:"parts"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ArchivePart is one object of a multi-part archive.
type ArchivePart struct {
	PartNumber  int    `json:"part_number"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	RecordCount int64  `json:"record_count"`
}

// Archive uploads events as a set of archive objects plus a manifest.
// Unlike the streaming Write path this is the bulk offload surface,
// used by the periodic archive job and by restore tooling; events are
// split into BatchSize parts and the manifest is written last, so a
// manifest's presence means every part it lists exists.
func (a *EventArchiver) Archive(ctx context.Context, events []*schema.Event) (*ArchiveManifest, error) {
	if len(events) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	manifest := &ArchiveManifest{
		ID:           uuid.New().String(),
		StartTime:    events[0].Timestamp,
		EndTime:      events[0].Timestamp,
		TotalRecords: int64(len(events)),
		Parts:        []ArchivePart{},
		CreatedAt:    now,
	}
	for _, event := range events {
		if event.Timestamp.Before(manifest.StartTime) {
			manifest.StartTime = event.Timestamp
		}
		if event.Timestamp.After(manifest.EndTime) {
			manifest.EndTime = event.Timestamp
		}
	}

	batchSize := a.config.BatchSize
	if batchSize <= 0 {
		batchSize = 5000
	}

	for i := 0; i < len(events); i += batchSize {
		end := min(i+batchSize, len(events))
		partNum := len(manifest.Parts) + 1
		key := archiveKey(a.config.PathTemplate, now,
			fmt.Sprintf("%s-part-%d", manifest.ID, partNum))

		out, originalSize, err := a.uploadObject(ctx, events[i:end], key)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to archive part %d: %w", partNum, err)
		}

		manifest.Parts = append(manifest.Parts, ArchivePart{
			PartNumber:  partNum,
			Key:         key,
			Size:        out.Size,
			RecordCount: int64(end - i),
		})
		manifest.TotalBytes += int64(originalSize)
		manifest.CompressedBytes += out.Size
	}

	if err := a.uploadManifest(ctx, manifest); err != nil {
		return nil, err
	}

	a.eventsArchived.Add(int64(len(events)))
	a.objectsWritten.Add(int64(len(manifest.Parts)))
	a.bytesWritten.Add(manifest.CompressedBytes)

	a.logger.Info("archived events",
		"archive_id", manifest.ID,
		"events", len(events),
		"parts", len(manifest.Parts),
		"bytes", manifest.CompressedBytes,
	)
	return manifest, nil
}

func (a *EventArchiver) uploadManifest(ctx context.Context, manifest *ArchiveManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("s3: failed to marshal manifest: %w", err)
	}

	_, err = a.client.Upload(ctx, &UploadInput{
		Key:         manifestKey(manifest.ID),
		Body:        bytes.NewReader(data),
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("s3: failed to upload manifest: %w", err)
	}
	return nil
}

// GetManifest downloads and parses one archive manifest.
func (a *EventArchiver) GetManifest(ctx context.Context, archiveID string) (*ArchiveManifest, error) {
	out, err := a.client.Download(ctx, manifestKey(archiveID))
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to read manifest: %w", err)
	}

	var manifest ArchiveManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("s3: invalid manifest %s: %w", archiveID, err)
	}
	return &manifest, nil
}

// Restore downloads an archive's manifest and decodes all of its parts,
// in part order.
func (a *EventArchiver) Restore(ctx context.Context, archiveID string) ([]*schema.Event, error) {
	manifest, err := a.GetManifest(ctx, archiveID)
	if err != nil {
		return nil, err
	}

	events := make([]*schema.Event, 0, manifest.TotalRecords)
	for _, part := range manifest.Parts {
		batch, err := a.ReadObject(ctx, part.Key)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to restore part %d: %w", part.PartNumber, err)
		}
		events = append(events, batch...)
	}
	return events, nil
}

// DeleteArchive removes an archive's parts and then its manifest.
func (a *EventArchiver) DeleteArchive(ctx context.Context, archiveID string) error {
	manifest, err := a.GetManifest(ctx, archiveID)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(manifest.Parts)+1)
	for _, part := range manifest.Parts {
		keys = append(keys, part.Key)
	}
	keys = append(keys, manifestKey(archiveID))

	return a.client.DeleteBatch(ctx, keys)
}

// ListManifests lists stored archive manifests, oldest first. Keys are
// relative to the client prefix.
func (a *EventArchiver) ListManifests(ctx context.Context) ([]ObjectInfo, error) {
	objects, err := a.client.List(ctx, "manifests/", 0)
	if err != nil {
		return nil, err
	}

	for i := range objects {
		objects[i].Key = strings.TrimPrefix(objects[i].Key, a.client.GetPrefix())
	}
	return objects, nil
}

func manifestKey(archiveID string) string {
	return "manifests/" + archiveID + ".json"
}

// ArchiverMetrics contains archiver metrics.
type ArchiverMetrics struct {
	EventsArchived int64 `json:"events_archived"`
	EventsDropped  int64 `json:"events_dropped"`
	ObjectsWritten int64 `json:"objects_written"`
	BytesWritten   int64 `json:"bytes_written"`
}

// GetMetrics returns current archiver metrics.
func (a *EventArchiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		EventsArchived: a.eventsArchived.Load(),
		EventsDropped:  a.eventsDropped.Load(),
		ObjectsWritten: a.objectsWritten.Load(),
		BytesWritten:   a.bytesWritten.Load(),
	}
}

// encodeJSONL serializes events as one JSON object per line.
func encodeJSONL(events []*schema.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// decodeJSONL parses one event per non-empty line.
func decodeJSONL(data []byte) ([]*schema.Event, error) {
	var events []*schema.Event

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event schema.Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("s3: invalid archive line: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// archiveKey expands the path template for one archive object.
func archiveKey(template string, t time.Time, id string) string {
	key := template
	key = strings.ReplaceAll(key, "{date}", t.Format("2006/01/02"))
	key = strings.ReplaceAll(key, "{hour}", t.Format("15"))
	key = strings.ReplaceAll(key, "{year}", t.Format("2006"))
	key = strings.ReplaceAll(key, "{month}", t.Format("01"))
	key = strings.ReplaceAll(key, "{day}", t.Format("02"))
	key = strings.ReplaceAll(key, "{id}", id)
	return key
}
