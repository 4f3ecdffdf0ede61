package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"

	// checkpointPath records the highest archived event sequence number.
	checkpointPath = "archive/events/checkpoint.json"

	defaultBatchSize = 5000

	// multipartThreshold switches batch uploads to the multipart uploader.
	multipartThreshold = 8 * 1024 * 1024
)

// EventSource reads committed events from the ledger.
type EventSource interface {
	Events(ctx context.Context, q domain.EventQuery) ([]domain.Event, error)
}

type checkpoint struct {
	LastSeq    uint64    `json:"last_seq"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastObject string    `json:"last_object,omitempty"`
}

// EventArchiver copies the event log to object storage in JSONL batches.
// The ledger is never modified; a checkpoint object tracks progress so
// repeated runs only export new events.
type EventArchiver struct {
	events    EventSource
	writer    domain.BlobWriter
	reader    domain.BlobReader
	audit     domain.AuditStore
	batchSize int
	logger    *slog.Logger
}

// NewEventArchiver creates an EventArchiver. audit may be nil.
func NewEventArchiver(events EventSource, writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, logger *slog.Logger) *EventArchiver {
	return &EventArchiver{
		events:    events,
		writer:    writer,
		reader:    reader,
		audit:     audit,
		batchSize: defaultBatchSize,
		logger:    logger.With(slog.String("component", "event_archiver")),
	}
}

// WithBatchSize overrides the number of events per archive object.
func (a *EventArchiver) WithBatchSize(n int) *EventArchiver {
	if n > 0 {
		a.batchSize = n
	}
	return a
}

// ArchiveEvents exports events in Seq order after the checkpoint and
// returns how many were written. The run stops at the first event stamped
// at or after the cutoff. Seq and Timestamp orders can disagree, so the
// checkpoint never moves past an event that was not exported.
func (a *EventArchiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	cp, err := a.loadCheckpoint(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for {
		page, err := a.events.Events(ctx, domain.EventQuery{
			AfterSeq: cp.LastSeq,
			Limit:    a.batchSize,
		})
		if err != nil {
			return total, fmt.Errorf("s3blob: archive events: read: %w", err)
		}
		batch := eventsBefore(page, before)
		if len(batch) == 0 {
			break
		}

		path := batchPath(batch)
		if err := a.upload(ctx, path, batch); err != nil {
			return total, err
		}

		cp = checkpoint{
			LastSeq:    batch[len(batch)-1].Seq,
			UpdatedAt:  time.Now().UTC(),
			LastObject: path,
		}
		if err := a.saveCheckpoint(ctx, cp); err != nil {
			return total, err
		}
		total += int64(len(batch))

		a.logger.InfoContext(ctx, "archived event batch",
			slog.String("path", path),
			slog.Int("count", len(batch)),
			slog.Uint64("last_seq", cp.LastSeq),
		)
		if a.audit != nil {
			detail := map[string]any{
				"path":      path,
				"count":     len(batch),
				"first_seq": batch[0].Seq,
				"last_seq":  cp.LastSeq,
			}
			if err := a.audit.Log(ctx, "archive.events", detail); err != nil {
				a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
			}
		}

		if len(batch) < len(page) || len(page) < a.batchSize {
			break
		}
	}
	return total, nil
}

// eventsBefore returns the leading run of page stamped before cutoff.
func eventsBefore(page []domain.Event, cutoff time.Time) []domain.Event {
	for i, e := range page {
		if !e.Timestamp.Before(cutoff) {
			return page[:i]
		}
	}
	return page
}

func (a *EventArchiver) upload(ctx context.Context, path string, batch []domain.Event) error {
	data, err := marshalJSONL(batch)
	if err != nil {
		return fmt.Errorf("s3blob: archive events: %w", err)
	}
	if len(data) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(data), jsonlContentType)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive events: %w", err)
	}
	return nil
}

func (a *EventArchiver) loadCheckpoint(ctx context.Context) (checkpoint, error) {
	var cp checkpoint
	rc, err := a.reader.Get(ctx, checkpointPath)
	if errors.Is(err, domain.ErrNotFound) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("s3blob: load checkpoint: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return cp, fmt.Errorf("s3blob: load checkpoint: %w", err)
	}
	if err := json.Unmarshal(raw, &cp); err != nil {
		return cp, fmt.Errorf("s3blob: decode checkpoint: %w", err)
	}
	return cp, nil
}

func (a *EventArchiver) saveCheckpoint(ctx context.Context, cp checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("s3blob: encode checkpoint: %w", err)
	}
	if err := a.writer.Put(ctx, checkpointPath, bytes.NewReader(raw), "application/json"); err != nil {
		return fmt.Errorf("s3blob: save checkpoint: %w", err)
	}
	return nil
}

// batchPath is "archive/events/YYYY-MM/<first>-<last>.jsonl", with the
// month taken from the first event in the batch.
func batchPath(batch []domain.Event) string {
	first, last := batch[0], batch[len(batch)-1]
	return fmt.Sprintf("archive/events/%s/%012d-%012d.jsonl",
		first.Timestamp.UTC().Format("2006-01"), first.Seq, last.Seq)
}

func marshalJSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range items {
		if err := enc.Encode(items[i]); err != nil {
			return nil, fmt.Errorf("marshal jsonl item %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*EventArchiver)(nil)
