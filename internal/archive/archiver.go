// Package archive compacts settled alert evidence into compressed JSONL
// segment files. Rows older than the retention window are drained from the
// database in batches, written to a zstd-compressed segment, and deleted
// only after the segment is durably on disk.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"riverwatch/internal/db"
	"riverwatch/internal/types"
)

// DefaultBatchSize is the number of evidence rows drained per segment.
const DefaultBatchSize = 500

// EvidenceStore is the subset of the evidence repository the archiver needs.
type EvidenceStore interface {
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]db.EvidenceRow, error)
	DeleteArchived(ctx context.Context, alertIDs []string) error
}

// segmentRecord is one line in an archive segment: the original alert
// payload plus its final delivery outcome.
type segmentRecord struct {
	AlertID       string          `json:"alert_id"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	TraceID       string          `json:"trace_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Alert         json.RawMessage `json:"alert"`
}

// Archiver drains settled alerts into segment files under a local directory.
type Archiver struct {
	store     EvidenceStore
	dir       string
	retention time.Duration
	batchSize int
	logger    types.Logger
	clock     types.Clock
	seq       int
}

// NewArchiver creates an archiver writing segments to dir. Alerts older than
// retention are eligible.
func NewArchiver(store EvidenceStore, dir string, retention time.Duration, logger types.Logger, clock types.Clock) *Archiver {
	return &Archiver{
		store:     store,
		dir:       dir,
		retention: retention,
		batchSize: DefaultBatchSize,
		logger:    logger,
		clock:     clock,
	}
}

// Run archives all eligible rows, one segment per batch, until the store
// returns fewer rows than the batch size. Returns the total number of alerts
// archived.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	cutoff := a.clock.Now().Add(-a.retention)
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		rows, err := a.store.ListArchivable(ctx, cutoff, a.batchSize)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}

		path, err := a.writeSegment(rows)
		if err != nil {
			return total, err
		}

		ids := make([]string, len(rows))
		for i, row := range rows {
			ids[i] = row.AlertID
		}
		if err := a.store.DeleteArchived(ctx, ids); err != nil {
			// The segment is already on disk. A re-run re-archives the same
			// rows into a new segment, which duplicates lines but loses
			// nothing.
			return total, err
		}

		a.logger.Info("archive segment written",
			"path", path,
			"alerts", len(rows),
			"cutoff", cutoff.Format(time.RFC3339),
		)
		total += len(rows)

		if len(rows) < a.batchSize {
			return total, nil
		}
	}
}

// writeSegment writes one batch to a zstd-compressed JSONL file. The file is
// written under a temporary name and renamed into place so readers never see
// a partial segment.
func (a *Archiver) writeSegment(rows []db.EvidenceRow) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}

	// The sequence suffix keeps filenames unique when several batches drain
	// within one clock tick.
	a.seq++
	name := fmt.Sprintf("alerts-%s-%04d.jsonl.zst", a.clock.Now().Format("20060102T150405"), a.seq)
	finalPath := filepath.Join(a.dir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating segment file: %w", err)
	}

	if err := a.encodeRows(f, rows); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing segment file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing segment file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming segment file: %w", err)
	}
	return finalPath, nil
}

func (a *Archiver) encodeRows(f *os.File, rows []db.EvidenceRow) error {
	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}

	enc := json.NewEncoder(zw)
	for _, row := range rows {
		rec := segmentRecord{
			AlertID:       row.AlertID,
			Status:        string(row.Status),
			AttemptCount:  row.AttemptCount,
			TraceID:       row.TraceID,
			CreatedAt:     row.CreatedAt,
			FailureReason: row.FailureReason,
			Alert:         json.RawMessage(row.Payload),
		}
		if !row.DeliveredAt.IsZero() && row.DeliveredAt.Unix() > 0 {
			t := row.DeliveredAt
			rec.DeliveredAt = &t
		}
		if err := enc.Encode(rec); err != nil {
			zw.Close()
			return fmt.Errorf("encoding archive record %s: %w", row.AlertID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flushing zstd stream: %w", err)
	}
	return nil
}
