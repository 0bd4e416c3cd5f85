package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riverwatch/internal/db"
	"riverwatch/internal/types"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type nopLogger struct{}

func (nopLogger) Info(string, ...any)          {}
func (nopLogger) Error(string, ...any)         {}
func (nopLogger) Warn(string, ...any)          {}
func (nopLogger) With(...any) types.Logger     { return nopLogger{} }

// fakeStore serves pre-canned batches and records deletions.
type fakeStore struct {
	batches [][]db.EvidenceRow
	calls   int
	deleted [][]string
	listErr error
	delErr  error
}

func (s *fakeStore) ListArchivable(_ context.Context, _ time.Time, _ int) ([]db.EvidenceRow, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if s.calls >= len(s.batches) {
		return nil, nil
	}
	batch := s.batches[s.calls]
	s.calls++
	return batch, nil
}

func (s *fakeStore) DeleteArchived(_ context.Context, ids []string) error {
	if s.delErr != nil {
		return s.delErr
	}
	s.deleted = append(s.deleted, ids)
	return nil
}

func evidenceRow(alertID string, status types.DeliveryStatus) db.EvidenceRow {
	return db.EvidenceRow{
		AlertID:          alertID,
		DischargePointID: "outfall-1",
		RiskBand:         types.BandHigh,
		Status:           status,
		AttemptCount:     2,
		Payload:          []byte(`{"alert_id":"` + alertID + `","risk_band":"HIGH"}`),
		TraceID:          "trace-1",
		CreatedAt:        time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
		DeliveredAt:      time.Date(2026, 1, 15, 9, 0, 2, 0, time.UTC),
	}
}

// readSegment decompresses a segment file and returns its records.
func readSegment(t *testing.T, path string) []segmentRecord {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	var records []segmentRecord
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		var rec segmentRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	return records
}

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "alerts-*.jsonl.zst"))
	require.NoError(t, err)
	return matches
}

func TestArchiver_Run_WritesSegmentAndDeletes(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{
		batches: [][]db.EvidenceRow{
			{evidenceRow("alr_a", types.DeliveryStatusSent), evidenceRow("alr_b", types.DeliveryStatusFailed)},
		},
	}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	a := NewArchiver(store, dir, 30*24*time.Hour, nopLogger{}, clock)

	count, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	files := segmentFiles(t, dir)
	require.Len(t, files, 1)

	records := readSegment(t, files[0])
	require.Len(t, records, 2)
	assert.Equal(t, "alr_a", records[0].AlertID)
	assert.Equal(t, "sent", records[0].Status)
	assert.Equal(t, 2, records[0].AttemptCount)
	require.NotNil(t, records[0].DeliveredAt)
	assert.Equal(t, time.Date(2026, 1, 15, 9, 0, 2, 0, time.UTC), records[0].DeliveredAt.UTC())
	assert.Equal(t, "alr_b", records[1].AlertID)
	assert.Equal(t, "failed", records[1].Status)

	// The embedded payload survives verbatim.
	var alert map[string]any
	require.NoError(t, json.Unmarshal(records[0].Alert, &alert))
	assert.Equal(t, "alr_a", alert["alert_id"])
	assert.Equal(t, "HIGH", alert["risk_band"])

	require.Len(t, store.deleted, 1)
	assert.Equal(t, []string{"alr_a", "alr_b"}, store.deleted[0])
}

func TestArchiver_Run_NothingEligible(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{}
	a := NewArchiver(store, dir, 30*24*time.Hour, nopLogger{}, &fixedClock{now: time.Now().UTC()})

	count, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, segmentFiles(t, dir))
	assert.Empty(t, store.deleted)
}

func TestArchiver_Run_DrainsMultipleBatches(t *testing.T) {
	dir := t.TempDir()

	full := make([]db.EvidenceRow, DefaultBatchSize)
	for i := range full {
		full[i] = evidenceRow(fmt.Sprintf("alr_outfall-1_%d", i), types.DeliveryStatusSent)
	}
	store := &fakeStore{
		batches: [][]db.EvidenceRow{
			full,
			{evidenceRow("alr_tail", types.DeliveryStatusSent)},
		},
	}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	a := NewArchiver(store, dir, 30*24*time.Hour, nopLogger{}, clock)

	count, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize+1, count)
	assert.Len(t, store.deleted, 2)
}

func TestArchiver_Run_DeleteFailureKeepsSegment(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{
		batches: [][]db.EvidenceRow{{evidenceRow("alr_a", types.DeliveryStatusSent)}},
		delErr:  errors.New("db down"),
	}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	a := NewArchiver(store, dir, 30*24*time.Hour, nopLogger{}, clock)

	count, err := a.Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, count)

	// The segment stays on disk for the re-run to supersede.
	assert.Len(t, segmentFiles(t, dir), 1)
}

func TestArchiver_Run_ListFailure(t *testing.T) {
	store := &fakeStore{listErr: errors.New("timeout")}
	a := NewArchiver(store, t.TempDir(), time.Hour, nopLogger{}, &fixedClock{now: time.Now().UTC()})

	_, err := a.Run(context.Background())
	require.Error(t, err)
}

func TestArchiver_Run_ContextCancelled(t *testing.T) {
	store := &fakeStore{
		batches: [][]db.EvidenceRow{{evidenceRow("alr_a", types.DeliveryStatusSent)}},
	}
	a := NewArchiver(store, t.TempDir(), time.Hour, nopLogger{}, &fixedClock{now: time.Now().UTC()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
