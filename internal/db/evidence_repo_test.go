package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"riverwatch/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Rows ---

// evidenceMockRows implements pgx.Rows for ListArchivable queries. Column
// order matches the SELECT in ListArchivable.
type evidenceMockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newEvidenceMockRows(data [][]any) *evidenceMockRows {
	return &evidenceMockRows{data: data, idx: -1}
}

func (r *evidenceMockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *evidenceMockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *int:
			*v = row[i].(int)
		case *[]byte:
			*v = row[i].([]byte)
		case *time.Time:
			*v = row[i].(time.Time)
		}
	}
	return nil
}

func (r *evidenceMockRows) Close()                                       { r.closed = true }
func (r *evidenceMockRows) Err() error                                   { return r.errVal }
func (r *evidenceMockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *evidenceMockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *evidenceMockRows) RawValues() [][]byte                          { return nil }
func (r *evidenceMockRows) Values() ([]any, error)                       { return nil, nil }
func (r *evidenceMockRows) Conn() *pgx.Conn                              { return nil }

func testAlertRecord() types.AlertRecord {
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return types.AlertRecord{
		AlertID:          "alr_outfall-1_1772352000000",
		DischargePointID: "outfall-1",
		SensorID:         "sensor-1",
		Timestamp:        ts,
		ZScore:           4.0,
		CompositeScore:   3.54,
		ERI:              7.07,
		RiskBand:         types.BandHigh,
		AlertLevel:       types.LevelSevere,
		TopContributor:   "sensor-1",
		AlertMessage:     "HIGH risk at outfall-1",
		ContributorCount: 3,
		GeneratedAt:      ts.Add(750 * time.Millisecond),
	}
}

// --- EvidenceRepository Tests ---

func TestEvidenceRepository_Insert_Created(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)
	record := testAlertRecord()

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			assert.Contains(t, sql, "ON CONFLICT (alert_id) DO NOTHING")

			execArgs := args.Get(2).([]any)
			assert.Equal(t, record.AlertID, execArgs[0])
			assert.Equal(t, "outfall-1", execArgs[1])
			assert.Equal(t, "HIGH", execArgs[2])
			assert.Equal(t, "pending", execArgs[3])

			var stored types.AlertRecord
			require.NoError(t, json.Unmarshal(execArgs[4].([]byte), &stored))
			assert.Equal(t, record.AlertID, stored.AlertID)
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	created, err := repo.Insert(context.Background(), record, "trace-1")
	require.NoError(t, err)
	assert.True(t, created)
	db.AssertExpectations(t)
}

func TestEvidenceRepository_Insert_DuplicateIsNoOp(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	created, err := repo.Insert(context.Background(), testAlertRecord(), "trace-1")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestEvidenceRepository_Insert_EmptyTraceIDIsNull(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			execArgs := args.Get(2).([]any)
			assert.Nil(t, execArgs[5])
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	_, err := repo.Insert(context.Background(), testAlertRecord(), "")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestEvidenceRepository_Insert_ExecError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := repo.Insert(context.Background(), testAlertRecord(), "trace-1")
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestEvidenceRepository_RecordAttempt(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			assert.Contains(t, sql, "attempt_count = attempt_count + 1")
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.RecordAttempt(context.Background(), "alr_outfall-1_1772352000000")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestEvidenceRepository_MarkDelivered(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			execArgs := args.Get(2).([]any)
			assert.Equal(t, "alr_outfall-1_1772352000000", execArgs[0])
			assert.Equal(t, "sent", execArgs[1])
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.MarkDelivered(context.Background(), "alr_outfall-1_1772352000000")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestEvidenceRepository_MarkFailed_RecordsReason(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			execArgs := args.Get(2).([]any)
			assert.Equal(t, "failed", execArgs[1])
			assert.Equal(t, "endpoint gone", execArgs[2])
			assert.Nil(t, execArgs[3])
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.MarkFailed(context.Background(), "alr_x", "endpoint gone")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestEvidenceRepository_MarkRetrying(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			execArgs := args.Get(2).([]any)
			assert.Equal(t, "retrying", execArgs[1])
			assert.Equal(t, "http_503", execArgs[2])
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.MarkRetrying(context.Background(), "alr_x", "http_503")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestEvidenceRepository_MarkDeferred_StampsResumeTime(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	resumeAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			execArgs := args.Get(2).([]any)
			assert.Equal(t, "skipped", execArgs[1])
			assert.Equal(t, resumeAt, execArgs[3])
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.MarkDeferred(context.Background(), "alr_x", "retry_after_3600s", resumeAt)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestEvidenceRepository_ListDeferredDue(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	payload := []byte(`{"alert_id":"alr_parked"}`)
	rows := newEvidenceMockRows([][]any{
		{"alr_parked", 3, payload, "trace-2"},
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			queryArgs := args.Get(2).([]any)
			assert.Equal(t, "skipped", queryArgs[0])
		}).
		Return(rows, nil)

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	result, err := repo.ListDeferredDue(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, result, 1)

	assert.Equal(t, "alr_parked", result[0].AlertID)
	assert.Equal(t, 3, result[0].AttemptCount)
	assert.Equal(t, payload, result[0].Payload)
	assert.Equal(t, "trace-2", result[0].TraceID)
	assert.Equal(t, types.DeliveryStatusSkipped, result[0].Status)
}

func TestEvidenceRepository_ListArchivable(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	attempted := created.Add(time.Minute)
	delivered := created.Add(2 * time.Minute)
	payload := []byte(`{"alert_id":"alr_old"}`)

	rows := newEvidenceMockRows([][]any{
		{"alr_old", "outfall-1", "HIGH", "sent", 1, payload, "trace-9",
			created, attempted, delivered, ""},
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			queryArgs := args.Get(2).([]any)
			assert.Equal(t, "sent", queryArgs[1])
			assert.Equal(t, "failed", queryArgs[2])
			assert.Equal(t, 500, queryArgs[3])
		}).
		Return(rows, nil)

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	result, err := repo.ListArchivable(context.Background(), cutoff, 500)
	require.NoError(t, err)
	require.Len(t, result, 1)

	assert.Equal(t, "alr_old", result[0].AlertID)
	assert.Equal(t, "outfall-1", result[0].DischargePointID)
	assert.Equal(t, types.BandHigh, result[0].RiskBand)
	assert.Equal(t, types.DeliveryStatusSent, result[0].Status)
	assert.Equal(t, 1, result[0].AttemptCount)
	assert.Equal(t, payload, result[0].Payload)
	assert.Equal(t, "trace-9", result[0].TraceID)
	assert.Equal(t, created, result[0].CreatedAt)
	assert.Equal(t, delivered, result[0].DeliveredAt)
	assert.True(t, rows.closed)
	db.AssertExpectations(t)
}

func TestEvidenceRepository_ListArchivable_Empty(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newEvidenceMockRows(nil), nil)

	result, err := repo.ListArchivable(context.Background(), time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestEvidenceRepository_ListArchivable_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("timeout"))

	_, err := repo.ListArchivable(context.Background(), time.Now(), 100)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestEvidenceRepository_DeleteArchived(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	ids := []string{"alr_a", "alr_b"}

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			execArgs := args.Get(2).([]any)
			assert.Equal(t, ids, execArgs[0])
		}).
		Return(pgconn.NewCommandTag("DELETE 2"), nil)

	err := repo.DeleteArchived(context.Background(), ids)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestEvidenceRepository_DeleteArchived_EmptySkipsQuery(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEvidenceRepository(db)

	err := repo.DeleteArchived(context.Background(), nil)
	require.NoError(t, err)
	db.AssertNotCalled(t, "Exec")
}
