package db

import (
	"context"
	"encoding/json"
	"time"

	"riverwatch/internal/types"
)

// EvidenceRow is one alert's persisted delivery state. The full alert record
// is stored as the JSON payload; the promoted columns exist for querying and
// archival selection.
type EvidenceRow struct {
	AlertID          string
	DischargePointID string
	RiskBand         types.RiskBand
	Status           types.DeliveryStatus
	AttemptCount     int
	Payload          []byte
	TraceID          string
	CreatedAt        time.Time
	LastAttemptAt    time.Time
	DeliveredAt      time.Time
	NextRetryAt      time.Time
	FailureReason    string
}

// EvidenceRepository provides data access for the alert_evidence table: the
// write-once record of every emitted alert and its delivery lifecycle.
type EvidenceRepository struct {
	db DBTX
}

// NewEvidenceRepository creates a repository backed by the given database
// connection (pool or transaction).
func NewEvidenceRepository(db DBTX) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

// Insert records a new alert. It is idempotent on alert_id: alert IDs are
// derived deterministically from the event, so a replayed stream re-inserts
// the same IDs and the conflict clause makes the duplicates no-ops. Returns
// created=false when the alert was already present.
func (r *EvidenceRepository) Insert(ctx context.Context, record types.AlertRecord, traceID string) (bool, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to marshal alert record", err)
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO alert_evidence
		 (alert_id, discharge_point_id, risk_band, status, attempt_count,
		  payload, trace_id, created_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, NOW())
		 ON CONFLICT (alert_id) DO NOTHING`,
		record.AlertID,
		record.DischargePointID,
		string(record.RiskBand),
		string(types.DeliveryStatusPending),
		payload,
		nilIfEmpty(traceID),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert alert evidence", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordAttempt logs that the worker is about to try delivering.
func (r *EvidenceRepository) RecordAttempt(ctx context.Context, alertID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE alert_evidence
		 SET attempt_count = attempt_count + 1, last_attempt_at = NOW()
		 WHERE alert_id = $1`,
		alertID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record delivery attempt", err)
	}
	return nil
}

// MarkDelivered transitions the alert to 'sent' and stamps delivered_at.
func (r *EvidenceRepository) MarkDelivered(ctx context.Context, alertID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE alert_evidence
		 SET status = $2, delivered_at = NOW(), failure_reason = NULL
		 WHERE alert_id = $1`,
		alertID,
		string(types.DeliveryStatusSent),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark alert delivered", err)
	}
	return nil
}

// MarkRetrying records a transient failure; the message is back on the queue
// with a delay.
func (r *EvidenceRepository) MarkRetrying(ctx context.Context, alertID, reason string) error {
	return r.setFailureState(ctx, alertID, types.DeliveryStatusRetrying, reason, time.Time{})
}

// MarkFailed records a permanent delivery failure.
func (r *EvidenceRepository) MarkFailed(ctx context.Context, alertID, reason string) error {
	return r.setFailureState(ctx, alertID, types.DeliveryStatusFailed, reason, time.Time{})
}

// MarkDeferred parks the alert: the endpoint requested a delay longer than
// the queue can express, so the delivery waits for the requeue job instead.
func (r *EvidenceRepository) MarkDeferred(ctx context.Context, alertID, reason string, resumeAt time.Time) error {
	return r.setFailureState(ctx, alertID, types.DeliveryStatusSkipped, reason, resumeAt)
}

func (r *EvidenceRepository) setFailureState(ctx context.Context, alertID string, status types.DeliveryStatus, reason string, resumeAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE alert_evidence
		 SET status = $2, failure_reason = $3, next_retry_at = $4
		 WHERE alert_id = $1`,
		alertID,
		string(status),
		nilIfEmpty(reason),
		nilIfZeroTime(resumeAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update alert delivery state", err)
	}
	return nil
}

// ListDeferredDue returns parked alerts whose resume time has passed, oldest
// first. The maintenance job re-enqueues these for delivery.
func (r *EvidenceRepository) ListDeferredDue(ctx context.Context, now time.Time, limit int) ([]EvidenceRow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT alert_id, attempt_count, payload, COALESCE(trace_id, '')
		 FROM alert_evidence
		 WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		 ORDER BY next_retry_at ASC
		 LIMIT $3`,
		string(types.DeliveryStatusSkipped),
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list deferred alerts", err)
	}
	defer rows.Close()

	var out []EvidenceRow
	for rows.Next() {
		var row EvidenceRow
		if err := rows.Scan(&row.AlertID, &row.AttemptCount, &row.Payload, &row.TraceID); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan deferred row", err)
		}
		row.Status = types.DeliveryStatusSkipped
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate deferred rows", err)
	}
	return out, nil
}

// ListArchivable returns settled alerts (sent or failed) created before the
// cutoff, oldest first, up to limit rows. The archiver drains these into
// compressed segments.
func (r *EvidenceRepository) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]EvidenceRow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT alert_id, discharge_point_id, risk_band, status, attempt_count,
		        payload, COALESCE(trace_id, ''), created_at,
		        COALESCE(last_attempt_at, 'epoch'::timestamptz),
		        COALESCE(delivered_at, 'epoch'::timestamptz),
		        COALESCE(failure_reason, '')
		 FROM alert_evidence
		 WHERE created_at < $1 AND status IN ($2, $3)
		 ORDER BY created_at ASC
		 LIMIT $4`,
		cutoff,
		string(types.DeliveryStatusSent),
		string(types.DeliveryStatusFailed),
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list archivable alerts", err)
	}
	defer rows.Close()

	var out []EvidenceRow
	for rows.Next() {
		var row EvidenceRow
		var band, status string
		if err := rows.Scan(
			&row.AlertID, &row.DischargePointID, &band, &status,
			&row.AttemptCount, &row.Payload, &row.TraceID, &row.CreatedAt,
			&row.LastAttemptAt, &row.DeliveredAt, &row.FailureReason,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan evidence row", err)
		}
		row.RiskBand = types.RiskBand(band)
		row.Status = types.DeliveryStatus(status)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate evidence rows", err)
	}
	return out, nil
}

// DeleteArchived removes rows that have been written to an archive segment.
// Called inside the archiver's transaction after the segment is synced.
func (r *EvidenceRepository) DeleteArchived(ctx context.Context, alertIDs []string) error {
	if len(alertIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`DELETE FROM alert_evidence WHERE alert_id = ANY($1)`,
		alertIDs,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived alerts", err)
	}
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
