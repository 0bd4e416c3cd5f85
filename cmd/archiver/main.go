// Package main is the entrypoint for the Maintenance Lambda function.
//
// EventBridge rules invoke this handler on a schedule with a JSON payload
// naming the task. Two tasks exist:
//
//   - archive_evidence: drain settled alert evidence older than the
//     retention window into zstd-compressed JSONL segments.
//   - requeue_deferred: re-enqueue parked alert deliveries whose
//     Retry-After wait has elapsed.
//
// Consolidating the low-frequency maintenance work into one Lambda keeps
// cold starts and infrastructure sprawl down.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"riverwatch/internal/archive"
	"riverwatch/internal/config"
	"riverwatch/internal/db"
	"riverwatch/internal/queue"
	"riverwatch/internal/types"
)

// Task names accepted in the maintenance payload.
const (
	TaskArchiveEvidence = "archive_evidence"
	TaskRequeueDeferred = "requeue_deferred"
)

// requeueLimit caps how many parked deliveries are re-enqueued per run.
const requeueLimit = 100

// MaintenancePayload is the EventBridge invocation payload.
type MaintenancePayload struct {
	Task string `json:"task"`

	// ReferenceTime overrides "now" for deterministic replays of a
	// maintenance window. Optional.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// EvidenceArchiver runs one archival sweep. Satisfied by *archive.Archiver.
type EvidenceArchiver interface {
	Run(ctx context.Context) (int, error)
}

// DeferredStore is the evidence repository subset the requeue task needs.
type DeferredStore interface {
	ListDeferredDue(ctx context.Context, now time.Time, limit int) ([]db.EvidenceRow, error)
	MarkRetrying(ctx context.Context, alertID, reason string) error
}

// RetryPublisher re-enqueues alert messages. Satisfied by *queue.AlertPublisher.
type RetryPublisher interface {
	Republish(ctx context.Context, msg types.AlertMessage, delay time.Duration) error
}

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)

// Handler routes maintenance payloads to the named task.
type Handler struct {
	Archiver  EvidenceArchiver
	Store     DeferredStore
	Publisher RetryPublisher
	Clock     types.Clock
	Logger    types.Logger
}

// Handle executes one maintenance task and reports the item count.
func (h *Handler) Handle(ctx context.Context, payload MaintenancePayload) (string, error) {
	now := h.Clock.Now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	h.Logger.Info("maintenance handler invoked",
		"task", payload.Task,
		"reference_time", now.Format(time.RFC3339),
	)

	var (
		items int
		err   error
	)
	switch payload.Task {
	case TaskArchiveEvidence:
		items, err = h.Archiver.Run(ctx)
	case TaskRequeueDeferred:
		items, err = h.requeueDeferred(ctx, now)
	case "":
		return "", fmt.Errorf("empty task in maintenance payload")
	default:
		return "", fmt.Errorf("unknown maintenance task %q", payload.Task)
	}

	if err != nil {
		h.Logger.Error("maintenance task failed",
			"task", payload.Task, "items_before_error", items, "error", err.Error())
		return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", payload.Task, items)
	h.Logger.Info(result, "task", payload.Task, "items", items)
	return result, nil
}

// requeueDeferred re-enqueues parked deliveries whose resume time has passed.
// Each requeued alert transitions back to 'retrying' so the next run does not
// pick the same row up again.
func (h *Handler) requeueDeferred(ctx context.Context, now time.Time) (int, error) {
	rows, err := h.Store.ListDeferredDue(ctx, now, requeueLimit)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, row := range rows {
		var record types.AlertRecord
		if err := json.Unmarshal(row.Payload, &record); err != nil {
			// An unparsable payload can never be delivered; skip it without
			// failing the whole batch.
			h.Logger.Error("deferred alert payload is unparsable, skipping",
				"alert_id", row.AlertID, "error", err.Error())
			continue
		}

		msg := types.AlertMessage{
			Record:  record,
			TraceID: row.TraceID,
		}
		// Republish increments RetryCount. Seed it one below the recorded
		// attempt count so the worker sees the count the evidence row carries.
		if row.AttemptCount > 0 {
			msg.RetryCount = row.AttemptCount - 1
		}

		if err := h.Publisher.Republish(ctx, msg, 0); err != nil {
			return requeued, fmt.Errorf("requeue alert %s: %w", row.AlertID, err)
		}
		if err := h.Store.MarkRetrying(ctx, row.AlertID, "requeued_after_deferral"); err != nil {
			return requeued, fmt.Errorf("mark retrying %s: %w", row.AlertID, err)
		}
		requeued++
	}
	return requeued, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("maintenance Lambda initializing (cold start)")
	typedLogger := &slogAdapter{logger: logger}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}

	repo := db.NewEvidenceRepository(pool)
	clock := types.RealClock{}
	retention := time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour

	handler := &Handler{
		Archiver:  archive.NewArchiver(repo, cfg.Archive.Directory, retention, typedLogger, clock),
		Store:     repo,
		Publisher: queue.NewAlertPublisher(sqsClient, cfg.AWS.AlertQueueURL, typedLogger),
		Clock:     clock,
		Logger:    typedLogger,
	}

	logger.Info("maintenance Lambda initialized",
		"archive_dir", cfg.Archive.Directory,
		"retention_days", cfg.Archive.RetentionDays,
	)

	lambda.Start(handler.Handle)
}
