// Package main is the entrypoint for the Alert Worker Lambda function.
//
// The worker consumes AlertMessages from the alert SQS queue, records each
// alert in the evidence store (idempotent on the deterministic alert id),
// and delivers it to the configured webhook endpoint. It implements the SQS
// Lambda handler pattern with partial batch responses: messages that fail
// processing are reported in batchItemFailures so SQS retries only those.
//
// Delivery outcomes:
//   - success: mark delivered, ACK
//   - transient failure: re-publish a new message with exponential backoff
//     delay and ACK the original (publish-subscribe retry)
//   - retries exhausted or permanent 4xx: mark failed, ACK
//   - 429 with Retry-After beyond the SQS delay limit: park the delivery as
//     deferred in the evidence store, ACK
//   - 410 Gone: terminal, mark failed, ACK
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"riverwatch/internal/config"
	"riverwatch/internal/db"
	"riverwatch/internal/delivery"
	"riverwatch/internal/metrics"
	"riverwatch/internal/queue"
	"riverwatch/internal/types"
)

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

// AlertChannel is the delivery transport. Satisfied by *delivery.WebhookChannel.
type AlertChannel interface {
	Deliver(ctx context.Context, record types.AlertRecord, destination string) (*delivery.DeliveryResult, error)
}

// EvidenceStore is the subset of the evidence repository the worker needs.
type EvidenceStore interface {
	Insert(ctx context.Context, record types.AlertRecord, traceID string) (bool, error)
	RecordAttempt(ctx context.Context, alertID string) error
	MarkDelivered(ctx context.Context, alertID string) error
	MarkRetrying(ctx context.Context, alertID, reason string) error
	MarkFailed(ctx context.Context, alertID, reason string) error
	MarkDeferred(ctx context.Context, alertID, reason string, resumeAt time.Time) error
}

// RetryPublisher re-enqueues alert messages for delayed retry. Satisfied by
// *queue.AlertPublisher.
type RetryPublisher interface {
	Republish(ctx context.Context, msg types.AlertMessage, delay time.Duration) error
}

// Handler holds the dependencies for the alert worker Lambda handler.
type Handler struct {
	channel     AlertChannel
	store       EvidenceStore
	publisher   RetryPublisher
	telemetry   *metrics.Emitter
	retryPolicy delivery.RetryPolicy
	destination string
	clock       types.Clock
	logger      types.Logger
}

// Handle processes an SQS event containing one or more alert messages. Each
// message is processed independently; failures are reported as partial batch
// failures so SQS retries only the affected messages.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	if h.telemetry != nil {
		h.telemetry.Flush(ctx)
	}
	return response, nil
}

// processMessage runs a single alert message through the delivery pipeline.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg types.AlertMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.Error("failed to unmarshal alert message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		// Permanent parse failure, do not retry (return nil to ACK).
		return nil
	}

	logger := h.logger.With(
		"alert_id", msg.Record.AlertID,
		"discharge_point_id", msg.Record.DischargePointID,
		"risk_band", string(msg.Record.RiskBand),
		"retry_count", msg.RetryCount,
		"trace_id", msg.TraceID,
	)

	logger.Info("processing alert message")

	created, err := h.store.Insert(ctx, msg.Record, msg.TraceID)
	if err != nil {
		return fmt.Errorf("insert alert evidence: %w", err)
	}
	if !created && msg.RetryCount == 0 {
		// First-attempt duplicate: the same deterministic alert id was
		// already enqueued, e.g. by a stream replay. Deliver once only.
		logger.Info("duplicate alert skipped")
		h.count("duplicate")
		return nil
	}

	if err := h.store.RecordAttempt(ctx, msg.Record.AlertID); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	result, deliverErr := h.channel.Deliver(ctx, msg.Record, h.destination)
	return h.handleResult(ctx, msg, result, deliverErr, logger)
}

// handleResult updates evidence state and schedules retries based on one
// delivery attempt's outcome.
func (h *Handler) handleResult(
	ctx context.Context,
	msg types.AlertMessage,
	result *delivery.DeliveryResult,
	deliverErr error,
	logger types.Logger,
) error {
	alertID := msg.Record.AlertID

	// Parking: the endpoint asked for a wait longer than SQS can express.
	if errors.Is(deliverErr, delivery.ErrLongRetryDelay) && result != nil && result.RetryAfter != nil {
		resumeAt := h.clock.Now().Add(*result.RetryAfter)
		if err := h.store.MarkDeferred(ctx, alertID, result.FailureReason, resumeAt); err != nil {
			return fmt.Errorf("mark deferred (long delay): %w", err)
		}
		logger.Info("alert delivery deferred (long rate limit)",
			"resume_at", resumeAt.Format(time.RFC3339),
			"retry_after", result.RetryAfter.String(),
		)
		h.count("deferred")
		return nil
	}

	if deliverErr != nil && result == nil {
		// Formatting or request construction failed; retrying cannot help.
		return h.failPermanently(ctx, msg, fmt.Sprintf("deliver_error: %v", deliverErr), logger)
	}
	if result == nil {
		return h.failPermanently(ctx, msg, "nil_result", logger)
	}

	switch {
	case result.Status == types.DeliveryStatusSent:
		if err := h.store.MarkDelivered(ctx, alertID); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		logger.Info("alert delivered")
		h.count("success")
		return nil

	case result.Retryable:
		return h.scheduleRetry(ctx, msg, result, logger)

	case result.Terminal:
		logger.Error("alert destination terminally unavailable", "reason", result.FailureReason)
		return h.failPermanently(ctx, msg, result.FailureReason, logger)

	default:
		return h.failPermanently(ctx, msg, result.FailureReason, logger)
	}
}

// scheduleRetry re-publishes the message with backoff delay, or exhausts the
// retry budget into a permanent failure.
func (h *Handler) scheduleRetry(
	ctx context.Context,
	msg types.AlertMessage,
	result *delivery.DeliveryResult,
	logger types.Logger,
) error {
	if msg.RetryCount >= h.retryPolicy.MaxAttempts {
		return h.failPermanently(ctx, msg,
			fmt.Sprintf("retries_exhausted: %s", result.FailureReason), logger)
	}

	var delay time.Duration
	if result.RetryAfter != nil {
		delay = *result.RetryAfter
	} else {
		delay = delivery.CalculateNextRetry(h.retryPolicy, msg.RetryCount)
	}

	if delay.Seconds() > delivery.SQSMaxDelaySeconds {
		resumeAt := h.clock.Now().Add(delay)
		if err := h.store.MarkDeferred(ctx, msg.Record.AlertID, result.FailureReason, resumeAt); err != nil {
			return fmt.Errorf("mark deferred: %w", err)
		}
		logger.Info("alert delivery deferred (long backoff)",
			"resume_at", resumeAt.Format(time.RFC3339))
		h.count("deferred")
		return nil
	}

	if err := h.store.MarkRetrying(ctx, msg.Record.AlertID, result.FailureReason); err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	if err := h.publisher.Republish(ctx, msg, delay); err != nil {
		return fmt.Errorf("republish retry message: %w", err)
	}

	logger.Info("alert delivery retry scheduled",
		"retry_count", msg.RetryCount+1,
		"delay_seconds", int(delay.Seconds()),
		"reason", result.FailureReason,
	)
	h.count("retry")
	return nil
}

func (h *Handler) failPermanently(ctx context.Context, msg types.AlertMessage, reason string, logger types.Logger) error {
	if err := h.store.MarkFailed(ctx, msg.Record.AlertID, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	logger.Error("alert delivery permanently failed", "reason", reason)
	h.count("failure")
	return nil
}

func (h *Handler) count(result string) {
	if h.telemetry == nil {
		return
	}
	h.telemetry.Increment(types.MetricDeliveryAttempt, map[string]string{
		types.DimChannel: "webhook",
		types.DimResult:  result,
	})
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("alert worker initializing (cold start)")
	typedLogger := &slogAdapter{logger: logger}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Webhook.URL == "" {
		logger.Error("ALERT_WEBHOOK_URL is required for the alert worker")
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
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}

	handler := &Handler{
		channel:     delivery.NewWebhookChannel(cfg.Webhook, typedLogger),
		store:       db.NewEvidenceRepository(pool),
		publisher:   queue.NewAlertPublisher(sqsClient, cfg.AWS.AlertQueueURL, typedLogger),
		telemetry:   metrics.NewEmitter(cwClient, cfg.Observability.MetricNamespace, 30*time.Second, typedLogger),
		retryPolicy: delivery.WebhookRetryPolicy,
		destination: cfg.Webhook.URL,
		clock:       types.RealClock{},
		logger:      typedLogger,
	}

	logger.Info("alert worker initialized",
		"alert_queue", cfg.AWS.AlertQueueURL,
		"destination", cfg.Webhook.URL,
	)

	lambda.Start(handler.Handle)
}
