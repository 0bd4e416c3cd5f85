// Package queue provides SQS-based message producers for dispatching
// readings into the detector and alert records to the delivery worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"riverwatch/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AlertPublisher sends alert messages to the alert delivery queue. It is the
// production AlertSink behind the detector pipeline, and the re-publish path
// the delivery worker uses for retries.
//
// The retry contract: Republish increments msg.RetryCount BEFORE serializing
// to JSON, so the next consumer of the message sees an accurate attempt
// number and can apply correct backoff or exhaust the retry budget.
type AlertPublisher struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
}

var _ types.AlertSink = (*AlertPublisher)(nil)

// NewAlertPublisher creates a publisher targeting the alert SQS queue.
func NewAlertPublisher(client SQSSender, queueURL string, logger types.Logger) *AlertPublisher {
	return &AlertPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish wraps a fresh alert record in its queue envelope and sends it with
// no delay. A new trace id is minted here; it follows the alert through
// delivery and into the evidence store.
func (p *AlertPublisher) Publish(ctx context.Context, record types.AlertRecord) error {
	msg := types.AlertMessage{
		Record:  record,
		TraceID: uuid.New().String(),
	}
	if err := p.send(ctx, msg, 0); err != nil {
		return err
	}

	p.logger.Info("alert message published",
		"alert_id", record.AlertID,
		"discharge_point_id", record.DischargePointID,
		"risk_band", record.RiskBand,
		"trace_id", msg.TraceID,
	)
	return nil
}

// Republish increments the message's RetryCount and re-enqueues it with the
// given delay. SQS enforces a 900 second DelaySeconds maximum; longer delays
// are clamped.
func (p *AlertPublisher) Republish(ctx context.Context, msg types.AlertMessage, delay time.Duration) error {
	msg.RetryCount++

	if err := p.send(ctx, msg, delay); err != nil {
		return err
	}

	p.logger.Info("alert message re-published for retry",
		"alert_id", msg.Record.AlertID,
		"retry_count", msg.RetryCount,
		"delay_seconds", int32(delay.Seconds()),
		"trace_id", msg.TraceID,
	)
	return nil
}

func (p *AlertPublisher) send(ctx context.Context, msg types.AlertMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("alert publisher: failed to marshal message: %w", err)
	}

	delaySec := int32(delay.Seconds())
	if delaySec > 900 {
		delaySec = 900
	}
	if delaySec < 0 {
		delaySec = 0
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySec,
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send alert message to %s", p.queueURL), err)
	}
	return nil
}

// ReadingPublisher sends raw reading messages to the ingest queue. Used by
// the replay tool and by field gateway shims that bridge non-MQTT loggers.
type ReadingPublisher struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
}

// NewReadingPublisher creates a publisher targeting the readings SQS queue.
func NewReadingPublisher(client SQSSender, queueURL string, logger types.Logger) *ReadingPublisher {
	return &ReadingPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish serializes one reading message and enqueues it. A trace id is
// minted when the caller did not set one.
func (p *ReadingPublisher) Publish(ctx context.Context, msg types.ReadingMessage) error {
	if msg.TraceID == "" {
		msg.TraceID = uuid.New().String()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("reading publisher: failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send reading message to %s", p.queueURL), err)
	}
	return nil
}
