package ingest

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"riverwatch/internal/types"
)

// SQSReceiver abstracts the SQS operations the source needs for testability.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSReadingSource long-polls the readings queue and yields validated
// readings one at a time. Invalid payloads are deleted from the queue (they
// would never become valid on redelivery), logged, and skipped.
//
// Delivery guarantee is at-most-once per reading: a message is deleted when
// Next hands it to the caller, so a crash between delivery and window update
// drops that reading. Redelivered duplicates would skew window statistics; a
// dropped reading at worst shortens one persistence streak.
type SQSReadingSource struct {
	client    SQSReceiver
	queueURL  string
	validator *ReadingValidator
	logger    types.Logger

	buffered []sqstypes.Message
}

var _ types.ReadingSource = (*SQSReadingSource)(nil)

// NewSQSReadingSource creates a source over the given queue.
func NewSQSReadingSource(client SQSReceiver, queueURL string, validator *ReadingValidator, logger types.Logger) *SQSReadingSource {
	return &SQSReadingSource{
		client:    client,
		queueURL:  queueURL,
		validator: validator,
		logger:    logger,
	}
}

// Next blocks until a valid reading is available or ctx is cancelled.
func (s *SQSReadingSource) Next(ctx context.Context) (types.SensorReading, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.SensorReading{}, err
		}

		if len(s.buffered) == 0 {
			if err := s.fill(ctx); err != nil {
				return types.SensorReading{}, err
			}
			continue
		}

		msg := s.buffered[0]
		s.buffered = s.buffered[1:]

		reading, ok := s.admit(ctx, msg)
		// The message is deleted in both outcomes: processed, or rejected as
		// permanently invalid.
		s.delete(ctx, msg)
		if !ok {
			continue
		}
		return reading, nil
	}
}

// fill long-polls the queue for the next message batch.
func (s *SQSReadingSource) fill(ctx context.Context) error {
	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to receive readings", err)
	}
	s.buffered = out.Messages
	return nil
}

// admit decodes and validates one queue message.
func (s *SQSReadingSource) admit(_ context.Context, msg sqstypes.Message) (types.SensorReading, bool) {
	if msg.Body == nil {
		s.logger.Warn("reading message with empty body discarded")
		return types.SensorReading{}, false
	}

	raw, err := DecodeReadingMessage([]byte(*msg.Body))
	if err != nil {
		s.logger.Warn("undecodable reading message discarded", "error", err)
		return types.SensorReading{}, false
	}

	reading, err := s.validator.Validate(raw)
	if err != nil {
		s.logger.Warn("reading rejected at ingest boundary",
			"sensor_id", raw.SensorID, "metric", raw.Metric, "error", err)
		return types.SensorReading{}, false
	}
	return reading, true
}

func (s *SQSReadingSource) delete(ctx context.Context, msg sqstypes.Message) {
	if msg.ReceiptHandle == nil {
		return
	}
	if _, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil && ctx.Err() == nil {
		s.logger.Warn("failed to delete reading message", "error", err)
	}
}

// Close is a no-op; the SQS client carries no connection state of its own.
func (s *SQSReadingSource) Close() error { return nil }
