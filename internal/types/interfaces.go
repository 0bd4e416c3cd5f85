package types

import (
	"context"
	"time"
)

// Validator is implemented by entities to self-validate.
type Validator interface {
	Validate() error
}

// Logger defines the structured logging interface used throughout the
// pipeline.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// AlertSink receives terminal AlertRecords from the pipeline. The production
// implementation publishes to the alert SQS queue; tests use an in-memory
// sink. Publish must not block pipeline progress on sink failure; the
// pipeline holds the record and retries independently.
type AlertSink interface {
	Publish(ctx context.Context, record AlertRecord) error
}

// ReadingSource is a stream of validated sensor readings. Next blocks until
// a reading is available, the source is drained (io.EOF), or ctx is
// cancelled.
type ReadingSource interface {
	Next(ctx context.Context) (SensorReading, error)
	Close() error
}
