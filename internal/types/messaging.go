package types

import "time"

// ReadingMessage is the queue payload carrying one raw sensor reading from
// the field transport into the detector. JSON tags use snake_case to match
// the telemetry loggers installed at the discharge points.
type ReadingMessage struct {
	SensorID  string    `json:"sensor_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	EventTime time.Time `json:"event_time"`

	// Observability
	TraceID string `json:"trace_id,omitempty"`
}

// AlertMessage is the queue envelope carrying an AlertRecord from the
// detector to the delivery worker.
type AlertMessage struct {
	Record AlertRecord `json:"record"`

	// Retry State: carries retry count across the SQS publish-subscribe
	// cycle. Incremented by the worker on transient failures before
	// re-publishing.
	RetryCount int `json:"retry_count"`

	// Observability
	TraceID string `json:"trace_id"`
}
