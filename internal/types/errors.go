package types

import (
	"fmt"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All components MUST use these constants instead of hardcoded strings.
const (
	// Validation: malformed reading reaching the engine. Fatal to that
	// single reading only.
	ErrCodeValidationNonNumeric    ErrorCode = "validation_non_numeric_value"
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationUnknownMetric ErrorCode = "validation_unknown_metric"
	ErrCodeValidationValueRange    ErrorCode = "validation_value_out_of_range"
	ErrCodeValidationSensorID      ErrorCode = "validation_invalid_sensor_id"
	ErrCodeValidationStaleReading  ErrorCode = "validation_reading_beyond_horizon"

	// Configuration: invalid tunable at startup. Fatal to the whole process.
	ErrCodeConfigMissing ErrorCode = "config_missing_value"
	ErrCodeConfigInvalid ErrorCode = "config_invalid_value"
	ErrCodeConfigParsing ErrorCode = "config_parsing_failed"

	// Synchronization: composite join closed without all expected sensors.
	// Non-fatal; a partial composite event is produced.
	ErrCodeSyncTimeout     ErrorCode = "sync_timeout"
	ErrCodeSyncLateArrival ErrorCode = "sync_late_arrival"

	// Delivery: external sink rejected an alert record.
	ErrCodeDeliveryFailed    ErrorCode = "delivery_failed"
	ErrCodeDeliveryExhausted ErrorCode = "delivery_retries_exhausted"

	// Internal/Upstream
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamQueue      ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamBroker     ErrorCode = "upstream_broker_unavailable"
)

// AppError is the standard application error type used throughout the
// pipeline. All domain errors should be expressed as AppError to enable
// consistent formatting, categorization, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain
// errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewValidationError builds the AppError for a reading rejected at the
// engine boundary. The sensor id and offending value are attached as details
// so rejections are diagnosable from logs alone.
func NewValidationError(code ErrorCode, sensorID string, value float64, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Details: map[string]any{
			"sensor_id": sensorID,
			"value":     value,
		},
	}
}
