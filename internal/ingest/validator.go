// Package ingest owns the pipeline's input boundary: decoding transport
// payloads, validating raw readings, and exposing them as a ReadingSource.
package ingest

import (
	"encoding/json"
	"errors"
	"math"
	"path"
	"sort"
	"sync"
	"time"

	"riverwatch/internal/types"
)

// ValueRange bounds acceptable raw values for the sensors matching a glob
// pattern. Patterns match the sensor_id and, with a "sensor/metric" form,
// the full channel key.
type ValueRange struct {
	Pattern string
	Min     float64
	Max     float64
}

// ReadingValidator enforces the input contract: every reading entering the
// pipeline has a well-formed sensor id, a known metric, a finite value
// inside its configured physical range, and an event timestamp.
type ReadingValidator struct {
	maxSensorIDLen int
	ranges         []ValueRange
	clock          types.Clock

	mu         sync.Mutex
	lastIngest time.Time
}

// NewReadingValidator creates a validator. The ranges map is keyed by glob
// pattern; iteration order is normalized so overlapping patterns resolve
// identically across restarts.
func NewReadingValidator(maxSensorIDLen int, ranges map[string][2]float64, clock types.Clock) *ReadingValidator {
	if maxSensorIDLen < 1 {
		maxSensorIDLen = 64
	}
	patterns := make([]string, 0, len(ranges))
	for p := range ranges {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	ordered := make([]ValueRange, 0, len(patterns))
	for _, p := range patterns {
		bounds := ranges[p]
		ordered = append(ordered, ValueRange{Pattern: p, Min: bounds[0], Max: bounds[1]})
	}

	return &ReadingValidator{
		maxSensorIDLen: maxSensorIDLen,
		ranges:         ordered,
		clock:          clock,
	}
}

// Validate converts a transport message into a SensorReading, or returns a
// validation AppError describing the first failed check. The ingest time is
// stamped strictly monotonically so two readings admitted back-to-back never
// share a stamp even on coarse clocks.
func (v *ReadingValidator) Validate(msg types.ReadingMessage) (types.SensorReading, error) {
	if msg.SensorID == "" {
		return types.SensorReading{}, types.NewValidationError(
			types.ErrCodeValidationMissingField, msg.SensorID, msg.Value,
			"sensor_id is required")
	}
	if len(msg.SensorID) > v.maxSensorIDLen {
		return types.SensorReading{}, types.NewValidationError(
			types.ErrCodeValidationSensorID, msg.SensorID, msg.Value,
			"sensor_id exceeds maximum length")
	}
	if !validSensorID(msg.SensorID) {
		return types.SensorReading{}, types.NewValidationError(
			types.ErrCodeValidationSensorID, msg.SensorID, msg.Value,
			"sensor_id contains invalid characters")
	}

	metric := types.MetricKind(msg.Metric)
	if !knownMetric(metric) {
		return types.SensorReading{}, types.NewValidationError(
			types.ErrCodeValidationUnknownMetric, msg.SensorID, msg.Value,
			"unknown metric kind: "+msg.Metric)
	}

	if msg.EventTime.IsZero() {
		return types.SensorReading{}, types.NewValidationError(
			types.ErrCodeValidationMissingField, msg.SensorID, msg.Value,
			"event_time is required")
	}

	if math.IsNaN(msg.Value) || math.IsInf(msg.Value, 0) {
		return types.SensorReading{}, types.NewValidationError(
			types.ErrCodeValidationNonNumeric, msg.SensorID, msg.Value,
			"reading value is not a finite number")
	}

	if r, matched := v.rangeFor(msg.SensorID, metric); matched {
		if msg.Value < r.Min || msg.Value > r.Max {
			return types.SensorReading{}, types.NewValidationError(
				types.ErrCodeValidationValueRange, msg.SensorID, msg.Value,
				"value outside configured range for "+r.Pattern)
		}
	}

	return types.SensorReading{
		SensorID:   msg.SensorID,
		Metric:     metric,
		Value:      msg.Value,
		EventTime:  msg.EventTime.UTC(),
		IngestTime: v.stamp(),
	}, nil
}

// rangeFor returns the first configured range (in sorted pattern order)
// matching the sensor id or the "sensor/metric" channel key.
func (v *ReadingValidator) rangeFor(sensorID string, metric types.MetricKind) (ValueRange, bool) {
	key := sensorID + "/" + string(metric)
	for _, r := range v.ranges {
		if ok, _ := path.Match(r.Pattern, sensorID); ok {
			return r, true
		}
		if ok, _ := path.Match(r.Pattern, key); ok {
			return r, true
		}
	}
	return ValueRange{}, false
}

// stamp returns a strictly increasing ingest timestamp.
func (v *ReadingValidator) stamp() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.clock.Now()
	if !now.After(v.lastIngest) {
		now = v.lastIngest.Add(time.Nanosecond)
	}
	v.lastIngest = now
	return now
}

func knownMetric(m types.MetricKind) bool {
	for _, k := range types.AllMetricKinds {
		if m == k {
			return true
		}
	}
	return false
}

// validSensorID accepts lowercase/uppercase letters, digits, '-', '_' and
// '.'; everything else is rejected at the boundary.
func validSensorID(id string) bool {
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// DecodeReadingMessage parses a transport payload. Type mismatches on the
// value field surface as non-numeric validation errors; all other decode
// failures report a malformed payload.
func DecodeReadingMessage(payload []byte) (types.ReadingMessage, error) {
	var msg types.ReadingMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "value" {
			return types.ReadingMessage{}, types.NewValidationError(
				types.ErrCodeValidationNonNumeric, msg.SensorID, 0,
				"value is not numeric")
		}
		return types.ReadingMessage{}, types.NewAppError(
			types.ErrCodeValidationMissingField, "malformed reading payload", err)
	}
	return msg, nil
}
