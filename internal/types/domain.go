package types

import (
	"time"
)

// SensorReading is a single validated measurement entering the pipeline.
// Immutable once created. EventTime may be earlier than readings already
// processed (out-of-order arrival); IngestTime is stamped monotonically at
// the boundary.
type SensorReading struct {
	SensorID   string     `json:"sensor_id"`
	Metric     MetricKind `json:"metric"`
	Value      float64    `json:"value"`
	EventTime  time.Time  `json:"event_time"`
	IngestTime time.Time  `json:"ingest_time"`
}

// Key returns the (sensor, metric) identity that partitions all per-sensor
// pipeline state.
func (r SensorReading) Key() SensorKey {
	return SensorKey{SensorID: r.SensorID, Metric: r.Metric}
}

// SensorKey identifies one logical sensor channel. All mutable pipeline
// state (window, persistence) is partitioned by this key.
type SensorKey struct {
	SensorID string     `json:"sensor_id"`
	Metric   MetricKind `json:"metric"`
}

// String renders the key as "sensor_id/metric" for logging and event IDs.
func (k SensorKey) String() string {
	return k.SensorID + "/" + string(k.Metric)
}

// AnomalySignal is the per-reading scoring output: the reading's normalized
// deviation against its window baseline. Stateless beyond its fields.
type AnomalySignal struct {
	SensorID  string     `json:"sensor_id"`
	Metric    MetricKind `json:"metric"`
	EventTime time.Time  `json:"event_time"`
	ZScore    float64    `json:"z_score"`
	RawValue  float64    `json:"raw_value"`
	Mean      float64    `json:"mean"`
	Std       float64    `json:"std"`
	// ConsecutiveCount is the confirmed breach streak length when this signal
	// passed the persistence gate.
	ConsecutiveCount int `json:"consecutive_count"`
}

// CompositeEvent joins all confirmed per-sensor signals at one discharge
// point within a synchronization bucket. Immutable once emitted.
type CompositeEvent struct {
	DischargePointID string `json:"discharge_point_id"`
	// WindowTimestamp is the latest contributing event time in the bucket.
	WindowTimestamp time.Time `json:"window_timestamp"`
	// ContributingSignals is ordered by sensor_id for determinism.
	ContributingSignals []AnomalySignal `json:"contributing_signals"`
	CompositeScore      float64         `json:"composite_score"`
	TopContributor      string          `json:"top_contributor"`
	// AttributionDetail maps each contributing sensor to its share of the
	// composite, fraction_i = z_i^2 / sum(z_j^2), rounded to three decimals.
	AttributionDetail map[string]float64 `json:"attribution_detail,omitempty"`
	// MissingSensors lists group members with no confirmed signal in the
	// bucket. Non-empty implies Partial.
	MissingSensors []string `json:"missing_sensors,omitempty"`
	// Partial marks events emitted by the synchronization timeout before all
	// group members reported.
	Partial bool `json:"partial"`
}

// RiskAssessment attaches the Environmental Risk Index and its band to a
// composite event. Derived deterministically; no state.
type RiskAssessment struct {
	Event CompositeEvent `json:"event"`
	ERI   float64        `json:"eri"`
	Band  RiskBand       `json:"risk_band"`
	// Sensitivity is the river sensitivity factor that was applied.
	Sensitivity float64 `json:"sensitivity"`
	// UnknownSensitivity is set when the discharge point had no configured
	// sensitivity and the default factor was used.
	UnknownSensitivity bool `json:"unknown_sensitivity,omitempty"`
}

// AlertRecord is the terminal, write-once output forwarded to the external
// sink. The JSON shape is the contract dashboards and paging systems depend
// on and must remain stable across revisions.
type AlertRecord struct {
	AlertID          string     `json:"alert_id"`
	DischargePointID string     `json:"discharge_point_id"`
	SensorID         string     `json:"sensor_id"`
	Timestamp        time.Time  `json:"timestamp"`
	ZScore           float64    `json:"z_score"`
	CompositeScore   float64    `json:"composite_score"`
	ERI              float64    `json:"eri"`
	RiskBand         RiskBand   `json:"risk_band"`
	AlertLevel       AlertLevel `json:"alert_level"`
	TopContributor   string     `json:"top_contributor"`
	// AttributionDetail carries the composite's per-sensor fractions so the
	// alert explains which sensors drove it.
	AttributionDetail map[string]float64 `json:"attribution_detail,omitempty"`
	AlertMessage      string             `json:"alert_message"`
	ContributorCount  int                `json:"contributor_count"`
	Partial           bool               `json:"partial,omitempty"`
	LatencyMS         int64              `json:"latency_ms"`
	GeneratedAt       time.Time          `json:"generated_at"`
}
