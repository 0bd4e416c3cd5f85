package types

// MetricKind identifies the physical quantity a sensor measures.
type MetricKind string

const (
	MetricPH        MetricKind = "ph"
	MetricCOD       MetricKind = "cod"
	MetricBOD       MetricKind = "bod"
	MetricTSS       MetricKind = "tss"
	MetricTurbidity MetricKind = "turbidity"
	MetricFlow      MetricKind = "flow"
)

// AllMetricKinds lists every metric the pipeline understands. Used by
// ingest validation to reject readings with unknown metric names.
var AllMetricKinds = []MetricKind{
	MetricPH, MetricCOD, MetricBOD, MetricTSS, MetricTurbidity, MetricFlow,
}

// Unit returns the measurement unit for human-readable alert messages.
func (m MetricKind) Unit() string {
	switch m {
	case MetricPH:
		return "pH"
	case MetricCOD, MetricBOD, MetricTSS:
		return "mg/L"
	case MetricTurbidity:
		return "NTU"
	case MetricFlow:
		return "m3/h"
	default:
		return ""
	}
}

// RiskBand is the discrete ecological severity category derived from the
// Environmental Risk Index. Serialized as uppercase strings; this is part
// of the external alert contract and MUST NOT change.
type RiskBand string

const (
	BandLow      RiskBand = "LOW"
	BandMedium   RiskBand = "MEDIUM"
	BandHigh     RiskBand = "HIGH"
	BandCritical RiskBand = "CRITICAL"
)

// bandRank defines the total ordering LOW < MEDIUM < HIGH < CRITICAL.
var bandRank = map[RiskBand]int{
	BandLow:      0,
	BandMedium:   1,
	BandHigh:     2,
	BandCritical: 3,
}

// Rank returns the band's position in the total ordering, or -1 for an
// unknown band.
func (b RiskBand) Rank() int {
	r, ok := bandRank[b]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether b >= min in the band ordering. Unknown bands
// never satisfy any gate.
func (b RiskBand) AtLeast(min RiskBand) bool {
	br, ok := bandRank[b]
	if !ok {
		return false
	}
	mr, ok := bandRank[min]
	if !ok {
		return false
	}
	return br >= mr
}

// Valid reports whether b is one of the four defined bands.
func (b RiskBand) Valid() bool {
	_, ok := bandRank[b]
	return ok
}

// AlertLevel is the operational urgency attached to an emitted alert.
// It is a deterministic function of the risk band.
type AlertLevel string

const (
	LevelAdvisory  AlertLevel = "ADVISORY"
	LevelWarning   AlertLevel = "WARNING"
	LevelSevere    AlertLevel = "SEVERE"
	LevelEmergency AlertLevel = "EMERGENCY"
)

// LevelForBand maps a risk band to its alert level.
func LevelForBand(b RiskBand) AlertLevel {
	switch b {
	case BandMedium:
		return LevelWarning
	case BandHigh:
		return LevelSevere
	case BandCritical:
		return LevelEmergency
	default:
		return LevelAdvisory
	}
}

// SensorState is the persistence-filter state for a single sensor.
type SensorState string

const (
	StateClean     SensorState = "clean"
	StatePending   SensorState = "pending"
	StateConfirmed SensorState = "confirmed"
)

// DeliveryStatus enumerates all valid states for an alert delivery attempt.
// These values MUST match the CHECK constraint in the alert_deliveries table.
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSent     DeliveryStatus = "sent"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	DeliveryStatusSkipped  DeliveryStatus = "skipped"
)

// ChannelType identifies an alert delivery channel.
type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
)

// ReadingSourceKind selects the transport the detector ingests readings from.
type ReadingSourceKind string

const (
	SourceSQS  ReadingSourceKind = "sqs"
	SourceMQTT ReadingSourceKind = "mqtt"
)
