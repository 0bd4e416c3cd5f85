// Package config defines the global configuration structure for the RiverWatch
// pipeline. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Struct Defaults (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup, before a single reading is processed.
package config

import (
	"time"

	"riverwatch/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the RiverWatch pipeline.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"riverwatch-detector"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Domain Configurations
	Detection     DetectionConfig
	Risk          RiskConfig
	Alerting      AlertingConfig
	Ingest        IngestConfig
	AWS           AWSConfig
	Database      DatabaseConfig
	Webhook       WebhookConfig
	Ops           OpsConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// DetectionConfig holds the tunables of the streaming anomaly-scoring engine.
// Defaults follow industry convention for effluent telemetry: a 5-minute
// trailing baseline, a 3-sigma breach threshold, and 3 consecutive breaches
// before confirmation.
type DetectionConfig struct {
	// WindowSeconds is the trailing window width for per-sensor rolling
	// mean/std. Windows shorter than 10s give statistically unreliable
	// z-scores.
	WindowSeconds int `envconfig:"WINDOW_SECONDS" default:"300" validate:"min=10"`

	// ZScoreThreshold is the |z| above which a reading counts as a breach.
	ZScoreThreshold float64 `envconfig:"ZSCORE_THRESHOLD" default:"3.0" validate:"gt=0"`

	// Epsilon is the stddev floor below which a window is treated as
	// zero-variance (z-score defined as 0.0). It must be negligibly small.
	Epsilon float64 `envconfig:"EPSILON" default:"1e-9" validate:"gt=0,lt=0.000001"`

	// PersistenceCount is the number of consecutive breaches required before
	// a sensor's anomaly is confirmed.
	PersistenceCount int `envconfig:"PERSISTENCE_COUNT" default:"3" validate:"min=1"`

	// SyncToleranceMS is the width of the timestamp-alignment bucket used to
	// synchronize confirmed signals from different sensors at one discharge
	// point before computing the composite score.
	SyncToleranceMS int `envconfig:"SYNC_TOLERANCE_MS" default:"5000" validate:"min=1"`

	// SensorGroupsJSON maps discharge point IDs to ordered lists of member
	// sensor IDs, as a JSON object. Parsed into SensorGroups by the loader.
	SensorGroupsJSON string `envconfig:"SENSOR_GROUPS" default:"{\"discharge_point_A\":[\"FACTORY_A\",\"FACTORY_B\",\"FACTORY_C\",\"FACTORY_D\"]}" validate:"required,json"`

	// SensorGroups is the parsed form of SensorGroupsJSON.
	SensorGroups map[string][]string `ignored:"true"`
}

// SyncTolerance returns the synchronization bucket width as a Duration.
func (d DetectionConfig) SyncTolerance() time.Duration {
	return time.Duration(d.SyncToleranceMS) * time.Millisecond
}

// Window returns the trailing window length as a Duration.
func (d DetectionConfig) Window() time.Duration {
	return time.Duration(d.WindowSeconds) * time.Second
}

// RiskConfig holds the Environmental Risk Index parameters.
type RiskConfig struct {
	// RiverSensitivityJSON maps discharge point IDs to sensitivity factors
	// in [1.0, 5.0]. Higher values indicate ecologically sensitive stretches
	// of river. Parsed into RiverSensitivity by the loader.
	RiverSensitivityJSON string `envconfig:"RIVER_SENSITIVITY" default:"{\"discharge_point_A\":3.5,\"discharge_point_B\":1.2}" validate:"required,json"`

	// RiverSensitivity is the parsed form of RiverSensitivityJSON.
	RiverSensitivity map[string]float64 `ignored:"true"`

	// DefaultSensitivity is applied when a discharge point is absent from
	// RiverSensitivity; assessments using it are flagged UnknownSensitivity.
	DefaultSensitivity float64 `envconfig:"DEFAULT_SENSITIVITY" default:"2.0" validate:"gte=1,lte=5"`

	// SeverityMultiplier is a global scaling factor applied to every ERI
	// computation: ERI = composite * sensitivity * multiplier.
	SeverityMultiplier float64 `envconfig:"SEVERITY_MULTIPLIER" default:"1.0" validate:"gt=0"`

	// Band thresholds over ERI. Bands are contiguous, monotonic, and
	// exhaustive: eri < Low -> LOW, < Medium -> MEDIUM, < High -> HIGH,
	// otherwise CRITICAL. Cross-field ordering is checked by the loader.
	ThresholdLow    float64 `envconfig:"ERI_THRESHOLD_LOW" default:"2.0" validate:"gt=0"`
	ThresholdMedium float64 `envconfig:"ERI_THRESHOLD_MEDIUM" default:"5.0" validate:"gt=0"`
	ThresholdHigh   float64 `envconfig:"ERI_THRESHOLD_HIGH" default:"10.0" validate:"gt=0"`
}

// AlertingConfig holds alert gating parameters.
type AlertingConfig struct {
	// MinRiskBand is the lowest band that produces an AlertRecord. Events
	// below it are suppressed silently (not an error).
	MinRiskBand string `envconfig:"ALERT_MIN_RISK_BAND" default:"MEDIUM" validate:"oneof=LOW MEDIUM HIGH CRITICAL"`

	// CooldownSeconds is the minimum gap between successive alerts with the
	// same top contributor. Prevents alert floods on sustained anomalies.
	// 0 disables the cooldown.
	CooldownSeconds int `envconfig:"ALERT_COOLDOWN_SECONDS" default:"60" validate:"min=0"`
}

// MinBand returns MinRiskBand as a typed RiskBand.
func (a AlertingConfig) MinBand() types.RiskBand {
	return types.RiskBand(a.MinRiskBand)
}

// Cooldown returns the alert cooldown as a Duration.
func (a AlertingConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

// IngestConfig holds boundary validation rules and the reading transport
// selection.
type IngestConfig struct {
	// Source selects the reading transport: "sqs" (default) or "mqtt".
	Source string `envconfig:"READING_SOURCE" default:"sqs" validate:"oneof=sqs mqtt"`

	// MaxSensorIDLength caps the accepted sensor_id length.
	MaxSensorIDLength int `envconfig:"MAX_SENSOR_ID_LENGTH" default:"64" validate:"min=1"`

	// ValueRangesJSON maps sensor-id glob patterns to [min, max] allowed
	// values, as a JSON object. The most specific matching pattern wins;
	// "*" is the fallback. Parsed into ValueRanges by the loader.
	ValueRangesJSON string `envconfig:"SENSOR_VALUE_RANGE" default:"{\"*ph*\":[0.0,14.0],\"*turbidity*\":[0.0,1000.0],\"*flow*\":[0.0,10000.0],\"*\":[-1.0e9,1.0e9]}" validate:"required,json"`

	// ValueRanges is the parsed form of ValueRangesJSON.
	ValueRanges map[string][2]float64 `ignored:"true"`

	// MQTT transport settings, used when Source is "mqtt".
	MQTT MQTTConfig
}

// MQTTConfig holds MQTT broker connection settings for field telemetry.
type MQTTConfig struct {
	BrokerURL string `envconfig:"MQTT_BROKER_URL" default:"tcp://localhost:1883"`
	Topic     string `envconfig:"MQTT_READINGS_TOPIC" default:"riverwatch/readings/#"`
	ClientID  string `envconfig:"MQTT_CLIENT_ID" default:"riverwatch-detector"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Resource Identifiers
	ReadingQueueURL string `envconfig:"SQS_READINGS" validate:"omitempty,url"`
	AlertQueueURL   string `envconfig:"SQS_ALERTS" validate:"required,url"`
	DlqURL          string `envconfig:"SQS_DLQ" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// DatabaseConfig holds database connection and pool tuning parameters for
// the alert evidence store.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// WebhookConfig holds settings for outbound alert webhook delivery.
type WebhookConfig struct {
	URL            string        `envconfig:"ALERT_WEBHOOK_URL" validate:"omitempty,url"`
	SigningSecret  SecretString  `envconfig:"ALERT_WEBHOOK_SECRET"`
	UserAgent      string        `envconfig:"WEBHOOK_USER_AGENT" default:"RiverWatch-Alert/1.0"`
	DefaultTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	MaxRedirects   int           `envconfig:"WEBHOOK_MAX_REDIRECTS" default:"3"`
}

// OpsConfig holds the health/status HTTP listener settings for the detector
// daemon.
type OpsConfig struct {
	Port string `envconfig:"OPS_PORT" default:"8080"`
}

// ArchiveConfig holds evidence-log archival settings.
type ArchiveConfig struct {
	// Directory receiving zstd-compressed JSONL archive segments.
	Directory string `envconfig:"ARCHIVE_DIR" default:"data/archive"`

	// RetentionDays is the age at which delivered alert records are moved
	// from the evidence table into compressed archive segments.
	RetentionDays int `envconfig:"ARCHIVE_RETENTION_DAYS" default:"30" validate:"min=1"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"RiverWatch"`

	// MetricsIntervalSeconds is how often the detector logs latency summary
	// lines (end-to-end and per-stage P50/P95/P99) and flushes buffered
	// CloudWatch metrics.
	MetricsIntervalSeconds int `envconfig:"METRICS_LOG_INTERVAL_SECONDS" default:"30" validate:"min=1"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}
