// loader.go implements the configuration loading lifecycle for the RiverWatch
// pipeline.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Parse the JSON-valued fields (sensor groups, sensitivity map, value
//     ranges) into their typed forms.
//  5. Populate BuildInfo from linker-injected variables.
//  6. Validate the struct using go-playground/validator, then apply the
//     cross-field constraints validator tags cannot express.
package config

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"riverwatch/internal/types"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid
// debugging. It wraps a types.ErrorCode and an underlying error message.
type ConfigError struct {
	Code    types.ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the RiverWatch configuration.
//
// Any failure is fatal to the whole process: a pipeline started with an
// invalid threshold or an unparsable sensitivity map must not process a
// single reading.
func LoadConfig() (*Config, error) {
	// Step 1: Enforce UTC timezone to prevent drift bugs.
	time.Local = time.UTC

	// Step 2: Load .env file (non-fatal if absent). godotenv does NOT
	// override existing environment variables.
	_ = godotenv.Load()

	// Step 3: Process envconfig tags to populate the Config struct.
	// The empty prefix "" means envconfig uses the exact tag values
	// (e.g., envconfig:"ZSCORE_THRESHOLD" reads ZSCORE_THRESHOLD directly).
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Code:    types.ErrCodeConfigParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	// Step 4: Parse JSON-valued fields into their typed forms.
	if err := parseJSONFields(&cfg); err != nil {
		return nil, err
	}

	// Step 5: Populate build metadata from linker-injected variables.
	cfg.Build = NewBuildInfo()

	// Step 6: Validate the populated struct.
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Code:    types.ErrCodeConfigInvalid,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	if err := validateCrossField(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// parseJSONFields decodes the JSON-string env fields into their typed map
// forms. Decoding failures are configuration errors, fatal at startup.
func parseJSONFields(cfg *Config) error {
	if err := json.Unmarshal([]byte(cfg.Detection.SensorGroupsJSON), &cfg.Detection.SensorGroups); err != nil {
		return &ConfigError{
			Code:    types.ErrCodeConfigParsing,
			Message: "SENSOR_GROUPS is not a valid JSON object of string lists",
			Err:     err,
		}
	}
	if err := json.Unmarshal([]byte(cfg.Risk.RiverSensitivityJSON), &cfg.Risk.RiverSensitivity); err != nil {
		return &ConfigError{
			Code:    types.ErrCodeConfigParsing,
			Message: "RIVER_SENSITIVITY is not a valid JSON object of numbers",
			Err:     err,
		}
	}
	if err := json.Unmarshal([]byte(cfg.Ingest.ValueRangesJSON), &cfg.Ingest.ValueRanges); err != nil {
		return &ConfigError{
			Code:    types.ErrCodeConfigParsing,
			Message: "SENSOR_VALUE_RANGE is not a valid JSON object of [min, max] pairs",
			Err:     err,
		}
	}
	return nil
}

// validateCrossField applies the constraints that span multiple fields or
// map entries, mirroring the per-field documentation in config.go.
func validateCrossField(cfg *Config) error {
	r := cfg.Risk
	if !(r.ThresholdLow < r.ThresholdMedium && r.ThresholdMedium < r.ThresholdHigh) {
		return &ConfigError{
			Code: types.ErrCodeConfigInvalid,
			Message: fmt.Sprintf(
				"ERI thresholds must satisfy low (%g) < medium (%g) < high (%g)",
				r.ThresholdLow, r.ThresholdMedium, r.ThresholdHigh),
		}
	}

	for pt, factor := range r.RiverSensitivity {
		if factor < 1.0 || factor > 5.0 {
			return &ConfigError{
				Code:    types.ErrCodeConfigInvalid,
				Message: fmt.Sprintf("river sensitivity for %q must be in [1.0, 5.0], got %g", pt, factor),
			}
		}
	}

	if len(cfg.Detection.SensorGroups) == 0 {
		return &ConfigError{
			Code:    types.ErrCodeConfigInvalid,
			Message: "SENSOR_GROUPS must define at least one discharge point",
		}
	}
	for point, members := range cfg.Detection.SensorGroups {
		if len(members) == 0 {
			return &ConfigError{
				Code:    types.ErrCodeConfigInvalid,
				Message: fmt.Sprintf("sensor group %q must contain at least one sensor id", point),
			}
		}
	}

	for pattern, bounds := range cfg.Ingest.ValueRanges {
		if _, err := path.Match(pattern, "probe"); err != nil {
			return &ConfigError{
				Code:    types.ErrCodeConfigInvalid,
				Message: fmt.Sprintf("SENSOR_VALUE_RANGE pattern %q is not a valid glob", pattern),
				Err:     err,
			}
		}
		if bounds[0] >= bounds[1] {
			return &ConfigError{
				Code:    types.ErrCodeConfigInvalid,
				Message: fmt.Sprintf("SENSOR_VALUE_RANGE[%q] min (%g) must be strictly less than max (%g)", pattern, bounds[0], bounds[1]),
			}
		}
	}

	if cfg.Ingest.Source == string(types.SourceSQS) && cfg.AWS.ReadingQueueURL == "" {
		return &ConfigError{
			Code:    types.ErrCodeConfigMissing,
			Message: "SQS_READINGS is required when READING_SOURCE is sqs",
		}
	}
	if cfg.Ingest.Source == string(types.SourceMQTT) && cfg.Ingest.MQTT.BrokerURL == "" {
		return &ConfigError{
			Code:    types.ErrCodeConfigMissing,
			Message: "MQTT_BROKER_URL is required when READING_SOURCE is mqtt",
		}
	}

	return nil
}
