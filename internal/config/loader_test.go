package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riverwatch/internal/types"
)

// setRequiredEnv sets the minimum environment for LoadConfig to succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("DATABASE_URL", "postgres://rw:rw@localhost:5432/riverwatch")
	t.Setenv("SQS_ALERTS", "https://sqs.us-east-1.amazonaws.com/123456789012/riverwatch-alerts")
	t.Setenv("SQS_READINGS", "https://sqs.us-east-1.amazonaws.com/123456789012/riverwatch-readings")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Detection.WindowSeconds)
	assert.Equal(t, 3.0, cfg.Detection.ZScoreThreshold)
	assert.Equal(t, 3, cfg.Detection.PersistenceCount)
	assert.Equal(t, 5000, cfg.Detection.SyncToleranceMS)
	assert.Equal(t, "MEDIUM", cfg.Alerting.MinRiskBand)
	assert.Equal(t, 60, cfg.Alerting.CooldownSeconds)
	assert.Equal(t, 2.0, cfg.Risk.ThresholdLow)
	assert.Equal(t, 5.0, cfg.Risk.ThresholdMedium)
	assert.Equal(t, 10.0, cfg.Risk.ThresholdHigh)
	assert.Equal(t, "sqs", cfg.Ingest.Source)

	// JSON fields parse into their typed forms.
	require.Contains(t, cfg.Detection.SensorGroups, "discharge_point_A")
	assert.Len(t, cfg.Detection.SensorGroups["discharge_point_A"], 4)
	assert.Equal(t, 3.5, cfg.Risk.RiverSensitivity["discharge_point_A"])
	require.Contains(t, cfg.Ingest.ValueRanges, "*ph*")
	assert.Equal(t, [2]float64{0.0, 14.0}, cfg.Ingest.ValueRanges["*ph*"])
}

func TestLoadConfig_MissingDatabaseURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_URL", "")

	_, err := LoadConfig()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, types.ErrCodeConfigInvalid, cfgErr.Code)
}

func TestLoadConfig_ThresholdOrdering(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ERI_THRESHOLD_LOW", "6.0")
	t.Setenv("ERI_THRESHOLD_MEDIUM", "5.0")

	_, err := LoadConfig()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, types.ErrCodeConfigInvalid, cfgErr.Code)
	assert.Contains(t, cfgErr.Message, "ERI thresholds")
}

func TestLoadConfig_BadSensorGroupsJSON(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SENSOR_GROUPS", "{not json")

	_, err := LoadConfig()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, types.ErrCodeConfigParsing, cfgErr.Code)
}

func TestLoadConfig_EmptySensorGroup(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SENSOR_GROUPS", `{"discharge_point_A":[]}`)

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one sensor id")
}

func TestLoadConfig_SensitivityRange(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RIVER_SENSITIVITY", `{"discharge_point_A":9.5}`)

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "river sensitivity")
}

func TestLoadConfig_ValueRangeInverted(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SENSOR_VALUE_RANGE", `{"*":[10.0,1.0]}`)

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly less than")
}

func TestLoadConfig_MQTTRequiresBroker(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("READING_SOURCE", "mqtt")
	t.Setenv("MQTT_BROKER_URL", "")

	_, err := LoadConfig()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, types.ErrCodeConfigMissing, cfgErr.Code)
}

func TestDerivedDurations(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "5s", cfg.Detection.SyncTolerance().String())
	assert.Equal(t, "5m0s", cfg.Detection.Window().String())
	assert.Equal(t, "1m0s", cfg.Alerting.Cooldown().String())
	assert.Equal(t, types.BandMedium, cfg.Alerting.MinBand())
}
