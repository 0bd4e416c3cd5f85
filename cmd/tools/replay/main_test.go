package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riverwatch/internal/types"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "readings.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadReadings(t *testing.T) {
	path := writeCSV(t, `sensor_id,metric,value,event_time
FACTORY_A,ph,7.2,2026-03-01T08:00:00Z
FACTORY_B,turbidity,12.5,2026-03-01T08:00:01Z
`)

	readings, err := loadReadings(path)
	require.NoError(t, err)
	require.Len(t, readings, 2)

	assert.Equal(t, "FACTORY_A", readings[0].SensorID)
	assert.Equal(t, "ph", readings[0].Metric)
	assert.Equal(t, 7.2, readings[0].Value)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), readings[0].EventTime)
	assert.Equal(t, "FACTORY_B", readings[1].SensorID)
}

func TestLoadReadings_BadHeader(t *testing.T) {
	path := writeCSV(t, `id,kind,reading,at
FACTORY_A,ph,7.2,2026-03-01T08:00:00Z
`)

	_, err := loadReadings(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected header")
}

func TestLoadReadings_BadValue(t *testing.T) {
	path := writeCSV(t, `sensor_id,metric,value,event_time
FACTORY_A,ph,not-a-number,2026-03-01T08:00:00Z
`)

	_, err := loadReadings(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a number")
}

func TestLoadReadings_BadTimestamp(t *testing.T) {
	path := writeCSV(t, `sensor_id,metric,value,event_time
FACTORY_A,ph,7.2,yesterday
`)

	_, err := loadReadings(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RFC 3339")
}

func TestShiftToNow_PreservesGaps(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	readings := []types.ReadingMessage{
		{SensorID: "a", EventTime: base.Add(5 * time.Second)},
		{SensorID: "b", EventTime: base},
		{SensorID: "c", EventTime: base.Add(12 * time.Second)},
	}

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	shiftToNow(readings, now)

	assert.Equal(t, now.Add(5*time.Second), readings[0].EventTime)
	assert.Equal(t, now, readings[1].EventTime)
	assert.Equal(t, now.Add(12*time.Second), readings[2].EventTime)
}
