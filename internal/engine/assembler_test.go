package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riverwatch/internal/types"
)

type fixedClock struct {
	at time.Time
}

func (c fixedClock) Now() time.Time { return c.at }

func assessment(point string, band types.RiskBand, eri float64, windowTS time.Time) types.RiskAssessment {
	return types.RiskAssessment{
		Event: types.CompositeEvent{
			DischargePointID: point,
			WindowTimestamp:  windowTS,
			TopContributor:   "s-1",
			CompositeScore:   eri / 2.0,
			ContributingSignals: []types.AnomalySignal{
				{SensorID: "s-1", ZScore: 4.2, EventTime: windowTS},
			},
		},
		ERI:         eri,
		Band:        band,
		Sensitivity: 2.0,
	}
}

func TestAlertAssembler_GatesBelowMinimumBand(t *testing.T) {
	windowTS := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a := NewAlertAssembler(types.BandHigh, time.Minute, fixedClock{at: windowTS})

	_, emit, suppressed := a.Assemble(assessment("dp", types.BandMedium, 3.0, windowTS))
	assert.False(t, emit)
	assert.False(t, suppressed)

	_, emit, _ = a.Assemble(assessment("dp", types.BandHigh, 7.0, windowTS))
	assert.True(t, emit)
}

func TestAlertAssembler_BuildsRecord(t *testing.T) {
	windowTS := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := windowTS.Add(750 * time.Millisecond)
	a := NewAlertAssembler(types.BandLow, time.Minute, fixedClock{at: now})

	record, emit, _ := a.Assemble(assessment("outfall-1", types.BandHigh, 7.07, windowTS))
	require.True(t, emit)

	assert.Equal(t, "alr_outfall-1_1772352000000", record.AlertID)
	assert.Equal(t, "outfall-1", record.DischargePointID)
	assert.Equal(t, "s-1", record.SensorID)
	assert.Equal(t, windowTS, record.Timestamp)
	assert.Equal(t, 4.2, record.ZScore)
	assert.InDelta(t, 7.07, record.ERI, 1e-9)
	assert.Equal(t, types.BandHigh, record.RiskBand)
	assert.Equal(t, types.LevelSevere, record.AlertLevel)
	assert.Equal(t, "s-1", record.TopContributor)
	assert.Equal(t, 1, record.ContributorCount)
	assert.False(t, record.Partial)
	assert.Equal(t, int64(750), record.LatencyMS)
	assert.Equal(t, now, record.GeneratedAt)
	assert.Contains(t, record.AlertMessage, "HIGH risk at outfall-1")
	assert.Contains(t, record.AlertMessage, "elevated reading s-1")
}

func TestAlertAssembler_CarriesAttributionDetail(t *testing.T) {
	windowTS := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a := NewAlertAssembler(types.BandLow, time.Minute, fixedClock{at: windowTS})

	attributed := assessment("dp", types.BandHigh, 7.0, windowTS)
	attributed.Event.AttributionDetail = map[string]float64{"s-1": 0.64, "s-2": 0.36}

	record, emit, _ := a.Assemble(attributed)
	require.True(t, emit)
	assert.Equal(t, map[string]float64{"s-1": 0.64, "s-2": 0.36}, record.AttributionDetail)
}

func TestAlertAssembler_LatencyMeasuredFromWindowTimestamp(t *testing.T) {
	windowTS := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := windowTS.Add(2 * time.Second)
	a := NewAlertAssembler(types.BandLow, time.Minute, fixedClock{at: now})

	// Contributors span the bucket; the earlier one must not widen latency.
	spread := assessment("dp", types.BandHigh, 7.0, windowTS)
	spread.Event.ContributingSignals = []types.AnomalySignal{
		{SensorID: "s-1", ZScore: 4.2, EventTime: windowTS.Add(-4 * time.Second)},
		{SensorID: "s-2", ZScore: 3.1, EventTime: windowTS},
	}

	record, emit, _ := a.Assemble(spread)
	require.True(t, emit)
	assert.Equal(t, int64(2000), record.LatencyMS)
}

func TestAlertAssembler_LatencyClampsNegative(t *testing.T) {
	windowTS := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a := NewAlertAssembler(types.BandLow, time.Minute, fixedClock{at: windowTS.Add(-time.Second)})

	record, emit, _ := a.Assemble(assessment("dp", types.BandHigh, 7.0, windowTS))
	require.True(t, emit)
	assert.Equal(t, int64(0), record.LatencyMS)
}

func TestAlertAssembler_MessageDirectionFollowsSign(t *testing.T) {
	windowTS := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a := NewAlertAssembler(types.BandLow, time.Minute, fixedClock{at: windowTS})

	low := assessment("dp", types.BandHigh, 7.0, windowTS)
	low.Event.ContributingSignals[0].ZScore = -4.2

	record, emit, _ := a.Assemble(low)
	require.True(t, emit)
	assert.Contains(t, record.AlertMessage, "depressed reading s-1")
}

func TestAlertAssembler_CooldownSuppressesRepeats(t *testing.T) {
	windowTS := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a := NewAlertAssembler(types.BandLow, time.Minute, fixedClock{at: windowTS})

	_, emit, _ := a.Assemble(assessment("dp", types.BandHigh, 7.0, windowTS))
	require.True(t, emit)

	// Same point and top contributor inside the cooldown interval.
	_, emit, suppressed := a.Assemble(assessment("dp", types.BandHigh, 7.0, windowTS.Add(30*time.Second)))
	assert.False(t, emit)
	assert.True(t, suppressed)

	// Past the interval the pair may alert again.
	_, emit, suppressed = a.Assemble(assessment("dp", types.BandHigh, 7.0, windowTS.Add(61*time.Second)))
	assert.True(t, emit)
	assert.False(t, suppressed)
}

func TestAlertAssembler_CooldownIsPerContributor(t *testing.T) {
	windowTS := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a := NewAlertAssembler(types.BandLow, time.Minute, fixedClock{at: windowTS})

	_, emit, _ := a.Assemble(assessment("dp", types.BandHigh, 7.0, windowTS))
	require.True(t, emit)

	// A different top contributor at the same point is not suppressed.
	other := assessment("dp", types.BandHigh, 7.0, windowTS.Add(10*time.Second))
	other.Event.TopContributor = "s-2"
	other.Event.ContributingSignals = []types.AnomalySignal{
		{SensorID: "s-2", ZScore: 5.0, EventTime: windowTS.Add(10 * time.Second)},
	}
	_, emit, suppressed := a.Assemble(other)
	assert.True(t, emit)
	assert.False(t, suppressed)
}

func TestAlertAssembler_PartialEventAnnotatesMessage(t *testing.T) {
	windowTS := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a := NewAlertAssembler(types.BandLow, time.Minute, fixedClock{at: windowTS})

	partial := assessment("dp", types.BandCritical, 10.0, windowTS)
	partial.Event.Partial = true
	partial.Event.MissingSensors = []string{"s-2", "s-3"}

	record, emit, _ := a.Assemble(partial)
	require.True(t, emit)
	assert.True(t, record.Partial)
	assert.Equal(t, types.LevelEmergency, record.AlertLevel)
	assert.Contains(t, record.AlertMessage, "[partial: 2 sensors missing]")
}

func TestAlertAssembler_SuppressionDoesNotResetCooldown(t *testing.T) {
	windowTS := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	a := NewAlertAssembler(types.BandLow, time.Minute, fixedClock{at: windowTS})

	_, emit, _ := a.Assemble(assessment("dp", types.BandHigh, 7.0, windowTS))
	require.True(t, emit)

	_, _, suppressed := a.Assemble(assessment("dp", types.BandHigh, 7.0, windowTS.Add(40*time.Second)))
	require.True(t, suppressed)

	// 70s after the emitted alert: suppression at 40s must not have pushed
	// the cooldown anchor forward.
	_, emit, _ = a.Assemble(assessment("dp", types.BandHigh, 7.0, windowTS.Add(70*time.Second)))
	assert.True(t, emit)
}
