package engine

import (
	"math"
	"time"

	"riverwatch/internal/types"
)

// persistenceState tracks the breach streak for one sensor channel.
type persistenceState struct {
	consecutive int
	lastBreach  time.Time
	confirmed   bool
}

// PersistenceFilter is the per-sensor state machine that suppresses
// single-tick noise: a sensor must breach the z-score threshold on
// PERSISTENCE_COUNT consecutive readings before its anomaly is confirmed.
//
// States per sensor: CLEAN -> PENDING(k) -> CONFIRMED. A single
// non-breaching reading resets the machine to CLEAN immediately; there is no
// partial decay. Once CONFIRMED, every further breaching reading re-emits a
// confirmed signal until a clean reading resets the sensor.
//
// Recovery policy: one clean reading returns a CONFIRMED sensor to CLEAN.
type PersistenceFilter struct {
	threshold float64
	required  int
	states    map[types.SensorKey]*persistenceState
}

// NewPersistenceFilter creates a filter requiring |z| >= threshold on
// `required` consecutive readings. required is clamped to a minimum of 1.
func NewPersistenceFilter(threshold float64, required int) *PersistenceFilter {
	if required < 1 {
		required = 1
	}
	return &PersistenceFilter{
		threshold: threshold,
		required:  required,
		states:    make(map[types.SensorKey]*persistenceState),
	}
}

// Observe advances the sensor's state machine with a scored signal.
// It returns the signal with its streak count stamped, and confirmed=true
// when the signal passed the persistence gate (either the streak just
// reached the required count, or the sensor was already CONFIRMED and
// breached again).
func (f *PersistenceFilter) Observe(sig types.AnomalySignal) (types.AnomalySignal, bool) {
	key := types.SensorKey{SensorID: sig.SensorID, Metric: sig.Metric}
	st, ok := f.states[key]
	if !ok {
		st = &persistenceState{}
		f.states[key] = st
	}

	if math.Abs(sig.ZScore) < f.threshold {
		// One clean reading cancels an in-progress streak outright.
		st.consecutive = 0
		st.confirmed = false
		return sig, false
	}

	st.consecutive++
	st.lastBreach = sig.EventTime
	if st.consecutive >= f.required {
		st.confirmed = true
	}

	sig.ConsecutiveCount = st.consecutive
	return sig, st.confirmed
}

// State reports the sensor's current persistence state for observability.
func (f *PersistenceFilter) State(key types.SensorKey) types.SensorState {
	st, ok := f.states[key]
	if !ok || st.consecutive == 0 {
		return types.StateClean
	}
	if st.confirmed {
		return types.StateConfirmed
	}
	return types.StatePending
}
