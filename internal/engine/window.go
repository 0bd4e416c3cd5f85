// Package engine implements the streaming anomaly-scoring core: per-sensor
// rolling statistics over a sliding event-time window, self-calibrating
// z-scores, persistence filtering, the cross-sensor composite join, the
// Environmental Risk Index transform, and alert assembly.
//
// Every stage owns its state exclusively, keyed by sensor or discharge-point
// identity, and hands immutable value copies downstream. No stage reaches
// into another's state.
package engine

import (
	"math"
	"sort"
	"time"

	"riverwatch/internal/types"
)

// WindowSnapshot is the statistics view returned by every accepted update:
// the rolling mean, population standard deviation, and sample count of the
// sensor's current window.
type WindowSnapshot struct {
	Mean        float64
	Std         float64
	SampleCount int
}

// windowEntry is one retained (event_time, value) pair.
type windowEntry struct {
	at    time.Time
	value float64
}

// windowState holds the retained entries and running aggregates for one
// (sensor_id, metric) channel. Entries are kept ordered by event time so
// out-of-order arrivals insert at their correct position and eviction is a
// prefix trim.
//
// The aggregates use Welford's online algorithm with the symmetric deletion
// update, so mean and variance stay numerically stable across millions of
// insert/evict cycles without ever recomputing from scratch.
type windowState struct {
	entries []windowEntry
	// maxEvent is the largest event time seen so far; it is the window's
	// moving edge. Wall-clock time is never consulted, so replay and
	// backfill are deterministic.
	maxEvent time.Time

	count int
	mean  float64
	m2    float64 // sum of squared deviations from the mean
}

// add incorporates a value into the running aggregates.
func (s *windowState) add(v float64) {
	s.count++
	delta := v - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (v - s.mean)
}

// remove reverses add for an evicted value.
func (s *windowState) remove(v float64) {
	if s.count == 1 {
		s.count = 0
		s.mean = 0
		s.m2 = 0
		return
	}
	oldMean := s.mean
	s.mean = (float64(s.count)*s.mean - v) / float64(s.count-1)
	s.m2 -= (v - oldMean) * (v - s.mean)
	s.count--
	// Floating-point rounding can push m2 fractionally below zero.
	if s.m2 < 0 {
		s.m2 = 0
	}
}

// snapshot derives the current statistics. Fewer than 2 samples is a defined
// edge case: std is exactly 0, not an error.
func (s *windowState) snapshot() WindowSnapshot {
	snap := WindowSnapshot{Mean: s.mean, SampleCount: s.count}
	if s.count >= 2 {
		snap.Std = math.Sqrt(s.m2 / float64(s.count))
	}
	return snap
}

// WindowedStatistics maintains one sliding event-time window per
// (sensor_id, metric) channel. It is the sole owner and mutator of all
// window state; callers receive value snapshots only.
//
// Not safe for concurrent use: the pipeline guarantees per-key sequential
// processing, and each worker shard owns a disjoint set of keys.
type WindowedStatistics struct {
	window time.Duration
	states map[types.SensorKey]*windowState
}

// NewWindowedStatistics creates a WindowedStatistics with the given trailing
// window length.
func NewWindowedStatistics(window time.Duration) *WindowedStatistics {
	return &WindowedStatistics{
		window: window,
		states: make(map[types.SensorKey]*windowState),
	}
}

// Update inserts the reading into its channel's window and returns the
// resulting statistics.
//
// The reading is inserted in event-time order (out-of-order arrival within
// the window is incorporated as if it had arrived in order). All entries
// older than maxEventSeen - window are evicted on every update that advances
// the window edge.
//
// A reading whose event time has already fallen behind the window horizon is
// dropped without touching statistics; this is an expected condition under
// replay, reported via accepted=false rather than an error.
//
// NaN and ±Inf values are rejected with a validation AppError.
func (w *WindowedStatistics) Update(reading types.SensorReading) (snap WindowSnapshot, accepted bool, err error) {
	if math.IsNaN(reading.Value) || math.IsInf(reading.Value, 0) {
		return WindowSnapshot{}, false, types.NewValidationError(
			types.ErrCodeValidationNonNumeric,
			reading.SensorID,
			reading.Value,
			"reading value is not a finite number",
		)
	}

	key := reading.Key()
	st, ok := w.states[key]
	if !ok {
		st = &windowState{}
		w.states[key] = st
	}

	// The horizon moves only on the maximum event time seen so far.
	if reading.EventTime.After(st.maxEvent) {
		st.maxEvent = reading.EventTime
	}
	horizon := st.maxEvent.Add(-w.window)

	if reading.EventTime.Before(horizon) {
		// Older than the window can ever reach: drop, keep statistics as-is.
		st.evictBefore(horizon)
		return st.snapshot(), false, nil
	}

	st.insert(reading.EventTime, reading.Value)
	st.evictBefore(horizon)

	return st.snapshot(), true, nil
}

// Snapshot returns the current statistics for a channel without mutating it.
// The zero snapshot is returned for channels that have never been updated.
func (w *WindowedStatistics) Snapshot(key types.SensorKey) WindowSnapshot {
	st, ok := w.states[key]
	if !ok {
		return WindowSnapshot{}
	}
	return st.snapshot()
}

// ChannelCount returns the number of (sensor, metric) channels with live
// window state; exposed for the ops status endpoint.
func (w *WindowedStatistics) ChannelCount() int {
	return len(w.states)
}

// insert places the entry at its event-time-ordered position.
func (s *windowState) insert(at time.Time, v float64) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].at.After(at)
	})
	s.entries = append(s.entries, windowEntry{})
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = windowEntry{at: at, value: v}
	s.add(v)
}

// evictBefore removes every entry strictly older than the horizon and
// unwinds it from the running aggregates. Entries are ordered, so this is a
// prefix trim.
func (s *windowState) evictBefore(horizon time.Time) {
	n := 0
	for n < len(s.entries) && s.entries[n].at.Before(horizon) {
		s.remove(s.entries[n].value)
		n++
	}
	if n > 0 {
		s.entries = append(s.entries[:0], s.entries[n:]...)
	}
}
