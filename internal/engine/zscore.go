package engine

import (
	"riverwatch/internal/types"
)

// DefaultEpsilon is the stddev floor below which a window is treated as
// zero-variance. A true zero-variance window means "no anomaly possible",
// not a fault; the comparison uses this epsilon rather than std == 0 to
// avoid floating-point false negatives.
const DefaultEpsilon = 1e-9

// ZScoreEvaluator converts a raw reading plus its window statistics into a
// normalized deviation. Pure transformation; no state.
type ZScoreEvaluator struct {
	epsilon float64
}

// NewZScoreEvaluator creates a ZScoreEvaluator with the given epsilon.
// Epsilon values <= 0 fall back to DefaultEpsilon.
func NewZScoreEvaluator(epsilon float64) *ZScoreEvaluator {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &ZScoreEvaluator{epsilon: epsilon}
}

// Evaluate returns (value - mean) / std, or exactly 0.0 when std <= epsilon.
func (e *ZScoreEvaluator) Evaluate(value, mean, std float64) float64 {
	if std <= e.epsilon {
		return 0.0
	}
	return (value - mean) / std
}

// Score builds the AnomalySignal for a reading against its window snapshot.
// ConsecutiveCount is left zero; the persistence filter stamps it when the
// signal passes the gate.
func (e *ZScoreEvaluator) Score(reading types.SensorReading, snap WindowSnapshot) types.AnomalySignal {
	return types.AnomalySignal{
		SensorID:  reading.SensorID,
		Metric:    reading.Metric,
		EventTime: reading.EventTime,
		ZScore:    e.Evaluate(reading.Value, snap.Mean, snap.Std),
		RawValue:  reading.Value,
		Mean:      snap.Mean,
		Std:       snap.Std,
	}
}
