package engine

import (
	"riverwatch/internal/types"
)

// RiskThresholds are the contiguous band boundaries over the effluent risk
// index. An index below Low is LOW, below Medium is MEDIUM, below High is
// HIGH, and everything at or above High is CRITICAL.
type RiskThresholds struct {
	Low    float64
	Medium float64
	High   float64
}

// RiskIndexEngine contextualizes composite scores with the environmental
// sensitivity of the receiving river segment. Pure and stateless: the same
// event always yields the same assessment.
type RiskIndexEngine struct {
	sensitivity        map[string]float64
	defaultSensitivity float64
	severityMultiplier float64
	thresholds         RiskThresholds
}

// NewRiskIndexEngine creates an engine with per-discharge-point sensitivity
// weights. Points absent from the map fall back to defaultSensitivity and
// their assessments carry the UnknownSensitivity flag.
func NewRiskIndexEngine(sensitivity map[string]float64, defaultSensitivity, severityMultiplier float64, thresholds RiskThresholds) *RiskIndexEngine {
	return &RiskIndexEngine{
		sensitivity:        sensitivity,
		defaultSensitivity: defaultSensitivity,
		severityMultiplier: severityMultiplier,
		thresholds:         thresholds,
	}
}

// Assess computes the effluent risk index for a composite event and maps it
// to a risk band.
//
// eri = composite_score * sensitivity * severity_multiplier, clamped to
// [0, 10]. The clamp keeps the index on a stable operator-facing scale no
// matter how extreme the underlying deviation is; the unclamped magnitude
// remains visible through the composite score.
func (e *RiskIndexEngine) Assess(event types.CompositeEvent) types.RiskAssessment {
	sensitivity, known := e.sensitivity[event.DischargePointID]
	if !known {
		sensitivity = e.defaultSensitivity
	}

	eri := event.CompositeScore * sensitivity * e.severityMultiplier
	if eri < 0 {
		eri = 0
	} else if eri > 10 {
		eri = 10
	}

	return types.RiskAssessment{
		Event:              event,
		ERI:                eri,
		Band:               e.band(eri),
		Sensitivity:        sensitivity,
		UnknownSensitivity: !known,
	}
}

// band maps an index to its risk band. The bands are contiguous and total:
// every finite non-negative index lands in exactly one.
func (e *RiskIndexEngine) band(eri float64) types.RiskBand {
	switch {
	case eri < e.thresholds.Low:
		return types.BandLow
	case eri < e.thresholds.Medium:
		return types.BandMedium
	case eri < e.thresholds.High:
		return types.BandHigh
	default:
		return types.BandCritical
	}
}
