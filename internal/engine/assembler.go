package engine

import (
	"fmt"
	"time"

	"riverwatch/internal/types"
)

// AlertAssembler turns risk assessments into terminal alert records. It gates
// on a minimum risk band and applies a per-(discharge point, top contributor)
// cooldown so a sensor stuck in breach pages operators once per interval, not
// once per reading.
type AlertAssembler struct {
	minBand  types.RiskBand
	cooldown time.Duration
	clock    types.Clock
	// lastAlert tracks the most recent emitted alert's window timestamp per
	// (point, top contributor) pair. Keyed on event time, not wall clock, so
	// replays reproduce the exact same suppression decisions.
	lastAlert map[string]time.Time
}

// NewAlertAssembler creates an assembler gated at minBand with the given
// cooldown interval.
func NewAlertAssembler(minBand types.RiskBand, cooldown time.Duration, clock types.Clock) *AlertAssembler {
	return &AlertAssembler{
		minBand:   minBand,
		cooldown:  cooldown,
		clock:     clock,
		lastAlert: make(map[string]time.Time),
	}
}

// Assemble evaluates one assessment against the gate and cooldown. It returns
// the alert record and emit=true when an alert should be published;
// suppressed=true when the band cleared the gate but the cooldown swallowed
// it. Both false means the band was below the gate.
func (a *AlertAssembler) Assemble(assessment types.RiskAssessment) (record types.AlertRecord, emit bool, suppressed bool) {
	if !assessment.Band.AtLeast(a.minBand) {
		return types.AlertRecord{}, false, false
	}

	event := assessment.Event
	cooldownKey := event.DischargePointID + "/" + event.TopContributor
	if last, ok := a.lastAlert[cooldownKey]; ok {
		if event.WindowTimestamp.Sub(last) < a.cooldown {
			return types.AlertRecord{}, false, true
		}
	}
	a.lastAlert[cooldownKey] = event.WindowTimestamp

	topZ := topContributorZ(event)
	now := a.clock.Now()

	record = types.AlertRecord{
		AlertID:           alertID(event),
		DischargePointID:  event.DischargePointID,
		SensorID:          event.TopContributor,
		Timestamp:         event.WindowTimestamp,
		ZScore:            topZ,
		CompositeScore:    event.CompositeScore,
		ERI:               assessment.ERI,
		RiskBand:          assessment.Band,
		AlertLevel:        types.LevelForBand(assessment.Band),
		TopContributor:    event.TopContributor,
		AttributionDetail: event.AttributionDetail,
		AlertMessage:      alertMessage(assessment, topZ),
		ContributorCount:  len(event.ContributingSignals),
		Partial:           event.Partial,
		LatencyMS:         latencyMS(event, now),
		GeneratedAt:       now,
	}
	return record, true, false
}

// alertID derives a deterministic identifier from the event's identity so a
// replay of the same input stream produces byte-identical alert IDs and
// downstream stores can deduplicate on it.
func alertID(event types.CompositeEvent) string {
	return fmt.Sprintf("alr_%s_%d", event.DischargePointID, event.WindowTimestamp.UnixMilli())
}

// topContributorZ returns the z-score of the event's top contributor.
func topContributorZ(event types.CompositeEvent) float64 {
	for _, sig := range event.ContributingSignals {
		if sig.SensorID == event.TopContributor {
			return sig.ZScore
		}
	}
	return 0
}

// alertMessage builds the operator-facing summary line. Pure function of the
// assessment; identical inputs render identical text.
func alertMessage(assessment types.RiskAssessment, topZ float64) string {
	event := assessment.Event
	direction := "elevated"
	if topZ < 0 {
		direction = "depressed"
	}
	msg := fmt.Sprintf("%s risk at %s: %s reading %s (z=%.2f), composite %.2f, ERI %.2f",
		assessment.Band, event.DischargePointID, direction, event.TopContributor,
		topZ, event.CompositeScore, assessment.ERI)
	if event.Partial {
		msg += fmt.Sprintf(" [partial: %d sensors missing]", len(event.MissingSensors))
	}
	return msg
}

// latencyMS measures pipeline lag from the event's window timestamp to alert
// assembly. Contributors earlier in the bucket do not widen the figure.
// Negative values (clock skew, synthetic replays) clamp to 0.
func latencyMS(event types.CompositeEvent, now time.Time) int64 {
	ms := now.Sub(event.WindowTimestamp).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return ms
}
