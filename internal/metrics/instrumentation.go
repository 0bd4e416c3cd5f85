package metrics

import (
	"sync"

	"riverwatch/internal/types"
)

// stageTimelineCapacity bounds how many samples each per-stage timeline
// retains for percentile summaries.
const stageTimelineCapacity = 1024

// Instrumentation fans pipeline telemetry out to CloudWatch and mirrors
// latency observations into in-process timelines so the ops endpoint and the
// periodic summary log can report percentiles without a CloudWatch round
// trip. End-to-end latency lands in the shared timeline; stage latency is
// kept per stage.
type Instrumentation struct {
	emitter *Emitter
	latency *LatencyTimeline

	mu     sync.Mutex
	stages map[string]*LatencyTimeline
}

// NewInstrumentation wires an emitter and a latency timeline together.
// Either may be nil; the corresponding output is skipped.
func NewInstrumentation(emitter *Emitter, latency *LatencyTimeline) *Instrumentation {
	return &Instrumentation{
		emitter: emitter,
		latency: latency,
		stages:  make(map[string]*LatencyTimeline),
	}
}

func (i *Instrumentation) Increment(name string, dims map[string]string) {
	if i.emitter != nil {
		i.emitter.Increment(name, dims)
	}
}

func (i *Instrumentation) Observe(name string, value float64, dims map[string]string) {
	if i.emitter != nil {
		i.emitter.Observe(name, value, dims)
	}
	switch name {
	case types.MetricPipelineLatency:
		if i.latency != nil {
			i.latency.Record(value)
		}
	case types.MetricStageLatency:
		if stage := dims[types.DimStage]; stage != "" {
			i.stageTimeline(stage).Record(value)
		}
	}
}

// StageSummaries returns a percentile snapshot per observed stage.
func (i *Instrumentation) StageSummaries() map[string]LatencySummary {
	i.mu.Lock()
	timelines := make(map[string]*LatencyTimeline, len(i.stages))
	for stage, tl := range i.stages {
		timelines[stage] = tl
	}
	i.mu.Unlock()

	out := make(map[string]LatencySummary, len(timelines))
	for stage, tl := range timelines {
		out[stage] = tl.Summary()
	}
	return out
}

// LogSummary writes one latency summary line for the end-to-end pipeline and
// one per observed stage. Stages with no samples yet are skipped.
func (i *Instrumentation) LogSummary(logger types.Logger) {
	if i.latency != nil {
		if s := i.latency.Summary(); s.Count > 0 {
			logger.Info("pipeline latency summary",
				"count", s.Count, "p50_ms", s.P50, "p95_ms", s.P95, "p99_ms", s.P99, "max_ms", s.Max)
		}
	}
	summaries := i.StageSummaries()
	for _, stage := range []string{types.StageIngest, types.StageScore, types.StageRisk, types.StageAlert} {
		s, ok := summaries[stage]
		if !ok || s.Count == 0 {
			continue
		}
		logger.Info("stage latency summary",
			"stage", stage, "count", s.Count, "p50_ms", s.P50, "p95_ms", s.P95, "p99_ms", s.P99, "max_ms", s.Max)
	}
}

func (i *Instrumentation) stageTimeline(stage string) *LatencyTimeline {
	i.mu.Lock()
	defer i.mu.Unlock()
	tl, ok := i.stages[stage]
	if !ok {
		tl = NewLatencyTimeline(stageTimelineCapacity)
		i.stages[stage] = tl
	}
	return tl
}
