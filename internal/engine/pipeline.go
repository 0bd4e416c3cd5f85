package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"riverwatch/internal/types"
)

// Telemetry receives pipeline counters and latency observations. The
// production implementation batches to CloudWatch; tests use NoopTelemetry.
type Telemetry interface {
	Increment(name string, dims map[string]string)
	Observe(name string, value float64, dims map[string]string)
}

// NoopTelemetry discards all observations.
type NoopTelemetry struct{}

func (NoopTelemetry) Increment(string, map[string]string)        {}
func (NoopTelemetry) Observe(string, float64, map[string]string) {}

// PipelineConfig carries the derived detection parameters the pipeline runs
// with. Built from config.Config by the daemon entrypoint.
type PipelineConfig struct {
	Shards             int
	Window             time.Duration
	ZScoreThreshold    float64
	Epsilon            float64
	PersistenceCount   int
	SyncTolerance      time.Duration
	SensorGroups       map[string][]string
	Sensitivity        map[string]float64
	DefaultSensitivity float64
	SeverityMultiplier float64
	Thresholds         RiskThresholds
	MinAlertBand       types.RiskBand
	Cooldown           time.Duration
}

// shard owns the mutable per-sensor state for a subset of sensor keys. A key
// always hashes to the same shard, so windows and persistence streaks are
// touched by exactly one goroutine and need no locking.
type shard struct {
	in     chan types.SensorReading
	stats  *WindowedStatistics
	filter *PersistenceFilter
}

// Pipeline wires the stages together and runs them. Per-key stages fan out
// across shards; the composite scorer, risk engine, and alert assembler run
// on a single fusion goroutine, which is the pipeline's only cross-sensor
// synchronization point.
type Pipeline struct {
	cfg       PipelineConfig
	source    types.ReadingSource
	sink      types.AlertSink
	logger    types.Logger
	clock     types.Clock
	telemetry Telemetry

	scorer    *ZScoreEvaluator
	composite *CompositeScorer
	risk      *RiskIndexEngine
	assembler *AlertAssembler

	shards  []*shard
	signals chan types.AnomalySignal

	openBuckets atomic.Int64
}

// NewPipeline assembles a pipeline from its configuration and boundary
// dependencies. clock drives alert timestamps and must be RealClock in
// production.
func NewPipeline(cfg PipelineConfig, source types.ReadingSource, sink types.AlertSink, logger types.Logger, clock types.Clock, telemetry Telemetry) *Pipeline {
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if telemetry == nil {
		telemetry = NoopTelemetry{}
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{
			in:     make(chan types.SensorReading, 64),
			stats:  NewWindowedStatistics(cfg.Window),
			filter: NewPersistenceFilter(cfg.ZScoreThreshold, cfg.PersistenceCount),
		}
	}

	return &Pipeline{
		cfg:       cfg,
		source:    source,
		sink:      sink,
		logger:    logger,
		clock:     clock,
		telemetry: telemetry,
		scorer:    NewZScoreEvaluator(cfg.Epsilon),
		composite: NewCompositeScorer(cfg.SensorGroups, cfg.SyncTolerance),
		risk:      NewRiskIndexEngine(cfg.Sensitivity, cfg.DefaultSensitivity, cfg.SeverityMultiplier, cfg.Thresholds),
		assembler: NewAlertAssembler(cfg.MinAlertBand, cfg.Cooldown, clock),
		shards:    shards,
		signals:   make(chan types.AnomalySignal, 256),
	}
}

// Run consumes the reading source until it drains or ctx is cancelled, then
// flushes open composite buckets so confirmed anomalies are never lost on
// shutdown. It returns the first fatal stage error, or nil on clean drain.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var shardWG sync.WaitGroup
	for _, sh := range p.shards {
		sh := sh
		shardWG.Add(1)
		g.Go(func() error {
			defer shardWG.Done()
			return p.runShard(gctx, sh)
		})
	}

	// The signals channel closes only after every shard has drained, so the
	// fusion stage sees every confirmed signal before it flushes.
	g.Go(func() error {
		shardWG.Wait()
		close(p.signals)
		return nil
	})

	g.Go(func() error {
		defer func() {
			for _, sh := range p.shards {
				close(sh.in)
			}
		}()
		return p.dispatch(gctx)
	})

	g.Go(func() error {
		return p.fuse(gctx)
	})

	return g.Wait()
}

// dispatch reads from the source and routes each reading to its shard.
func (p *Pipeline) dispatch(ctx context.Context) error {
	for {
		reading, err := p.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("reading source failed: %w", err)
		}

		sh := p.shards[p.shardFor(reading.Key())]
		select {
		case sh.in <- reading:
		case <-ctx.Done():
			return nil
		}
	}
}

// shardFor hashes a sensor key to its owning shard.
func (p *Pipeline) shardFor(key types.SensorKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// runShard applies the per-key stages (window, z-score, persistence) to every
// reading routed to this shard and forwards confirmed signals to fusion.
func (p *Pipeline) runShard(ctx context.Context, sh *shard) error {
	for reading := range sh.in {
		ingestStart := p.clock.Now()
		snap, accepted, err := sh.stats.Update(reading)
		if err != nil {
			p.telemetry.Increment(types.MetricReadingsRejected, map[string]string{
				types.DimMetricKind: string(reading.Metric),
			})
			p.logger.Warn("reading rejected by window stage",
				"sensor_id", reading.SensorID, "metric", reading.Metric, "error", err)
			continue
		}
		if !accepted {
			p.telemetry.Increment(types.MetricLateArrival, map[string]string{
				types.DimStage: "window",
			})
			continue
		}
		p.telemetry.Increment(types.MetricReadingsIngested, map[string]string{
			types.DimMetricKind: string(reading.Metric),
		})
		p.observeStage(types.StageIngest, ingestStart)

		scoreStart := p.clock.Now()
		signal := p.scorer.Score(reading, snap)
		signal, confirmed := sh.filter.Observe(signal)
		p.observeStage(types.StageScore, scoreStart)
		if !confirmed {
			continue
		}
		p.telemetry.Increment(types.MetricAnomalyConfirmed, map[string]string{
			types.DimSensor: signal.SensorID,
		})

		select {
		case p.signals <- signal:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// fuse runs the cross-sensor stages. It owns all composite, risk, and
// assembler state, so those components stay free of locking.
func (p *Pipeline) fuse(ctx context.Context) error {
	for signal := range p.signals {
		events, late := p.composite.Observe(signal)
		if late {
			p.telemetry.Increment(types.MetricLateArrival, map[string]string{
				types.DimStage: "composite",
			})
			p.logger.Warn("late signal dropped after bucket emission",
				"sensor_id", signal.SensorID, "event_time", signal.EventTime)
			continue
		}
		for _, event := range events {
			p.handleEvent(ctx, event)
		}
		p.openBuckets.Store(int64(p.composite.OpenBuckets()))
	}

	// Source drained: emit whatever the synchronization timeout has not yet
	// released.
	for _, event := range p.composite.Flush() {
		p.handleEvent(ctx, event)
	}
	p.openBuckets.Store(0)
	return nil
}

// handleEvent scores, gates, and publishes one composite event. Sink failures
// are logged and counted but never abort the pipeline; the sink owns retry.
func (p *Pipeline) handleEvent(ctx context.Context, event types.CompositeEvent) {
	p.telemetry.Increment(types.MetricCompositeEmitted, map[string]string{
		types.DimDischargePoint: event.DischargePointID,
	})
	if event.Partial {
		p.telemetry.Increment(types.MetricCompositePartial, map[string]string{
			types.DimDischargePoint: event.DischargePointID,
		})
	}

	riskStart := p.clock.Now()
	assessment := p.risk.Assess(event)
	p.observeStage(types.StageRisk, riskStart)
	if assessment.UnknownSensitivity {
		p.logger.Warn("no sensitivity configured for discharge point, using default",
			"discharge_point_id", event.DischargePointID, "default", assessment.Sensitivity)
	}

	alertStart := p.clock.Now()
	record, emit, suppressed := p.assembler.Assemble(assessment)
	p.observeStage(types.StageAlert, alertStart)
	if suppressed {
		p.telemetry.Increment(types.MetricAlertSuppressed, map[string]string{
			types.DimDischargePoint: event.DischargePointID,
		})
		return
	}
	if !emit {
		return
	}

	p.telemetry.Increment(types.MetricAlertEmitted, map[string]string{
		types.DimDischargePoint: event.DischargePointID,
		types.DimRiskBand:       string(record.RiskBand),
	})
	p.telemetry.Observe(types.MetricPipelineLatency, float64(record.LatencyMS), map[string]string{
		types.DimDischargePoint: event.DischargePointID,
	})

	if err := p.sink.Publish(ctx, record); err != nil {
		p.telemetry.Increment(types.MetricDeliveryAttempt, map[string]string{
			types.DimResult: "failure",
		})
		p.logger.Error("alert publish failed",
			"alert_id", record.AlertID, "discharge_point_id", record.DischargePointID, "error", err)
		return
	}
	p.telemetry.Increment(types.MetricDeliveryAttempt, map[string]string{
		types.DimResult: "success",
	})

	p.logger.Info("alert emitted",
		"alert_id", record.AlertID,
		"discharge_point_id", record.DischargePointID,
		"risk_band", record.RiskBand,
		"eri", record.ERI,
		"top_contributor", record.TopContributor,
		"partial", record.Partial)
}

// OpenBuckets reports the composite join depth as of the last fused signal.
// Safe for concurrent use; the ops status endpoint polls it.
func (p *Pipeline) OpenBuckets() int {
	return int(p.openBuckets.Load())
}

// observeStage records the elapsed time of one pipeline stage in fractional
// milliseconds.
func (p *Pipeline) observeStage(stage string, start time.Time) {
	elapsed := float64(p.clock.Now().Sub(start).Microseconds()) / 1000.0
	if elapsed < 0 {
		elapsed = 0
	}
	p.telemetry.Observe(types.MetricStageLatency, elapsed, map[string]string{
		types.DimStage: stage,
	})
}
