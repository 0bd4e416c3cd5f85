// Package main is the entrypoint for the RiverWatch detector daemon.
//
// The detector consumes raw sensor readings from SQS or MQTT, runs them
// through the streaming anomaly pipeline (rolling window statistics, z-score
// evaluation, persistence filtering, cross-sensor composite scoring, risk
// banding, alert assembly), and publishes resulting alerts to the alert SQS
// queue for the delivery worker.
//
// Startup:
//  1. Initialize structured logger.
//  2. Load and validate configuration (fail fast).
//  3. Load AWS SDK configuration; build SQS and CloudWatch clients.
//  4. Build the reading source selected by READING_SOURCE.
//  5. Build the alert publisher, telemetry emitter, and ops HTTP server.
//  6. Run pipeline, emitter, and ops server under one errgroup until
//     SIGINT/SIGTERM, then drain and flush.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"riverwatch/internal/config"
	"riverwatch/internal/engine"
	"riverwatch/internal/ingest"
	"riverwatch/internal/metrics"
	"riverwatch/internal/ops"
	"riverwatch/internal/queue"
	"riverwatch/internal/types"
)

// detectorShards is the number of per-key worker goroutines. Sensor keys hash
// to a fixed shard, so this bounds pipeline parallelism, not correctness.
const detectorShards = 4

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info/Warn/Error directly but With returns
// *slog.Logger, not types.Logger, so an adapter is necessary.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := run(logger); err != nil {
		logger.Error("detector exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logLevel := parseLogLevel(cfg.LogLevel)
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	typedLogger := &slogAdapter{logger: logger}

	logger.Info("riverwatch detector starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"reading_source", cfg.Ingest.Source,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	clock := types.RealClock{}
	validator := ingest.NewReadingValidator(cfg.Ingest.MaxSensorIDLength, cfg.Ingest.ValueRanges, clock)

	source, err := buildSource(cfg, sqsClient, validator, typedLogger)
	if err != nil {
		return err
	}
	defer source.Close()

	sink := queue.NewAlertPublisher(sqsClient, cfg.AWS.AlertQueueURL, typedLogger)

	emitInterval := time.Duration(cfg.Observability.MetricsIntervalSeconds) * time.Second
	emitter := metrics.NewEmitter(cwClient, cfg.Observability.MetricNamespace, emitInterval, typedLogger)
	latency := metrics.NewLatencyTimeline(1024)
	telemetry := metrics.NewInstrumentation(emitter, latency)

	pipeline := engine.NewPipeline(engine.PipelineConfig{
		Shards:             detectorShards,
		Window:             cfg.Detection.Window(),
		ZScoreThreshold:    cfg.Detection.ZScoreThreshold,
		Epsilon:            cfg.Detection.Epsilon,
		PersistenceCount:   cfg.Detection.PersistenceCount,
		SyncTolerance:      cfg.Detection.SyncTolerance(),
		SensorGroups:       cfg.Detection.SensorGroups,
		Sensitivity:        cfg.Risk.RiverSensitivity,
		DefaultSensitivity: cfg.Risk.DefaultSensitivity,
		SeverityMultiplier: cfg.Risk.SeverityMultiplier,
		Thresholds: engine.RiskThresholds{
			Low:    cfg.Risk.ThresholdLow,
			Medium: cfg.Risk.ThresholdMedium,
			High:   cfg.Risk.ThresholdHigh,
		},
		MinAlertBand: cfg.Alerting.MinBand(),
		Cooldown:     cfg.Alerting.Cooldown(),
	}, source, sink, typedLogger, clock, telemetry)

	opsServer := ops.NewServer(nil, pipeline, latency, cfg.Build.Version, typedLogger, clock)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Ops.Port,
		Handler:           opsServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pipeline.Run(gctx)
	})

	g.Go(func() error {
		return emitter.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(emitInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				telemetry.LogSummary(typedLogger)
			}
		}
	})

	g.Go(func() error {
		logger.Info("ops server listening", "port", cfg.Ops.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("detector stopped")
	return nil
}

// buildSource constructs the reading transport selected by configuration.
func buildSource(cfg *config.Config, sqsClient *sqs.Client, validator *ingest.ReadingValidator, logger types.Logger) (types.ReadingSource, error) {
	switch types.ReadingSourceKind(cfg.Ingest.Source) {
	case types.SourceSQS:
		return ingest.NewSQSReadingSource(sqsClient, cfg.AWS.ReadingQueueURL, validator, logger), nil
	case types.SourceMQTT:
		return ingest.NewMQTTReadingSource(
			cfg.Ingest.MQTT.BrokerURL,
			cfg.Ingest.MQTT.ClientID,
			cfg.Ingest.MQTT.Topic,
			validator,
			logger,
		)
	default:
		return nil, fmt.Errorf("unknown reading source %q", cfg.Ingest.Source)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
