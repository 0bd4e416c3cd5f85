// Package metrics publishes pipeline telemetry to CloudWatch and maintains
// in-process latency percentiles for the ops endpoint.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"riverwatch/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// maxBatchSize is the CloudWatch PutMetricData limit per request.
const maxBatchSize = 20

// Emitter buffers metric observations and flushes them to CloudWatch in
// batches. Increment and Observe never block on the network; the pipeline's
// hot path only takes a mutex long enough to append a datum.
type Emitter struct {
	client    CloudWatchClient
	namespace string
	interval  time.Duration
	logger    types.Logger

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

// NewEmitter creates an Emitter flushing to the given namespace every
// interval. Run must be started for anything to reach CloudWatch.
func NewEmitter(client CloudWatchClient, namespace string, interval time.Duration, logger types.Logger) *Emitter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Emitter{
		client:    client,
		namespace: namespace,
		interval:  interval,
		logger:    logger,
	}
}

// Increment records a count-of-one metric with the given dimensions.
func (e *Emitter) Increment(name string, dims map[string]string) {
	e.append(cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: toDimensions(dims),
	})
}

// Observe records a millisecond-valued metric with the given dimensions.
func (e *Emitter) Observe(name string, value float64, dims map[string]string) {
	e.append(cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: toDimensions(dims),
	})
}

func (e *Emitter) append(datum cwtypes.MetricDatum) {
	e.mu.Lock()
	e.pending = append(e.pending, datum)
	e.mu.Unlock()
}

// Run flushes on the configured interval until ctx is cancelled, then
// performs one final flush so shutdown does not drop buffered datums.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Flush(ctx)
		case <-ctx.Done():
			e.Flush(context.WithoutCancel(ctx))
			return nil
		}
	}
}

// Flush drains the buffer to CloudWatch in PutMetricData-sized batches.
// Failures are logged and the affected batch is dropped; telemetry loss
// never propagates into the pipeline.
func (e *Emitter) Flush(ctx context.Context) {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	for start := 0; start < len(batch); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(batch) {
			end = len(batch)
		}
		input := &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(e.namespace),
			MetricData: batch[start:end],
		}
		if _, err := e.client.PutMetricData(ctx, input); err != nil {
			e.logger.Error("failed to publish metric batch",
				"error", err.Error(),
				"batch_size", end-start,
			)
		}
	}
}

// Pending reports the number of buffered datums awaiting flush.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func toDimensions(dims map[string]string) []cwtypes.Dimension {
	if len(dims) == 0 {
		return nil
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]cwtypes.Dimension, 0, len(keys))
	for _, k := range keys {
		out = append(out, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(dims[k]),
		})
	}
	return out
}
