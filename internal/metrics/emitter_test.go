package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riverwatch/internal/types"
)

type fakeCloudWatch struct {
	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)        {}
func (nopLogger) Error(string, ...any)       {}
func (nopLogger) Warn(string, ...any)        {}
func (l nopLogger) With(...any) types.Logger { return l }

func TestEmitter_BuffersUntilFlush(t *testing.T) {
	cw := &fakeCloudWatch{}
	e := NewEmitter(cw, types.MetricNamespace, time.Minute, nopLogger{})

	e.Increment(types.MetricAlertEmitted, map[string]string{types.DimRiskBand: "HIGH"})
	e.Observe(types.MetricPipelineLatency, 42.0, nil)
	assert.Equal(t, 2, e.Pending())
	assert.Empty(t, cw.inputs)

	e.Flush(context.Background())
	assert.Equal(t, 0, e.Pending())
	require.Len(t, cw.inputs, 1)

	data := cw.inputs[0].MetricData
	require.Len(t, data, 2)
	assert.Equal(t, types.MetricNamespace, *cw.inputs[0].Namespace)
	assert.Equal(t, types.MetricAlertEmitted, *data[0].MetricName)
	assert.Equal(t, 1.0, *data[0].Value)
	require.Len(t, data[0].Dimensions, 1)
	assert.Equal(t, types.DimRiskBand, *data[0].Dimensions[0].Name)
	assert.Equal(t, "HIGH", *data[0].Dimensions[0].Value)
	assert.Equal(t, 42.0, *data[1].Value)
}

func TestEmitter_SplitsOversizedBatches(t *testing.T) {
	cw := &fakeCloudWatch{}
	e := NewEmitter(cw, types.MetricNamespace, time.Minute, nopLogger{})

	for i := 0; i < 45; i++ {
		e.Increment(types.MetricReadingsIngested, nil)
	}
	e.Flush(context.Background())

	require.Len(t, cw.inputs, 3)
	assert.Len(t, cw.inputs[0].MetricData, 20)
	assert.Len(t, cw.inputs[1].MetricData, 20)
	assert.Len(t, cw.inputs[2].MetricData, 5)
}

func TestEmitter_DimensionOrderIsDeterministic(t *testing.T) {
	cw := &fakeCloudWatch{}
	e := NewEmitter(cw, types.MetricNamespace, time.Minute, nopLogger{})

	e.Increment(types.MetricAlertEmitted, map[string]string{
		types.DimRiskBand:       "HIGH",
		types.DimDischargePoint: "outfall-1",
	})
	e.Flush(context.Background())

	require.Len(t, cw.inputs, 1)
	dims := cw.inputs[0].MetricData[0].Dimensions
	require.Len(t, dims, 2)
	assert.Equal(t, types.DimDischargePoint, *dims[0].Name)
	assert.Equal(t, types.DimRiskBand, *dims[1].Name)
}

func TestEmitter_FlushFailureDropsBatchOnly(t *testing.T) {
	cw := &fakeCloudWatch{err: errors.New("throttled")}
	e := NewEmitter(cw, types.MetricNamespace, time.Minute, nopLogger{})

	e.Increment(types.MetricReadingsIngested, nil)
	e.Flush(context.Background())
	assert.Equal(t, 0, e.Pending())

	// Subsequent observations still buffer normally.
	cw.err = nil
	e.Increment(types.MetricReadingsIngested, nil)
	e.Flush(context.Background())
	require.Len(t, cw.inputs, 1)
}

func TestEmitter_RunFlushesOnShutdown(t *testing.T) {
	cw := &fakeCloudWatch{}
	e := NewEmitter(cw, types.MetricNamespace, time.Hour, nopLogger{})
	e.Increment(types.MetricReadingsIngested, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("emitter did not stop")
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()
	require.Len(t, cw.inputs, 1)
}
