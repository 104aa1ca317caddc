package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d-incubation/accel-pipeline/internal/constants"
)

func TestEmitter(t *testing.T) {
	registry := prometheus.NewRegistry()
	emitter := InitMetricsAndEmitter(registry)
	require.NotNil(t, emitter)

	emitter.EmitFrameStarted(0)
	emitter.EmitFrameStarted(0)
	emitter.EmitFrameStarted(1)
	emitter.EmitFrameCompleted(0, 2*time.Millisecond)
	emitter.EmitDeviceTime("EVE1", 3*time.Millisecond)
	emitter.EmitInputFailure()
	emitter.EmitDeviceError("DSP1")

	assert.Equal(t, 2.0, testutil.ToFloat64(emitter.framesStarted.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(emitter.framesStarted.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(emitter.framesCompleted.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(emitter.inputFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(emitter.deviceErrors.WithLabelValues("DSP1")))
	assert.Equal(t, 1, testutil.CollectAndCount(emitter.deviceTime, constants.DeviceTimeSeconds))
	assert.Equal(t, 1, testutil.CollectAndCount(emitter.stageWait, constants.StageWaitSeconds))
}

func TestNilEmitter(t *testing.T) {
	var emitter *MetricsEmitter
	assert.NotPanics(t, func() {
		emitter.EmitFrameStarted(0)
		emitter.EmitFrameCompleted(0, time.Second)
		emitter.EmitDeviceTime("EVE1", time.Second)
		emitter.EmitInputFailure()
		emitter.EmitDeviceError("EVE1")
	})
}

func TestWriteText(t *testing.T) {
	registry := prometheus.NewRegistry()
	emitter := InitMetricsAndEmitter(registry)
	emitter.EmitFrameStarted(3)
	emitter.EmitInputFailure()

	var buf bytes.Buffer
	require.NoError(t, WriteText(registry, &buf))
	out := buf.String()
	assert.Contains(t, out, constants.FramesStartedTotal+`{stage="3"} 1`)
	assert.Contains(t, out, constants.InputFailuresTotal+" 1")
	assert.Contains(t, out, "# TYPE "+constants.FramesStartedTotal+" counter")
}

func TestDeviceTimeHistogram(t *testing.T) {
	registry := prometheus.NewRegistry()
	emitter := InitMetricsAndEmitter(registry)
	emitter.EmitDeviceTime("EVE1", time.Millisecond)
	emitter.EmitDeviceTime("EVE1", 3*time.Millisecond)
	emitter.EmitDeviceTime("DSP2", 2*time.Millisecond)

	families, err := registry.Gather()
	require.NoError(t, err)
	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == constants.DeviceTimeSeconds {
			family = f
		}
	}
	require.NotNil(t, family)
	assert.Equal(t, dto.MetricType_HISTOGRAM, family.GetType())

	byDevice := map[string]*dto.Histogram{}
	for _, metric := range family.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == constants.LabelDevice {
				byDevice[label.GetValue()] = metric.GetHistogram()
			}
		}
	}
	require.Contains(t, byDevice, "EVE1")
	require.Contains(t, byDevice, "DSP2")
	assert.Equal(t, uint64(2), byDevice["EVE1"].GetSampleCount())
	assert.InDelta(t, 0.004, byDevice["EVE1"].GetSampleSum(), 1e-9)
	assert.Equal(t, uint64(1), byDevice["DSP2"].GetSampleCount())
}
