package metrics

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/llm-d-incubation/accel-pipeline/internal/constants"
)

var (
	framesStarted   *prometheus.CounterVec
	framesCompleted *prometheus.CounterVec
	inputFailures   prometheus.Counter
	deviceErrors    *prometheus.CounterVec
	deviceTime      *prometheus.HistogramVec
	stageWait       *prometheus.HistogramVec
)

// InitMetrics registers all pipeline metrics with the provided registry
func InitMetrics(registry prometheus.Registerer) {
	framesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: constants.FramesStartedTotal,
			Help: "Total number of frames issued to pipeline stages",
		},
		[]string{constants.LabelStage},
	)
	framesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: constants.FramesCompletedTotal,
			Help: "Total number of frame results handed to the output consumer",
		},
		[]string{constants.LabelStage},
	)
	inputFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: constants.InputFailuresTotal,
			Help: "Total number of input reads that stopped new submissions",
		},
	)
	deviceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: constants.DeviceErrorsTotal,
			Help: "Total number of device execution failures",
		},
		[]string{constants.LabelDevice},
	)
	deviceTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    constants.DeviceTimeSeconds,
			Help:    "Device reported execution time per job",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{constants.LabelDevice},
	)
	stageWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    constants.StageWaitSeconds,
			Help:    "Host time spent blocked waiting on a stage",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{constants.LabelStage},
	)

	registry.MustRegister(framesStarted)
	registry.MustRegister(framesCompleted)
	registry.MustRegister(inputFailures)
	registry.MustRegister(deviceErrors)
	registry.MustRegister(deviceTime)
	registry.MustRegister(stageWait)
}

// InitMetricsAndEmitter registers metrics with Prometheus and creates a metrics emitter
func InitMetricsAndEmitter(registry prometheus.Registerer) *MetricsEmitter {
	InitMetrics(registry)
	return NewMetricsEmitter()
}

// MetricsEmitter handles emission of pipeline metrics. A nil emitter drops
// everything.
type MetricsEmitter struct {
	framesStarted   *prometheus.CounterVec
	framesCompleted *prometheus.CounterVec
	inputFailures   prometheus.Counter
	deviceErrors    *prometheus.CounterVec
	deviceTime      *prometheus.HistogramVec
	stageWait       *prometheus.HistogramVec
}

// NewMetricsEmitter creates an emitter bound to the metrics last registered by InitMetrics
func NewMetricsEmitter() *MetricsEmitter {
	if framesStarted == nil {
		return nil
	}
	return &MetricsEmitter{
		framesStarted:   framesStarted,
		framesCompleted: framesCompleted,
		inputFailures:   inputFailures,
		deviceErrors:    deviceErrors,
		deviceTime:      deviceTime,
		stageWait:       stageWait,
	}
}

// EmitFrameStarted counts a job issued to a stage
func (m *MetricsEmitter) EmitFrameStarted(stage int) {
	if m == nil {
		return
	}
	m.framesStarted.WithLabelValues(strconv.Itoa(stage)).Inc()
}

// EmitFrameCompleted counts a consumed result and records how long the host waited for it
func (m *MetricsEmitter) EmitFrameCompleted(stage int, waited time.Duration) {
	if m == nil {
		return
	}
	label := strconv.Itoa(stage)
	m.framesCompleted.WithLabelValues(label).Inc()
	m.stageWait.WithLabelValues(label).Observe(waited.Seconds())
}

// EmitDeviceTime records device time reported by one execution object
func (m *MetricsEmitter) EmitDeviceTime(device string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deviceTime.WithLabelValues(device).Observe(elapsed.Seconds())
}

// EmitInputFailure counts an input read that stopped new submissions
func (m *MetricsEmitter) EmitInputFailure() {
	if m == nil {
		return
	}
	m.inputFailures.Inc()
}

// EmitDeviceError counts a device execution failure
func (m *MetricsEmitter) EmitDeviceError(device string) {
	if m == nil {
		return
	}
	m.deviceErrors.WithLabelValues(device).Inc()
}

// WriteText writes all gathered metric families in the text exposition format
func WriteText(g prometheus.Gatherer, w io.Writer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
