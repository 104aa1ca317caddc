// Package constants provides centralized constant definitions for the pipeline.
package constants

// Pipeline Output Metrics
// These metric names are used to emit frame driver metrics to Prometheus.
const (
	// FramesStartedTotal is a counter of jobs issued to pipeline stages.
	// Labels: stage
	FramesStartedTotal = "accel_pipeline_frames_started_total"

	// FramesCompletedTotal is a counter of stage results handed to the output consumer.
	// Labels: stage
	FramesCompletedTotal = "accel_pipeline_frames_completed_total"

	// InputFailuresTotal counts input reads that stopped new submissions.
	InputFailuresTotal = "accel_pipeline_input_failures_total"

	// DeviceErrorsTotal counts device execution failures.
	// Labels: device
	DeviceErrorsTotal = "accel_pipeline_device_errors_total"

	// DeviceTimeSeconds is a histogram of device-reported time per job.
	// Labels: device
	DeviceTimeSeconds = "accel_pipeline_device_time_seconds"

	// StageWaitSeconds is a histogram of host time blocked in a stage wait.
	// Labels: stage
	StageWaitSeconds = "accel_pipeline_stage_wait_seconds"
)

// Metric Label Names
const (
	LabelStage  = "stage"
	LabelDevice = "device"
)
