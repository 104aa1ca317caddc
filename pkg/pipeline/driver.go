package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
	"github.com/llm-d-incubation/accel-pipeline/internal/metrics"
	"github.com/llm-d-incubation/accel-pipeline/internal/trace"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device"
	"github.com/llm-d-incubation/accel-pipeline/pkg/input"
	"github.com/llm-d-incubation/accel-pipeline/pkg/output"
)

// DriverConfig holds the collaborators of a run
type DriverConfig struct {
	Pool      *Pool
	Source    input.Source
	Consumer  output.Consumer
	NumFrames int

	// optional
	Clock   clock.PassiveClock
	Metrics *metrics.MetricsEmitter
	Tracer  *trace.Recorder
}

// RunReport summarizes a run
type RunReport struct {
	RunID           string
	FramesStarted   int
	FramesCompleted int
	// InputStoppedAt is the first frame the source could not supply, -1 if none
	InputStoppedAt int
	DeviceTime     time.Duration
	WallTime       time.Duration
	// DeviceTimes holds the device time of each completed frame in completion order
	DeviceTimes []time.Duration
}

// Driver feeds frames through a pool. Frame i runs on stage i mod pool size;
// before a stage is given a new frame its previous result is waited on and
// consumed. After the last frame, pool size more iterations drain the stages.
type Driver struct {
	config DriverConfig
	clock  clock.PassiveClock
	runID  string

	started   atomic.Int64
	completed atomic.Int64
}

func NewDriver(config DriverConfig) (*Driver, error) {
	if config.Pool == nil || config.Pool.Size() == 0 {
		return nil, fmt.Errorf("%w: empty pool", device.ErrDeviceUnavailable)
	}
	if config.Source == nil || config.Consumer == nil {
		return nil, fmt.Errorf("driver needs an input source and an output consumer")
	}
	if config.NumFrames < 0 {
		return nil, fmt.Errorf("invalid number of frames %d", config.NumFrames)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Driver{config: config, clock: clk, runID: uuid.NewString()}, nil
}

// RunID identifies the run in logs, trace and report
func (d *Driver) RunID() string {
	return d.runID
}

// Progress returns the frames started and completed so far. Safe to call
// while Run is in progress.
func (d *Driver) Progress() (started, completed int) {
	return int(d.started.Load()), int(d.completed.Load())
}

// Run drives all frames through the pool. A device or consumer failure, or
// cancellation of ctx, stops new submissions; stages still in flight are
// drained and their results dropped. The report is returned in all cases.
func (d *Driver) Run(ctx context.Context) (*RunReport, error) {
	pool := d.config.Pool
	size := pool.Size()
	numFrames := d.config.NumFrames
	report := &RunReport{RunID: d.runID, InputStoppedAt: -1}

	d.config.Tracer.Header(d.runID)
	logger.Log.Infow("Run started", "run", d.runID, "frames", numFrames, "stages", size)

	inputOK := true
	var runErr error
	begin := d.clock.Now()
	for idx := 0; idx < numFrames+size; idx++ {
		if err := ctx.Err(); err != nil {
			logger.Log.Warnw("Run interrupted, draining", "run", d.runID, "frame", idx)
			runErr = fmt.Errorf("interrupted at frame %d: %w", idx, err)
			break
		}
		stage := pool.StageForFrame(idx)

		waitStart := d.clock.Now()
		done, err := stage.ProcessFrameWait()
		if err != nil {
			d.deviceError(err)
			runErr = fmt.Errorf("frame %d: %w", stage.FrameIndex(), err)
			break
		}
		if done {
			d.collect(report, stage, d.clock.Since(waitStart))
			if err := d.config.Consumer.Consume(output.Frame{
				Index: stage.FrameIndex(),
				Stage: stage.Index(),
				Data:  stage.OutputBuffer(),
			}); err != nil {
				runErr = fmt.Errorf("consuming frame %d: %w", stage.FrameIndex(), err)
				break
			}
			d.completed.Add(1)
		}

		if !inputOK || idx >= numFrames {
			continue
		}
		if err := d.config.Source.ReadFrame(idx, stage.InputBuffer()); err != nil {
			inputOK = false
			report.InputStoppedAt = idx
			d.config.Metrics.EmitInputFailure()
			if errors.Is(err, input.ErrExhausted) {
				logger.Log.Infow("Input exhausted, draining", "run", d.runID, "frame", idx)
			} else {
				logger.Log.Warnw("Input failed, draining", "run", d.runID, "frame", idx, "error", err)
			}
			continue
		}
		stage.SetFrameIndex(idx)
		if err := stage.ProcessFrameStartAsync(); err != nil {
			if errors.Is(err, device.ErrAlreadyPending) {
				panic(fmt.Sprintf("frame %d issued to a busy stage: %v", idx, err))
			}
			d.deviceError(err)
			runErr = fmt.Errorf("frame %d: %w", idx, err)
			break
		}
		d.started.Add(1)
		d.config.Metrics.EmitFrameStarted(stage.Index())
	}

	if runErr != nil {
		if err := d.drain(); err != nil {
			runErr = utilerrors.NewAggregate([]error{runErr, err})
		}
	}
	report.WallTime = d.clock.Since(begin)
	report.FramesStarted, report.FramesCompleted = d.Progress()

	if err := d.config.Tracer.Flush(); err != nil {
		logger.Log.Warnw("Flushing trace failed", "run", d.runID, "error", err)
	}
	logger.Log.Infow("Run finished", "run", d.runID, "started", report.FramesStarted,
		"completed", report.FramesCompleted, "deviceTime", report.DeviceTime, "wallTime", report.WallTime,
		"failed", runErr != nil)
	return report, runErr
}

func (d *Driver) collect(report *RunReport, stage *Stage, waited time.Duration) {
	elapsed := stage.ProcessTime()
	report.DeviceTime += elapsed
	report.DeviceTimes = append(report.DeviceTimes, elapsed)
	for _, ctx := range stage.Contexts() {
		eo := ctx.Object()
		d.config.Metrics.EmitDeviceTime(device.Name(eo.Type(), eo.ID()), ctx.ProcessTime())
	}
	d.config.Metrics.EmitFrameCompleted(stage.Index(), waited)
}

func (d *Driver) deviceError(err error) {
	var execErr *device.ExecutionError
	if errors.As(err, &execErr) {
		d.config.Metrics.EmitDeviceError(execErr.Device)
	}
	logger.Log.Errorw("Device error, aborting run", "run", d.runID, "error", err)
}

// drain waits on every stage still in flight and drops the results
func (d *Driver) drain() error {
	var errs []error
	for _, stage := range d.config.Pool.Stages() {
		if !stage.InFlight() {
			continue
		}
		if _, err := stage.ProcessFrameWait(); err != nil {
			d.deviceError(err)
			errs = append(errs, fmt.Errorf("draining frame %d: %w", stage.FrameIndex(), err))
		}
	}
	return utilerrors.NewAggregate(errs)
}
