/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/accel-pipeline/internal/constants"
	"github.com/llm-d-incubation/accel-pipeline/internal/engines/executor"
	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
	"github.com/llm-d-incubation/accel-pipeline/internal/metrics"
	"github.com/llm-d-incubation/accel-pipeline/internal/trace"
	"github.com/llm-d-incubation/accel-pipeline/pkg/analyzer"
	"github.com/llm-d-incubation/accel-pipeline/pkg/config"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device/sim"
	"github.com/llm-d-incubation/accel-pipeline/pkg/input"
	"github.com/llm-d-incubation/accel-pipeline/pkg/output"
	"github.com/llm-d-incubation/accel-pipeline/pkg/pipeline"
)

// how long a frame stream that does not exist yet is waited for
const inputWait = 10 * time.Second

// interval of the progress log
const progressInterval = time.Second

// in-flight frames with no completion for this long are reported as stalled
const stallTimeout = 10 * time.Second

type options struct {
	configFile   string
	numEVEs      int
	numDSPs      int
	inputFile    string
	labelsFile   string
	outputPrefix string
	numFrames    int
	bufferFactor int
	traceFile    string
	metricsFile  string
	verbose      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "c", "", "Network configuration file (default: built-in mnist, or $"+constants.EnvConfigFile+")")
	flag.IntVar(&opts.numDSPs, "d", 0, "Number of DSP cores to use")
	flag.IntVar(&opts.numEVEs, "e", 0, "Number of EVE cores to use")
	flag.StringVar(&opts.inputFile, "i", "", "Raw frame stream to use as input (default: configured test vectors)")
	flag.StringVar(&opts.labelsFile, "l", "", "Class labels file, one label per line")
	flag.StringVar(&opts.outputPrefix, "o", "", "Write each output buffer to <prefix>_<frame>.bin")
	flag.IntVar(&opts.numFrames, "f", 0, "Number of frames to process")
	flag.IntVar(&opts.bufferFactor, "b", 0, "Stages per execution object chain (default 2)")
	flag.StringVar(&opts.traceFile, "t", "", "Record timestamps of the first frames to this file")
	flag.StringVar(&opts.metricsFile, "metrics-file", "", "Write the run metrics in Prometheus text format to this file")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose output during execution")
	flag.Parse()

	if _, err := logger.InitLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.SyncLogger()

	c, err := loadConfiguration(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(1)
	}
	if c.Run.Verbose {
		logger.SetLevel(zap.DebugLevel)
		fmt.Printf("API version: %s\n", device.APIVersion())
	}

	devices := []device.Device{sim.NewEVE(c.Platform), sim.NewDSP(c.Platform)}
	devices = append(devices, gpuDevices(c.Platform)...)
	reg := device.NewRegistry(devices...)
	if reg.NumDevices(device.EVE) == 0 && reg.NumDevices(device.DSP) == 0 && reg.NumDevices(device.GPU) == 0 {
		fmt.Println("Offload not supported on this SoC.")
		return
	}

	// the first signal stops submissions and drains, a second one kills the process
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	err = run(ctx, c, reg, opts.metricsFile)
	stop()
	if err != nil {
		logger.Log.Errorw("Run failed", "network", c.Network.Name, "error", err)
		fmt.Printf("%s FAILED\n", c.Network.Name)
		logger.SyncLogger()
		os.Exit(1)
	}
	fmt.Printf("%s PASSED\n", c.Network.Name)
}

// loadConfiguration reads the configuration file, if any, and applies the
// command line overrides
func loadConfiguration(opts options) (*config.Configuration, error) {
	path := opts.configFile
	if path == "" {
		path = os.Getenv(constants.EnvConfigFile)
	}
	c := config.Default()
	if path != "" {
		var err error
		if c, err = config.ReadFromFile(path); err != nil {
			return nil, err
		}
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["e"] {
		c.Run.NumEVEs = opts.numEVEs
	}
	if set["d"] {
		c.Run.NumDSPs = opts.numDSPs
	}
	if set["f"] {
		c.Run.NumFrames = opts.numFrames
	}
	if set["b"] {
		c.Run.BufferFactor = opts.bufferFactor
	}
	if opts.inputFile != "" {
		c.Run.InputFile = opts.inputFile
	}
	if opts.labelsFile != "" {
		c.Run.LabelsFile = opts.labelsFile
	}
	if opts.outputPrefix != "" {
		c.Run.OutputPrefix = opts.outputPrefix
	}
	if opts.traceFile != "" {
		c.Trace.Enabled = true
		c.Trace.File = opts.traceFile
	}
	if opts.verbose {
		c.Run.Verbose = true
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Run.NumFrames == 0 {
		c.Run.NumFrames = config.DefaultNumFrames
		if c.Run.InputFile != "" {
			c.Run.NumFrames = config.DefaultNumStreamFrames
		}
	}
	return c, nil
}

// run builds the pipeline, drives all frames through it and reports timing
func run(ctx context.Context, c *config.Configuration, reg *device.Registry, metricsFile string) (err error) {
	executors, chains, err := newExecutors(reg, c, deviceCounts(reg, c.Run))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeExecutors(executors))
	}()

	alloc, err := device.NewAllocator(c.Platform.MemAlignment)
	if err != nil {
		return err
	}

	var tracer *trace.Recorder
	if c.Trace.Enabled {
		if tracer, err = trace.EnableTimeStamps(c.Trace.File, c.Trace.NumFrames, clock.RealClock{}); err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, tracer.Close())
		}()
	}

	pool, err := pipeline.NewPool(chains, c.Run.BufferFactor, alloc, tracer)
	if err != nil {
		return err
	}
	logger.Log.Infow("Pool built", "stages", pool.Size(), "chains", pool.NumChains(),
		"bufferFactor", pool.BufferFactor(), "bufferBytes", alloc.Stats().LiveBytes, "alignment", alloc.Alignment())
	defer func() {
		err = errors.Join(err, pool.Close())
	}()

	source, closeSource, err := newSource(ctx, c)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeSource())
	}()
	consumer, err := newConsumer(c)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	driver, err := pipeline.NewDriver(pipeline.DriverConfig{
		Pool:      pool,
		Source:    source,
		Consumer:  consumer,
		NumFrames: c.Run.NumFrames,
		Metrics:   metrics.InitMetricsAndEmitter(registry),
		Tracer:    tracer,
	})
	if err != nil {
		return err
	}

	progressCtx, cancel := context.WithCancel(ctx)
	watch := newProgressWatch(driver.Progress, driver.RunID(), c.Run.NumFrames, stallTimeout, clock.RealClock{})
	progress := executor.NewPollingExecutor(executor.PollingConfig{
		Name:         "progress",
		Task:         watch.check,
		Interval:     progressInterval,
		RetryBackoff: progressInterval / 4,
		MaxRetries:   3,
	})
	go progress.Start(progressCtx)

	report, runErr := driver.Run(ctx)
	cancel()
	runErr = checkReport(c.Run.NumFrames, report, runErr)

	printReport(c, pool, report)
	if metricsFile != "" {
		if err := writeMetrics(registry, metricsFile); err != nil {
			logger.Log.Warnw("Writing metrics failed", "file", metricsFile, "error", err)
		}
	}
	return runErr
}

func newSource(ctx context.Context, c *config.Configuration) (input.Source, func() error, error) {
	if c.Run.InputFile != "" {
		fmt.Printf("Input: %s\n", c.Run.InputFile)
		s, err := input.OpenFileSource(ctx, c.Run.InputFile, inputWait)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	if len(c.Run.Inputs) == 0 {
		return nil, nil, fmt.Errorf("%w: no input file or test vectors", config.ErrInvalidConfiguration)
	}
	fmt.Printf("Input: %s\n", c.Run.Inputs[0])
	s, err := input.NewTestVectorSource(c.Run.Inputs, c.ChannelSize(), c.Run.FramesPerInput)
	if err != nil {
		return nil, nil, fmt.Errorf("%w; run from the repository root, pass -i or list run.inputs in the configuration", err)
	}
	return s, func() error { return nil }, nil
}

func newConsumer(c *config.Configuration) (output.Consumer, error) {
	var labels []string
	if c.Run.LabelsFile != "" {
		var err error
		if labels, err = output.ReadLabels(c.Run.LabelsFile); err != nil {
			return nil, err
		}
	}
	classifier := output.NewClassifier(labels, os.Stdout)
	if c.Run.OutputPrefix == "" {
		return classifier, nil
	}
	w, err := output.NewBinaryWriter(c.Run.OutputPrefix)
	if err != nil {
		return nil, err
	}
	return output.Multi(classifier, w), nil
}

// checkReport fails a run that was asked for frames but completed none
func checkReport(numFrames int, report *pipeline.RunReport, runErr error) error {
	if runErr == nil && numFrames > 0 && report.FramesCompleted == 0 {
		return fmt.Errorf("no frame processed: input stopped at frame %d", report.InputStoppedAt)
	}
	return runErr
}

func printReport(c *config.Configuration, pool *pipeline.Pool, report *pipeline.RunReport) {
	fmt.Printf("Device total time: %.4gms\n", toMillis(report.DeviceTime))
	fmt.Printf("Loop total time (including read/write/print/etc): %.4gms\n", toMillis(report.WallTime))

	ta, err := analyzer.NewTimingAnalyzer(pool.NumChains(), pool.BufferFactor())
	if err != nil {
		logger.Log.Warnw("Timing analysis skipped", "error", err)
		return
	}
	m, err := ta.Analyze(report.DeviceTimes, report.WallTime)
	if err != nil {
		logger.Log.Warnw("Timing analysis failed", "error", err)
		return
	}
	logger.Log.Infow("Timing", "run", report.RunID, "pipeline", ta.String(), "metrics", m.String())
	if c.Run.Verbose {
		fmt.Printf("Timing: %s\n", m)
	}
}

func writeMetrics(g prometheus.Gatherer, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return metrics.WriteText(g, f)
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
