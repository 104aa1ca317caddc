package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/llm-d-incubation/accel-pipeline/internal/constants"
	"github.com/llm-d-incubation/accel-pipeline/internal/metrics"
	"github.com/llm-d-incubation/accel-pipeline/internal/trace"
	"github.com/llm-d-incubation/accel-pipeline/pkg/config"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device/fake"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device/sim"
	"github.com/llm-d-incubation/accel-pipeline/pkg/input"
	"github.com/llm-d-incubation/accel-pipeline/pkg/output"
)

const frameSize = 16

// markerSource fills frame i with the byte i+1
func markerSource(limit int) input.Source {
	return input.SourceFunc(func(index int, buf []byte) error {
		if index >= limit {
			return fmt.Errorf("%w: frame %d", input.ErrExhausted, index)
		}
		for i := range buf {
			buf[i] = byte(index + 1)
		}
		return nil
	})
}

// recorder keeps the consumed frames and checks each carries its own marker
type recorder struct {
	frames []int
	stages []int
	bad    []int
}

func (r *recorder) Consume(f output.Frame) error {
	r.frames = append(r.frames, f.Index)
	r.stages = append(r.stages, f.Stage)
	for _, b := range f.Data {
		if b != byte(f.Index+1) {
			r.bad = append(r.bad, f.Index)
			break
		}
	}
	return nil
}

func objects(dev *fake.Device, n, groupID, in, out int) []device.ExecutionObject {
	var eos []device.ExecutionObject
	for i := 0; i < n; i++ {
		eo, err := dev.NewExecutionObject(device.DeviceID(i),
			config.LayersGroupSpec{ID: groupID, InputSize: in, OutputSize: out})
		Expect(err).NotTo(HaveOccurred())
		eos = append(eos, eo)
	}
	return eos
}

func newPool(chains [][]device.ExecutionObject, bufferFactor int, tracer *trace.Recorder) *Pool {
	alloc, err := device.NewAllocator(64)
	Expect(err).NotTo(HaveOccurred())
	pool, err := NewPool(chains, bufferFactor, alloc, tracer)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() {
		Expect(pool.Close()).To(Succeed())
		Expect(alloc.Stats().LiveBytes).To(BeZero())
	})
	return pool
}

// simObjects creates n simulated cores running the copy kernel for one
// layers group; they are closed after the pool built on them
func simObjects(dev *sim.Device, n, groupID, in, out int) []device.ExecutionObject {
	var eos []device.ExecutionObject
	for i := 0; i < n; i++ {
		eo, err := dev.NewExecutionObject(device.DeviceID(i),
			config.LayersGroupSpec{ID: groupID, Kernel: "copy", InputSize: in, OutputSize: out})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(eo.Close)
		eos = append(eos, eo)
	}
	return eos
}

func run(config DriverConfig) (*RunReport, error) {
	d, err := NewDriver(config)
	Expect(err).NotTo(HaveOccurred())
	return d.Run(context.Background())
}

func ev(op fake.Op, ctx, frame int) fake.Event {
	return fake.Event{Op: op, Device: "EVE1", Context: ctx, Frame: frame}
}

var _ = Describe("Driver", func() {
	var (
		dev  *fake.Device
		sink *recorder
	)

	BeforeEach(func() {
		dev = fake.NewDevice(device.EVE, 4)
		sink = &recorder{}
	})

	Context("single context, single buffered", func() {
		It("runs start and wait strictly in turn", func() {
			pool := newPool(Chains(objects(dev, 1, 1, frameSize, frameSize)), 1, nil)
			report, err := run(DriverConfig{Pool: pool, Source: markerSource(3), Consumer: sink, NumFrames: 3})
			Expect(err).NotTo(HaveOccurred())

			Expect(dev.Events()).To(Equal([]fake.Event{
				ev(fake.OpStart, 0, 0), ev(fake.OpWait, 0, 0),
				ev(fake.OpStart, 0, 1), ev(fake.OpWait, 0, 1),
				ev(fake.OpStart, 0, 2), ev(fake.OpWait, 0, 2),
			}))
			Expect(dev.MaxPending()).To(Equal(1))
			Expect(sink.frames).To(Equal([]int{0, 1, 2}))
			Expect(report.FramesStarted).To(Equal(3))
			Expect(report.FramesCompleted).To(Equal(3))
			Expect(report.InputStoppedAt).To(Equal(-1))
		})
	})

	Context("single context, double buffered", func() {
		It("alternates stages and drains both in the epilogue", func() {
			pool := newPool(Chains(objects(dev, 1, 1, frameSize, frameSize)), 2, nil)
			Expect(pool.Size()).To(Equal(2))
			report, err := run(DriverConfig{Pool: pool, Source: markerSource(4), Consumer: sink, NumFrames: 4})
			Expect(err).NotTo(HaveOccurred())

			Expect(dev.Events()).To(Equal([]fake.Event{
				ev(fake.OpStart, 0, 0),
				ev(fake.OpStart, 1, 1),
				ev(fake.OpWait, 0, 0), ev(fake.OpStart, 0, 2),
				ev(fake.OpWait, 1, 1), ev(fake.OpStart, 1, 3),
				ev(fake.OpWait, 0, 2),
				ev(fake.OpWait, 1, 3),
			}))
			Expect(sink.frames).To(Equal([]int{0, 1, 2, 3}))
			Expect(sink.stages).To(Equal([]int{0, 1, 0, 1}))
			Expect(dev.MaxPending()).To(Equal(2))
			Expect(report.DeviceTimes).To(HaveLen(4))
			Expect(report.DeviceTime).To(Equal(4 * dev.Latency))
		})
	})

	Context("no execution contexts", func() {
		It("fails before the loop starts", func() {
			alloc, err := device.NewAllocator(64)
			Expect(err).NotTo(HaveOccurred())
			pool, err := NewPool(Chains(objects(dev, 0, 1, frameSize, frameSize)), 2, alloc, nil)
			Expect(err).To(MatchError(device.ErrDeviceUnavailable))
			Expect(pool).To(BeNil())

			_, err = NewDriver(DriverConfig{Pool: pool, Source: markerSource(1), Consumer: sink, NumFrames: 1})
			Expect(err).To(MatchError(device.ErrDeviceUnavailable))
			Expect(dev.Events()).To(BeEmpty())
		})
	})

	Context("input fails part way", func() {
		It("stops submitting and still drains what is in flight", func() {
			pool := newPool(Chains(objects(dev, 1, 1, frameSize, frameSize)), 2, nil)
			report, err := run(DriverConfig{Pool: pool, Source: markerSource(2), Consumer: sink, NumFrames: 5})
			Expect(err).NotTo(HaveOccurred())

			Expect(sink.frames).To(Equal([]int{0, 1}))
			Expect(dev.Starts()).To(Equal(2))
			Expect(dev.Waits()).To(Equal(2))
			Expect(dev.Pending()).To(BeZero())
			Expect(report.InputStoppedAt).To(Equal(2))
			Expect(report.FramesCompleted).To(Equal(2))
		})

		It("treats a read error like exhaustion", func() {
			pool := newPool(Chains(objects(dev, 1, 1, frameSize, frameSize)), 1, nil)
			src := input.SourceFunc(func(index int, buf []byte) error {
				if index == 1 {
					return errors.New("camera unplugged")
				}
				return markerSource(10).ReadFrame(index, buf)
			})
			report, err := run(DriverConfig{Pool: pool, Source: src, Consumer: sink, NumFrames: 4})
			Expect(err).NotTo(HaveOccurred())
			Expect(sink.frames).To(Equal([]int{0}))
			Expect(report.InputStoppedAt).To(Equal(1))
		})
	})

	DescribeTable("issues and drains every frame",
		func(numContexts, bufferFactor, numFrames int) {
			pool := newPool(Chains(objects(dev, numContexts, 1, frameSize, frameSize)), bufferFactor, nil)
			report, err := run(DriverConfig{Pool: pool, Source: markerSource(numFrames), Consumer: sink, NumFrames: numFrames})
			Expect(err).NotTo(HaveOccurred())

			Expect(dev.Starts()).To(Equal(numFrames))
			Expect(dev.Waits()).To(Equal(numFrames))
			Expect(dev.EmptyWaits()).To(BeZero())
			Expect(dev.Pending()).To(BeZero())
			Expect(report.FramesStarted).To(Equal(numFrames))
			Expect(report.FramesCompleted).To(Equal(numFrames))
			Expect(sink.bad).To(BeEmpty(), "frames consumed with another frame's result")

			Expect(sink.frames).To(HaveLen(numFrames))
			for i, frame := range sink.frames {
				Expect(frame).To(Equal(i))
			}
		},
		Entry("no frames", 1, 2, 0),
		Entry("fewer frames than stages", 2, 2, 3),
		Entry("single buffered", 1, 1, 7),
		Entry("double buffered", 1, 2, 9),
		Entry("four cores double buffered", 4, 2, 25),
		Entry("two cores triple buffered", 2, 3, 20),
	)

	Context("layers groups chained across device classes", func() {
		It("delivers every frame through the whole chain", func() {
			dsp := fake.NewDevice(device.DSP, 2)
			chains := Chains(objects(dev, 2, 1, frameSize, 2*frameSize), objects(dsp, 2, 2, 2*frameSize, frameSize))
			pool := newPool(chains, 2, nil)
			report, err := run(DriverConfig{Pool: pool, Source: markerSource(10), Consumer: sink, NumFrames: 10})
			Expect(err).NotTo(HaveOccurred())

			Expect(sink.frames).To(HaveLen(10))
			Expect(sink.bad).To(BeEmpty())
			Expect(dev.Waits()).To(Equal(10))
			Expect(dsp.Waits()).To(Equal(10))
			Expect(report.DeviceTime).To(Equal(20 * dev.Latency))
		})
	})

	Context("on simulated cores", func() {
		platform := config.PlatformSpec{
			NumEVEs:         2,
			NumDSPs:         2,
			ContextsPerCore: 3,
			EVEClockMHz:     500,
			DSPClockMHz:     750,
			CyclesPerByte:   4,
		}

		DescribeTable("delivers each frame its own result",
			func(twoGroups bool, bufferFactor, numFrames int) {
				var chains [][]device.ExecutionObject
				if twoGroups {
					chains = Chains(
						simObjects(sim.NewEVE(platform), 2, 1, frameSize, 2*frameSize),
						simObjects(sim.NewDSP(platform), 2, 2, 2*frameSize, frameSize))
				} else {
					chains = Chains(simObjects(sim.NewEVE(platform), 2, 1, frameSize, frameSize))
				}
				pool := newPool(chains, bufferFactor, nil)
				report, err := run(DriverConfig{Pool: pool, Source: markerSource(numFrames), Consumer: sink, NumFrames: numFrames})
				Expect(err).NotTo(HaveOccurred())

				Expect(sink.bad).To(BeEmpty(), "frames consumed with another frame's result")
				Expect(sink.frames).To(HaveLen(numFrames))
				for i, frame := range sink.frames {
					Expect(frame).To(Equal(i))
				}
				Expect(report.FramesStarted).To(Equal(numFrames))
				Expect(report.FramesCompleted).To(Equal(numFrames))
				for _, s := range pool.Stages() {
					Expect(s.InFlight()).To(BeFalse())
				}
			},
			Entry("one layers group, double buffered", false, 2, 200),
			Entry("EVE to DSP chains, double buffered", true, 2, 200),
			Entry("EVE to DSP chains, triple buffered", true, 3, 200),
		)
	})

	Context("device failure", func() {
		It("aborts, keeps earlier results and drains the rest", func() {
			registry := prometheus.NewRegistry()
			emitter := metrics.InitMetricsAndEmitter(registry)
			dev.FailOn(3, errors.New("dma timeout"))

			pool := newPool(Chains(objects(dev, 1, 1, frameSize, frameSize)), 2, nil)
			report, err := run(DriverConfig{Pool: pool, Source: markerSource(6), Consumer: sink, NumFrames: 6, Metrics: emitter})
			Expect(err).To(HaveOccurred())
			Expect(device.IsExecutionError(err)).To(BeTrue())

			Expect(sink.frames).To(Equal([]int{0, 1, 2}))
			Expect(report.FramesStarted).To(Equal(5))
			Expect(report.FramesCompleted).To(Equal(3))
			Expect(dev.Pending()).To(BeZero())
			for _, s := range pool.Stages() {
				Expect(s.InFlight()).To(BeFalse())
			}

			Expect(testutil.GatherAndCount(registry, constants.DeviceErrorsTotal)).To(Equal(1))
			Expect(testutil.GatherAndCount(registry, constants.InputFailuresTotal)).To(Equal(1))
			var buf bytes.Buffer
			Expect(metrics.WriteText(registry, &buf)).To(Succeed())
			Expect(buf.String()).To(ContainSubstring(constants.DeviceErrorsTotal + `{device="EVE1"} 1`))
			Expect(buf.String()).To(ContainSubstring(constants.InputFailuresTotal + " 0"))
		})
	})

	Context("cancelled run", func() {
		It("stops submitting once the context is done and drains the stages", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			cancelling := output.ConsumerFunc(func(f output.Frame) error {
				sink.frames = append(sink.frames, f.Index)
				if f.Index == 1 {
					cancel()
				}
				return nil
			})
			pool := newPool(Chains(objects(dev, 1, 1, frameSize, frameSize)), 2, nil)
			d, err := NewDriver(DriverConfig{Pool: pool, Source: markerSource(8), Consumer: cancelling, NumFrames: 8})
			Expect(err).NotTo(HaveOccurred())

			report, err := d.Run(ctx)
			Expect(err).To(MatchError(context.Canceled))
			Expect(sink.frames).To(Equal([]int{0, 1}))
			Expect(report.FramesStarted).To(Equal(4))
			Expect(report.FramesCompleted).To(Equal(2))
			Expect(dev.Starts()).To(Equal(4))
			Expect(dev.Waits()).To(Equal(4))
			Expect(dev.Pending()).To(BeZero())
		})

		It("issues nothing when cancelled before it starts", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			pool := newPool(Chains(objects(dev, 1, 1, frameSize, frameSize)), 2, nil)
			d, err := NewDriver(DriverConfig{Pool: pool, Source: markerSource(3), Consumer: sink, NumFrames: 3})
			Expect(err).NotTo(HaveOccurred())

			report, err := d.Run(ctx)
			Expect(err).To(MatchError(context.Canceled))
			Expect(report.FramesStarted).To(BeZero())
			Expect(dev.Events()).To(BeEmpty())
		})
	})

	Context("consumer failure", func() {
		It("aborts the run", func() {
			pool := newPool(Chains(objects(dev, 1, 1, frameSize, frameSize)), 2, nil)
			failing := output.ConsumerFunc(func(f output.Frame) error {
				if f.Index == 1 {
					return errors.New("disk full")
				}
				return nil
			})
			report, err := run(DriverConfig{Pool: pool, Source: markerSource(8), Consumer: failing, NumFrames: 8})
			Expect(err).To(MatchError(ContainSubstring("disk full")))
			Expect(report.FramesCompleted).To(Equal(1))
			Expect(dev.Pending()).To(BeZero())
		})
	})

	Context("with trace enabled", func() {
		It("records stage and execution object events for the first frames", func() {
			var buf bytes.Buffer
			tracer := trace.NewRecorder(&buf, 2, nil)
			pool := newPool(Chains(objects(dev, 1, 1, frameSize, frameSize)), 2, tracer)
			d, err := NewDriver(DriverConfig{Pool: pool, Source: markerSource(4), Consumer: sink, NumFrames: 4, Tracer: tracer})
			Expect(err).NotTo(HaveOccurred())
			_, err = d.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			Expect(lines[0]).To(Equal("# run " + d.RunID()))
			Expect(lines).To(ContainElement(HavePrefix("0,eop:pfsa:start,")))
			Expect(lines).To(ContainElement(HavePrefix("1,eop:pfw:end,")))
			Expect(lines).To(ContainElement(And(HavePrefix("0,eo1:pfsa:start,"), HaveSuffix(",1,0"))))
			Expect(lines).To(ContainElement(And(HavePrefix("0,eo1:pfw:start,"), HaveSuffix(",1,0"))))
			Expect(lines).To(ContainElement(And(HavePrefix("0,eo1:pfw:end,"), HaveSuffix(",1,0"))))
			Expect(lines).NotTo(ContainElement(HavePrefix("2,")))
		})
	})

	It("reports progress", func() {
		pool := newPool(Chains(objects(dev, 2, 1, frameSize, frameSize)), 2, nil)
		d, err := NewDriver(DriverConfig{Pool: pool, Source: markerSource(6), Consumer: sink, NumFrames: 6})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.RunID()).NotTo(BeEmpty())
		_, err = d.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		started, completed := d.Progress()
		Expect(started).To(Equal(6))
		Expect(completed).To(Equal(6))
	})

	It("rejects incomplete configuration", func() {
		pool := newPool(Chains(objects(dev, 1, 1, frameSize, frameSize)), 1, nil)
		_, err := NewDriver(DriverConfig{Pool: pool, Consumer: sink})
		Expect(err).To(HaveOccurred())
		_, err = NewDriver(DriverConfig{Pool: pool, Source: markerSource(1), Consumer: sink, NumFrames: -1})
		Expect(err).To(HaveOccurred())
	})
})
