package pipeline

import (
	"errors"
	"fmt"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/llm-d-incubation/accel-pipeline/internal/constants"
	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
	"github.com/llm-d-incubation/accel-pipeline/internal/trace"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device"
)

// Stage runs one frame at a time through a chain of execution contexts, one
// per layers group. Output of context k is the input of context k+1; the
// stage owns all the buffers.
//
// A stage is driven by a single caller. ProcessFrameStartAsync and
// ProcessFrameWait must alternate.
type Stage struct {
	index    int
	contexts []device.ExecutionContext
	// buffers[0] is the stage input, buffers[k] feeds context k, the last one
	// is the stage output
	buffers []*device.Buffer
	tracer  *trace.Recorder

	frame    int
	inFlight bool
	// chain receives the result of contexts 0..n-2 for multi context stages
	chain chan error
}

// NewStage allocates the stage buffers and claims one context on each
// execution object of the chain
func NewStage(index int, chain []device.ExecutionObject, alloc device.Allocator, tracer *trace.Recorder) (*Stage, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: stage %d has no execution objects", device.ErrDeviceUnavailable, index)
	}
	for k := 1; k < len(chain); k++ {
		if chain[k-1].OutputSize() != chain[k].InputSize() {
			return nil, fmt.Errorf("%w: stage %d layers group %d output %d bytes, layers group %d input %d bytes",
				device.ErrBufferSize, index, chain[k-1].LayersGroupID(), chain[k-1].OutputSize(),
				chain[k].LayersGroupID(), chain[k].InputSize())
		}
	}

	s := &Stage{index: index, tracer: tracer, frame: -1}
	sizes := []int{chain[0].InputSize()}
	for _, eo := range chain {
		sizes = append(sizes, eo.OutputSize())
	}
	for _, size := range sizes {
		buf, err := alloc.Alloc(size)
		if err != nil {
			return nil, utilerrors.NewAggregate([]error{
				fmt.Errorf("stage %d: allocating %d bytes: %w", index, size, err), s.free()})
		}
		s.buffers = append(s.buffers, buf)
	}
	for k, eo := range chain {
		ctx, err := eo.NewContext(s.buffers[k].Bytes(), s.buffers[k+1].Bytes())
		if err != nil {
			return nil, utilerrors.NewAggregate([]error{
				fmt.Errorf("stage %d: %s: %w", index, device.Name(eo.Type(), eo.ID()), err), s.free()})
		}
		s.contexts = append(s.contexts, ctx)
	}
	if len(s.contexts) > 1 {
		s.chain = make(chan error, 1)
	}
	return s, nil
}

func (s *Stage) Index() int {
	return s.index
}

// Contexts returns the chain of execution contexts in layers group order
func (s *Stage) Contexts() []device.ExecutionContext {
	return s.contexts
}

func (s *Stage) InputBuffer() []byte {
	return s.buffers[0].Bytes()
}

func (s *Stage) OutputBuffer() []byte {
	return s.buffers[len(s.buffers)-1].Bytes()
}

// SetFrameIndex tags the next job; it has no effect on scheduling
func (s *Stage) SetFrameIndex(idx int) {
	s.frame = idx
	for _, ctx := range s.contexts {
		ctx.SetFrameIndex(idx)
	}
}

func (s *Stage) FrameIndex() int {
	return s.frame
}

// InFlight reports whether a job was started and not yet waited on
func (s *Stage) InFlight() bool {
	return s.inFlight
}

// ProcessTime returns the device time of the last frame summed over the chain
func (s *Stage) ProcessTime() time.Duration {
	var total time.Duration
	for _, ctx := range s.contexts {
		total += ctx.ProcessTime()
	}
	return total
}

// ProcessCycles returns the device cycles of the last frame summed over the chain
func (s *Stage) ProcessCycles() uint64 {
	var total uint64
	for _, ctx := range s.contexts {
		total += ctx.ProcessCycles()
	}
	return total
}

// ProcessFrameStartAsync starts the first context of the chain. The rest of
// the chain is started as each predecessor completes.
func (s *Stage) ProcessFrameStartAsync() error {
	if s.inFlight {
		return fmt.Errorf("stage %d frame %d: %w", s.index, s.frame, device.ErrAlreadyPending)
	}
	s.tracer.Stage(s.frame, constants.TraceStartAsync, constants.TraceStart)
	defer s.tracer.Stage(s.frame, constants.TraceStartAsync, constants.TraceEnd)

	if err := s.startContext(0); err != nil {
		return err
	}
	s.inFlight = true
	if s.chain != nil {
		go s.runChain(s.frame)
	}
	return nil
}

// ProcessFrameWait blocks until the last context of the chain completes. It
// returns false without error if no job is in flight.
func (s *Stage) ProcessFrameWait() (bool, error) {
	if !s.inFlight {
		return false, nil
	}
	s.tracer.Stage(s.frame, constants.TraceWait, constants.TraceStart)
	defer s.tracer.Stage(s.frame, constants.TraceWait, constants.TraceEnd)

	s.inFlight = false
	if s.chain != nil {
		if err := <-s.chain; err != nil {
			return false, err
		}
	}
	if err := s.waitContext(len(s.contexts) - 1); err != nil {
		return false, err
	}
	return true, nil
}

// runChain waits on each context but the last and starts its successor
func (s *Stage) runChain(frame int) {
	for k := 0; k < len(s.contexts)-1; k++ {
		if err := s.waitContext(k); err != nil {
			s.chain <- err
			return
		}
		s.tracer.Object(frame, k, constants.TraceRun, constants.TraceStart, s.traceDevice(k))
		err := s.startContext(k + 1)
		s.tracer.Object(frame, k, constants.TraceRun, constants.TraceEnd, s.traceDevice(k))
		if err != nil {
			s.chain <- err
			return
		}
	}
	s.chain <- nil
}

func (s *Stage) startContext(k int) error {
	s.tracer.Object(s.contexts[k].FrameIndex(), k, constants.TraceStartAsync, constants.TraceStart, s.traceDevice(k))
	if err := s.contexts[k].StartAsync(); err != nil {
		return fmt.Errorf("stage %d: %w", s.index, err)
	}
	return nil
}

func (s *Stage) waitContext(k int) error {
	s.tracer.Object(s.contexts[k].FrameIndex(), k, constants.TraceWait, constants.TraceStart, s.traceDevice(k))
	err := s.contexts[k].Wait()
	s.tracer.Object(s.contexts[k].FrameIndex(), k, constants.TraceWait, constants.TraceEnd, s.traceDevice(k))
	if err != nil {
		return fmt.Errorf("stage %d: %w", s.index, err)
	}
	return nil
}

func (s *Stage) traceDevice(k int) trace.Device {
	eo := s.contexts[k].Object()
	return trace.Device{Type: int(eo.Type()), ID: int(eo.ID())}
}

// Close waits for a job still in flight and frees the stage buffers. The
// execution objects are not closed; they belong to their executor.
func (s *Stage) Close() error {
	var errs []error
	if s.inFlight {
		logger.Log.Debugw("Draining stage on close", "stage", s.index, "frame", s.frame)
		if _, err := s.ProcessFrameWait(); err != nil && !errors.Is(err, device.ErrNoPendingJob) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.free())
	return utilerrors.NewAggregate(errs)
}

func (s *Stage) free() error {
	var errs []error
	for _, buf := range s.buffers {
		errs = append(errs, buf.Free())
	}
	s.buffers = nil
	return utilerrors.NewAggregate(errs)
}

func (s *Stage) String() string {
	return fmt.Sprintf("Stage: index=%d; contexts=%d; frame=%d; inFlight=%v",
		s.index, len(s.contexts), s.frame, s.inFlight)
}
