package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
	"github.com/llm-d-incubation/accel-pipeline/pkg/config"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device"
)

// job is one submission to a core's command queue
type job struct {
	in, out []byte
	frame   int
	done    chan struct{}

	cycles  uint64
	elapsed time.Duration
	err     error
}

// Core is a simulated core bound to a layers group
type Core struct {
	dev    *Device
	id     device.DeviceID
	group  config.LayersGroupSpec
	kernel Kernel
	name   string

	jobs    chan *job
	stopped chan struct{}

	mu       sync.Mutex
	contexts int
	closed   bool
}

func newCore(d *Device, id device.DeviceID, group config.LayersGroupSpec, kernel Kernel) *Core {
	c := &Core{
		dev:     d,
		id:      id,
		group:   group,
		kernel:  kernel,
		name:    device.Name(d.deviceType, id),
		jobs:    make(chan *job, d.spec.ContextsPerCore),
		stopped: make(chan struct{}),
	}
	go c.run()
	logger.Log.Debugw("Core started", "device", c.name, "layersGroup", group.ID, "kernel", group.Kernel)
	return c
}

// run executes queued jobs in submission order until the queue is closed
func (c *Core) run() {
	defer close(c.stopped)
	for j := range c.jobs {
		c.execute(j)
	}
}

func (c *Core) execute(j *job) {
	defer close(j.done)
	j.cycles = uint64(float64(len(j.in)) * c.dev.spec.CyclesPerByte)
	j.elapsed = c.dev.deviceTime(j.cycles)
	if c.dev.spec.Realtime {
		c.dev.clock.Sleep(j.elapsed)
	}
	if err := c.kernel(j.in, j.out); err != nil {
		j.err = err
	}
}

func (c *Core) submit(j *job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%s: %w", c.name, device.ErrClosed)
	}
	// never blocks: each context holds at most one job and contexts <= cap(jobs)
	c.jobs <- j
	return nil
}

func (c *Core) Type() device.DeviceType {
	return c.dev.deviceType
}

func (c *Core) ID() device.DeviceID {
	return c.id
}

func (c *Core) LayersGroupID() int {
	return c.group.ID
}

func (c *Core) InputSize() int {
	return c.group.InputSize
}

func (c *Core) OutputSize() int {
	return c.group.OutputSize
}

func (c *Core) NewContext(in, out []byte) (device.ExecutionContext, error) {
	if len(in) != c.group.InputSize || len(out) != c.group.OutputSize {
		return nil, fmt.Errorf("%w: %s expects %d/%d bytes, got %d/%d", device.ErrBufferSize,
			c.name, c.group.InputSize, c.group.OutputSize, len(in), len(out))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%s: %w", c.name, device.ErrClosed)
	}
	if c.contexts >= c.dev.spec.ContextsPerCore {
		return nil, fmt.Errorf("%w: %s has %d", device.ErrContextsExhausted, c.name, c.dev.spec.ContextsPerCore)
	}
	c.contexts++
	return &Context{core: c, slot: c.contexts - 1, in: in, out: out, frame: -1}, nil
}

// Close waits for queued jobs to finish and stops the core
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()

	<-c.stopped
	logger.Log.Debugw("Core stopped", "device", c.name)
	return nil
}

func (c *Core) String() string {
	return fmt.Sprintf("Core: name=%s; layersGroup=%d; kernel=%s; in=%d; out=%d",
		c.name, c.group.ID, c.group.Kernel, c.group.InputSize, c.group.OutputSize)
}

// Context is a context slot on a simulated core
type Context struct {
	core    *Core
	slot    int
	in, out []byte
	frame   int
	pending *job

	cycles  uint64
	elapsed time.Duration
}

func (x *Context) StartAsync() error {
	if x.pending != nil {
		return fmt.Errorf("%s context %d frame %d: %w", x.core.name, x.slot, x.pending.frame, device.ErrAlreadyPending)
	}
	j := &job{in: x.in, out: x.out, frame: x.frame, done: make(chan struct{})}
	if err := x.core.submit(j); err != nil {
		return err
	}
	x.pending = j
	return nil
}

func (x *Context) Wait() error {
	j := x.pending
	if j == nil {
		return device.ErrNoPendingJob
	}
	<-j.done
	x.pending = nil
	if j.err != nil {
		return &device.ExecutionError{Device: x.core.name, Frame: j.frame, Err: j.err}
	}
	x.cycles = j.cycles
	x.elapsed = j.elapsed
	return nil
}

func (x *Context) InputBuffer() []byte { return x.in }
func (x *Context) OutputBuffer() []byte { return x.out }

func (x *Context) SetFrameIndex(idx int) { x.frame = idx }
func (x *Context) FrameIndex() int { return x.frame }

func (x *Context) ProcessCycles() uint64 { return x.cycles }
func (x *Context) ProcessTime() time.Duration { return x.elapsed }
func (x *Context) Object() device.ExecutionObject { return x.core }
