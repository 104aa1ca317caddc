// Package fake provides an in-memory device class that records every start
// and wait, for tests of code built on execution contexts.
package fake

import (
	"fmt"
	"sync"
	"time"

	"github.com/llm-d-incubation/accel-pipeline/pkg/config"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device"
)

// Op is a recorded call on an execution context
type Op string

const (
	OpStart Op = "start"
	OpWait  Op = "wait"
)

// Event is one recorded call
type Event struct {
	Op      Op
	Device  string
	Context int
	Frame   int
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s/%d frame=%d", e.Op, e.Device, e.Context, e.Frame)
}

// Device is a fake device class. Jobs complete when waited on: the output is
// computed from the input at Wait time, so a host write to the input buffer
// between start and wait shows up in the result.
type Device struct {
	deviceType device.DeviceType
	numDevices int

	// Latency is the device time reported for every job.
	Latency time.Duration
	// MaxContexts limits context slots per core, zero means unlimited.
	MaxContexts int

	mu      sync.Mutex
	events  []Event
	fail    map[int]error
	objects []*Object
	pending int
	maxPend int
	closed  int
	starts  int
	waits   int
	noJob   int
}

func NewDevice(t device.DeviceType, n int) *Device {
	return &Device{
		deviceType: t,
		numDevices: n,
		Latency:    time.Millisecond,
		fail:       make(map[int]error),
	}
}

// FailOn makes the job tagged with frame fail with err when waited on
func (d *Device) FailOn(frame int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[frame] = err
}

// Events returns the recorded calls in order
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Starts returns the number of successful StartAsync calls
func (d *Device) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// Waits returns the number of Wait calls that completed a job
func (d *Device) Waits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waits
}

// EmptyWaits returns the number of Wait calls without a pending job
func (d *Device) EmptyWaits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.noJob
}

// Pending returns the number of jobs started and not yet waited on
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// MaxPending returns the highest number of jobs in flight at once
func (d *Device) MaxPending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxPend
}

// Closed returns the number of execution objects closed
func (d *Device) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) Type() device.DeviceType {
	return d.deviceType
}

func (d *Device) NumDevices() int {
	return d.numDevices
}

func (d *Device) NewExecutionObject(id device.DeviceID, group config.LayersGroupSpec) (device.ExecutionObject, error) {
	if int(id) >= d.numDevices {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceUnavailable, device.Name(d.deviceType, id))
	}
	o := &Object{dev: d, id: id, group: group, name: device.Name(d.deviceType, id)}
	d.mu.Lock()
	d.objects = append(d.objects, o)
	d.mu.Unlock()
	return o, nil
}

func (d *Device) record(e Event) {
	d.events = append(d.events, e)
}

// Object is a fake core
type Object struct {
	dev      *Device
	id       device.DeviceID
	group    config.LayersGroupSpec
	name     string
	contexts int
	closed   bool
}

func (o *Object) Type() device.DeviceType { return o.dev.deviceType }
func (o *Object) ID() device.DeviceID { return o.id }
func (o *Object) LayersGroupID() int { return o.group.ID }
func (o *Object) InputSize() int { return o.group.InputSize }
func (o *Object) OutputSize() int { return o.group.OutputSize }

func (o *Object) NewContext(in, out []byte) (device.ExecutionContext, error) {
	if len(in) != o.group.InputSize || len(out) != o.group.OutputSize {
		return nil, fmt.Errorf("%w: %s", device.ErrBufferSize, o.name)
	}
	o.dev.mu.Lock()
	defer o.dev.mu.Unlock()
	if o.dev.MaxContexts > 0 && o.contexts >= o.dev.MaxContexts {
		return nil, fmt.Errorf("%w: %s", device.ErrContextsExhausted, o.name)
	}
	o.contexts++
	return &Context{obj: o, slot: o.contexts - 1, in: in, out: out, frame: -1}, nil
}

func (o *Object) Close() error {
	o.dev.mu.Lock()
	defer o.dev.mu.Unlock()
	if !o.closed {
		o.closed = true
		o.dev.closed++
	}
	return nil
}

// Context is a fake execution context
type Context struct {
	obj     *Object
	slot    int
	in, out []byte
	frame   int

	pending    bool
	startFrame int
	elapsed    time.Duration
}

func (x *Context) StartAsync() error {
	d := x.obj.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if x.pending {
		return fmt.Errorf("%s/%d: %w", x.obj.name, x.slot, device.ErrAlreadyPending)
	}
	x.pending = true
	x.startFrame = x.frame
	d.starts++
	d.pending++
	d.maxPend = max(d.maxPend, d.pending)
	d.record(Event{Op: OpStart, Device: x.obj.name, Context: x.slot, Frame: x.frame})
	return nil
}

func (x *Context) Wait() error {
	d := x.obj.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if !x.pending {
		d.noJob++
		return device.ErrNoPendingJob
	}
	x.pending = false
	d.pending--
	d.record(Event{Op: OpWait, Device: x.obj.name, Context: x.slot, Frame: x.startFrame})
	if err, ok := d.fail[x.startFrame]; ok {
		return &device.ExecutionError{Device: x.obj.name, Frame: x.startFrame, Err: err}
	}
	for i := range x.out {
		x.out[i] = x.in[i%len(x.in)]
	}
	x.elapsed = d.Latency
	d.waits++
	return nil
}

func (x *Context) InputBuffer() []byte { return x.in }
func (x *Context) OutputBuffer() []byte { return x.out }
func (x *Context) SetFrameIndex(idx int) { x.frame = idx }
func (x *Context) FrameIndex() int { return x.frame }
func (x *Context) ProcessCycles() uint64 { return uint64(x.elapsed.Nanoseconds()) }
func (x *Context) ProcessTime() time.Duration { return x.elapsed }
func (x *Context) Object() device.ExecutionObject { return x.obj }
