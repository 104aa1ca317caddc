//go:build wgpu

// Package wgpu offloads layers groups to a WebGPU compute queue. Build with
// -tags wgpu; the default build has no GPU device class.
package wgpu

import (
	"fmt"
	"sync"
	"time"

	webgpu "github.com/openfluke/webgpu/wgpu"

	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
	"github.com/llm-d-incubation/accel-pipeline/pkg/config"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device"
)

// workgroup size of the generated shaders
const workgroupSize = 256

// Device is the GPU device class. Each execution object is a compute
// pipeline on the adapter queue, which executes submissions in order.
type Device struct {
	instance *webgpu.Instance
	adapter  *webgpu.Adapter
	device   *webgpu.Device
	queue    *webgpu.Queue

	contextsPerCore int
}

// New opens the high performance adapter, falling back to the default one
func New(spec config.PlatformSpec) (*Device, error) {
	d := &Device{contextsPerCore: max(spec.ContextsPerCore, 1)}
	d.instance = webgpu.CreateInstance(nil)
	if d.instance == nil {
		return nil, fmt.Errorf("%w: failed to create WebGPU instance", device.ErrDeviceUnavailable)
	}
	var err error
	d.adapter, err = d.instance.RequestAdapter(&webgpu.RequestAdapterOptions{
		PowerPreference: webgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || d.adapter == nil {
		logger.Log.Debugw("High performance adapter unavailable, trying default", "error", err)
		d.adapter, err = d.instance.RequestAdapter(nil)
	}
	if err != nil || d.adapter == nil {
		return nil, fmt.Errorf("%w: no WebGPU adapter: %v", device.ErrDeviceUnavailable, err)
	}
	info := d.adapter.GetInfo()
	d.device, err = d.adapter.RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: request device on %s: %v", device.ErrDeviceUnavailable, info.Name, err)
	}
	d.queue = d.device.GetQueue()
	logger.Log.Infow("GPU adapter opened", "adapter", info.Name, "vendor", info.VendorName)
	return d, nil
}

func (d *Device) Type() device.DeviceType {
	return device.GPU
}

// NumDevices returns 1, the adapter queue
func (d *Device) NumDevices() int {
	if d.queue == nil {
		return 0
	}
	return 1
}

func (d *Device) NewExecutionObject(id device.DeviceID, group config.LayersGroupSpec) (device.ExecutionObject, error) {
	if id != device.ID0 {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceUnavailable, device.Name(device.GPU, id))
	}
	if group.InputSize <= 0 || group.OutputSize <= 0 {
		return nil, fmt.Errorf("%w: layers group %d sizes %d/%d",
			device.ErrBufferSize, group.ID, group.InputSize, group.OutputSize)
	}
	label := fmt.Sprintf("lg%d", group.ID)
	mod, err := d.device.CreateShaderModule(&webgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &webgpu.ShaderModuleWGSLDescriptor{Code: copyShader(group.InputSize, group.OutputSize)},
	})
	if err != nil {
		return nil, fmt.Errorf("compile layers group %d: %w", group.ID, err)
	}
	pipeline, err := d.device.CreateComputePipeline(&webgpu.ComputePipelineDescriptor{
		Label:   label + "_Pipe",
		Compute: webgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline for layers group %d: %w", group.ID, err)
	}
	return &Object{dev: d, group: group, pipeline: pipeline, label: label}, nil
}

// copyShader repeats the input bytes across the output, one u32 word per
// invocation
func copyShader(inBytes, outBytes int) string {
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> src: array<u32>;
		@group(0) @binding(1) var<storage, read_write> dst: array<u32>;

		const IN_BYTES: u32 = %du;
		const OUT_WORDS: u32 = %du;

		fn byte_at(i: u32) -> u32 {
			let j = i %% IN_BYTES;
			return (src[j / 4u] >> ((j %% 4u) * 8u)) & 0xffu;
		}

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let w = gid.x;
			if (w >= OUT_WORDS) {
				return;
			}
			var v: u32 = 0u;
			for (var b: u32 = 0u; b < 4u; b++) {
				v = v | (byte_at(w * 4u + b) << (b * 8u));
			}
			dst[w] = v;
		}
	`, inBytes, words(outBytes), workgroupSize)
}

// words rounds a byte count up to u32 words
func words(n int) int {
	return (n + 3) / 4
}

// Object is a compute pipeline for one layers group
type Object struct {
	dev      *Device
	group    config.LayersGroupSpec
	pipeline *webgpu.ComputePipeline
	label    string

	mu       sync.Mutex
	contexts []*Context
	closed   bool
}

func (o *Object) Type() device.DeviceType { return device.GPU }
func (o *Object) ID() device.DeviceID { return device.ID0 }
func (o *Object) LayersGroupID() int { return o.group.ID }
func (o *Object) InputSize() int { return o.group.InputSize }
func (o *Object) OutputSize() int { return o.group.OutputSize }

func (o *Object) NewContext(in, out []byte) (device.ExecutionContext, error) {
	if len(in) != o.group.InputSize || len(out) != o.group.OutputSize {
		return nil, fmt.Errorf("%w: %s expects %d/%d bytes", device.ErrBufferSize, o.label,
			o.group.InputSize, o.group.OutputSize)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, fmt.Errorf("%s: %w", o.label, device.ErrClosed)
	}
	if len(o.contexts) >= o.dev.contextsPerCore {
		return nil, fmt.Errorf("%w: %s has %d", device.ErrContextsExhausted, o.label, o.dev.contextsPerCore)
	}
	x, err := o.newContext(len(o.contexts), in, out)
	if err != nil {
		return nil, err
	}
	o.contexts = append(o.contexts, x)
	return x, nil
}

func (o *Object) newContext(slot int, in, out []byte) (*Context, error) {
	d := o.dev.device
	inSize := uint64(4 * words(len(in)))
	outSize := uint64(4 * words(len(out)))
	x := &Context{obj: o, slot: slot, in: in, out: out, frame: -1}

	var err error
	if x.src, err = d.CreateBuffer(&webgpu.BufferDescriptor{
		Label: fmt.Sprintf("%s_ctx%d_in", o.label, slot),
		Size:  inSize,
		Usage: webgpu.BufferUsageStorage | webgpu.BufferUsageCopyDst,
	}); err != nil {
		return nil, fmt.Errorf("input buffer: %w", err)
	}
	if x.dst, err = d.CreateBuffer(&webgpu.BufferDescriptor{
		Label: fmt.Sprintf("%s_ctx%d_out", o.label, slot),
		Size:  outSize,
		Usage: webgpu.BufferUsageStorage | webgpu.BufferUsageCopySrc,
	}); err != nil {
		x.release()
		return nil, fmt.Errorf("output buffer: %w", err)
	}
	if x.staging, err = d.CreateBuffer(&webgpu.BufferDescriptor{
		Label: fmt.Sprintf("%s_ctx%d_staging", o.label, slot),
		Size:  outSize,
		Usage: webgpu.BufferUsageMapRead | webgpu.BufferUsageCopyDst,
	}); err != nil {
		x.release()
		return nil, fmt.Errorf("staging buffer: %w", err)
	}
	if x.bindGroup, err = d.CreateBindGroup(&webgpu.BindGroupDescriptor{
		Label:  fmt.Sprintf("%s_ctx%d_bind", o.label, slot),
		Layout: o.pipeline.GetBindGroupLayout(0),
		Entries: []webgpu.BindGroupEntry{
			{Binding: 0, Buffer: x.src, Size: inSize},
			{Binding: 1, Buffer: x.dst, Size: outSize},
		},
	}); err != nil {
		x.release()
		return nil, fmt.Errorf("bind group: %w", err)
	}
	x.staged = make([]byte, inSize)
	return x, nil
}

// Close waits for pending jobs and releases GPU resources
func (o *Object) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	for _, x := range o.contexts {
		if x.pending != nil {
			_ = x.Wait()
		}
		x.release()
	}
	o.pipeline.Release()
	return nil
}

// Context owns the GPU buffers of one slot
type Context struct {
	obj     *Object
	slot    int
	in, out []byte
	frame   int

	src, dst, staging *webgpu.Buffer
	bindGroup         *webgpu.BindGroup
	staged            []byte

	pending *job
	elapsed time.Duration
}

type job struct {
	frame   int
	started time.Time
	done    chan struct{}
	err     error
}

func (x *Context) StartAsync() error {
	if x.pending != nil {
		return fmt.Errorf("%s context %d frame %d: %w", x.obj.label, x.slot, x.pending.frame, device.ErrAlreadyPending)
	}
	d := x.obj.dev
	copy(x.staged, x.in)
	d.queue.WriteBuffer(x.src, 0, x.staged)

	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return x.fail(err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(x.obj.pipeline)
	pass.SetBindGroup(0, x.bindGroup, nil)
	pass.DispatchWorkgroups(uint32((words(len(x.out))+workgroupSize-1)/workgroupSize), 1, 1)
	pass.End()
	enc.CopyBufferToBuffer(x.dst, 0, x.staging, 0, x.staging.GetSize())
	cmd, err := enc.Finish(nil)
	if err != nil {
		return x.fail(err)
	}
	j := &job{frame: x.frame, started: time.Now(), done: make(chan struct{})}
	d.queue.Submit(cmd)

	err = x.staging.MapAsync(webgpu.MapModeRead, 0, x.staging.GetSize(), func(status webgpu.BufferMapAsyncStatus) {
		if status != webgpu.BufferMapAsyncStatusSuccess {
			j.err = fmt.Errorf("map failed: %v", status)
		}
		close(j.done)
	})
	if err != nil {
		return x.fail(err)
	}
	x.pending = j
	return nil
}

func (x *Context) fail(err error) error {
	return &device.ExecutionError{Device: device.Name(device.GPU, device.ID0), Frame: x.frame, Err: err}
}

func (x *Context) Wait() error {
	j := x.pending
	if j == nil {
		return device.ErrNoPendingJob
	}
	x.pending = nil

	// blocks until the readback map completes, like a wait on the vision cores
	for !isDone(j.done) {
		x.obj.dev.device.Poll(true, nil)
	}
	if j.err != nil {
		return &device.ExecutionError{Device: device.Name(device.GPU, device.ID0), Frame: j.frame, Err: j.err}
	}
	data := x.staging.GetMappedRange(0, uint(x.staging.GetSize()))
	copy(x.out, data)
	x.staging.Unmap()
	x.elapsed = time.Since(j.started)
	return nil
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (x *Context) release() {
	if x.bindGroup != nil {
		x.bindGroup.Release()
	}
	for _, b := range []*webgpu.Buffer{x.src, x.dst, x.staging} {
		if b != nil {
			b.Destroy()
		}
	}
}

func (x *Context) InputBuffer() []byte { return x.in }
func (x *Context) OutputBuffer() []byte { return x.out }

func (x *Context) SetFrameIndex(idx int) { x.frame = idx }
func (x *Context) FrameIndex() int { return x.frame }

// ProcessCycles is not reported by the GPU class
func (x *Context) ProcessCycles() uint64 { return 0 }

// ProcessTime is the host observed time from submission to readback
func (x *Context) ProcessTime() time.Duration { return x.elapsed }

func (x *Context) Object() device.ExecutionObject { return x.obj }
