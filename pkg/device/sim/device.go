// Package sim provides device classes that model the vision engines and DSP
// cores of the SoC on a host without accelerators. Each core runs an in-order
// command queue; kernels are plain Go functions and device time follows a
// cycles-per-byte cost model at the class clock.
package sim

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/accel-pipeline/pkg/config"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device"
)

// cores of each class on the largest supported SoC
const (
	maxEVEs = 4
	maxDSPs = 2
)

// Device is a class of simulated cores
type Device struct {
	deviceType device.DeviceType
	numDevices int
	clockMHz   float64
	spec       config.PlatformSpec
	clock      clock.Clock
}

// Option customizes a simulated device class
type Option func(*Device)

// WithClock sets the clock simulated cores sleep on in realtime mode
func WithClock(c clock.Clock) Option {
	return func(d *Device) {
		d.clock = c
	}
}

// NewEVE returns the vision engine class described by the platform spec
func NewEVE(spec config.PlatformSpec, opts ...Option) *Device {
	return newDevice(device.EVE, min(spec.NumEVEs, maxEVEs), spec.EVEClockMHz, spec, opts)
}

// NewDSP returns the DSP class described by the platform spec
func NewDSP(spec config.PlatformSpec, opts ...Option) *Device {
	return newDevice(device.DSP, min(spec.NumDSPs, maxDSPs), spec.DSPClockMHz, spec, opts)
}

// NewRegistry returns a registry with both simulated classes
func NewRegistry(spec config.PlatformSpec, opts ...Option) *device.Registry {
	return device.NewRegistry(NewEVE(spec, opts...), NewDSP(spec, opts...))
}

func newDevice(t device.DeviceType, n int, mhz float64, spec config.PlatformSpec, opts []Option) *Device {
	d := &Device{
		deviceType: t,
		numDevices: max(n, 0),
		clockMHz:   mhz,
		spec:       spec,
		clock:      clock.RealClock{},
	}
	if d.spec.ContextsPerCore < 1 {
		d.spec.ContextsPerCore = config.DefaultContextsPerCore
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Type() device.DeviceType {
	return d.deviceType
}

func (d *Device) NumDevices() int {
	return d.numDevices
}

func (d *Device) NewExecutionObject(id device.DeviceID, group config.LayersGroupSpec) (device.ExecutionObject, error) {
	if int(id) < 0 || int(id) >= d.numDevices {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceUnavailable, device.Name(d.deviceType, id))
	}
	if group.InputSize <= 0 || group.OutputSize <= 0 {
		return nil, fmt.Errorf("%w: layers group %d sizes %d/%d",
			device.ErrBufferSize, group.ID, group.InputSize, group.OutputSize)
	}
	kernel, err := lookupKernel(group.Kernel)
	if err != nil {
		return nil, err
	}
	return newCore(d, id, group, kernel), nil
}

// deviceTime converts cycles to time at the class clock
func (d *Device) deviceTime(cycles uint64) time.Duration {
	if d.clockMHz <= 0 {
		return 0
	}
	return time.Duration(float64(cycles) * 1e3 / d.clockMHz)
}
