package device

import (
	"time"

	"github.com/llm-d-incubation/accel-pipeline/pkg/config"
)

// ExecutionContext is one context slot on a core. It runs one inference pass
// at a time asynchronously: the caller fills InputBuffer, calls StartAsync,
// and may read OutputBuffer only after Wait returned nil.
//
// A context is driven by a single caller; start and wait must alternate.
type ExecutionContext interface {
	// StartAsync submits the input buffer to the core and returns immediately.
	// It returns ErrAlreadyPending if the previous job was not waited on.
	StartAsync() error

	// Wait blocks until the pending job completes. It returns ErrNoPendingJob
	// if nothing was started and an *ExecutionError if the core failed.
	Wait() error

	InputBuffer() []byte
	OutputBuffer() []byte

	// SetFrameIndex tags the next job, for trace and diagnostics only.
	SetFrameIndex(idx int)
	FrameIndex() int

	// ProcessCycles and ProcessTime report the device time of the last
	// completed job.
	ProcessCycles() uint64
	ProcessTime() time.Duration

	// Object returns the core the context runs on.
	Object() ExecutionObject
}

// ExecutionObject is a core bound to a layers group of the network. Its jobs
// execute in submission order, one at a time, whichever context submitted them.
type ExecutionObject interface {
	Type() DeviceType
	ID() DeviceID
	LayersGroupID() int
	InputSize() int
	OutputSize() int

	// NewContext claims a context slot bound to the given buffers. The
	// buffers stay owned by the caller and must outlive the context.
	NewContext(in, out []byte) (ExecutionContext, error)

	// Close drains the command queue and releases the core.
	Close() error
}

// Device is a class of cores (vision engines, DSPs, ...) present on the SoC
type Device interface {
	Type() DeviceType

	// NumDevices returns the number of cores of this class.
	NumDevices() int

	// NewExecutionObject binds core id to a layers group of the network.
	NewExecutionObject(id DeviceID, group config.LayersGroupSpec) (ExecutionObject, error)
}
