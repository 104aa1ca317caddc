package device

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable reports that no core of the requested class exists.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrAlreadyPending reports a start issued before the previous job on the
	// same context was waited on.
	ErrAlreadyPending = errors.New("job already pending")

	// ErrNoPendingJob reports a wait without a corresponding start.
	ErrNoPendingJob = errors.New("no pending job")

	// ErrContextsExhausted reports that a core has no free context slot.
	ErrContextsExhausted = errors.New("execution contexts exhausted")

	// ErrClosed reports use of a core after it was closed.
	ErrClosed = errors.New("execution object closed")

	// ErrBufferSize reports a buffer that does not match the layers group.
	ErrBufferSize = errors.New("buffer size mismatch")
)

// ExecutionError is a failure reported by a core while running a job
type ExecutionError struct {
	Device string // e.g. DSP1
	Frame  int    // frame index tag of the job
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("device %s failed on frame %d: %v", e.Device, e.Frame, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecutionError reports whether err carries a device execution failure
func IsExecutionError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr)
}
