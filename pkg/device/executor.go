package device

import (
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
	"github.com/llm-d-incubation/accel-pipeline/pkg/config"
)

// build information, set with -ldflags
var (
	BuildVersion = "1.0.0"
	BuildSHA     = "unknown"
)

// APIVersion returns <major>.<minor>.<patch>.<sha>
func APIVersion() string {
	return BuildVersion + "." + BuildSHA
}

// Registry holds the device classes present on the SoC
type Registry struct {
	devices map[DeviceType]Device
}

func NewRegistry(devices ...Device) *Registry {
	r := &Registry{devices: make(map[DeviceType]Device)}
	for _, d := range devices {
		r.devices[d.Type()] = d
	}
	return r
}

// NumDevices returns the number of cores of a class, zero if the class is absent
func (r *Registry) NumDevices(t DeviceType) int {
	if d, ok := r.devices[t]; ok {
		return d.NumDevices()
	}
	return 0
}

// Device returns the device class t
func (r *Registry) Device(t DeviceType) (Device, error) {
	d, ok := r.devices[t]
	if !ok || d.NumDevices() == 0 {
		return nil, fmt.Errorf("%w: no %s cores on this SoC", ErrDeviceUnavailable, t)
	}
	return d, nil
}

// Executor manages the execution objects of one layers group on a set of
// cores of one class
type Executor struct {
	deviceType    DeviceType
	ids           []DeviceID
	layersGroupID int
	objects       []ExecutionObject
}

// NewExecutor creates an execution object for each core in ids, bound to the
// layers group layersGroupID of the configuration
func NewExecutor(d Device, ids DeviceIDs, c *config.Configuration, layersGroupID int) (*Executor, error) {
	if ids.Len() == 0 {
		return nil, fmt.Errorf("%w: empty %s device set", ErrDeviceUnavailable, d.Type())
	}
	for id := range ids {
		if int(id) < 0 || int(id) >= d.NumDevices() {
			return nil, fmt.Errorf("%w: %s not present (%d cores)",
				ErrDeviceUnavailable, Name(d.Type(), id), d.NumDevices())
		}
	}
	group, ok := c.Group(layersGroupID)
	if !ok {
		return nil, fmt.Errorf("%w: no layers group %d", config.ErrInvalidConfiguration, layersGroupID)
	}

	e := &Executor{
		deviceType:    d.Type(),
		ids:           sets.List(ids),
		layersGroupID: layersGroupID,
	}
	for _, id := range e.ids {
		eo, err := d.NewExecutionObject(id, group)
		if err != nil {
			closeErr := e.Close()
			return nil, utilerrors.NewAggregate([]error{
				fmt.Errorf("creating execution object %s: %w", Name(d.Type(), id), err), closeErr})
		}
		e.objects = append(e.objects, eo)
	}
	logger.Log.Debugw("Executor created", "deviceType", e.deviceType.String(),
		"devices", len(e.objects), "layersGroup", layersGroupID)
	return e, nil
}

// ExecutionObjects returns the execution objects in ascending device id
func (e *Executor) ExecutionObjects() []ExecutionObject {
	return e.objects
}

func (e *Executor) NumExecutionObjects() int {
	return len(e.objects)
}

func (e *Executor) Type() DeviceType {
	return e.deviceType
}

func (e *Executor) LayersGroupID() int {
	return e.layersGroupID
}

// Close releases all execution objects. Safe on a nil executor.
func (e *Executor) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	for _, eo := range e.objects {
		errs = append(errs, eo.Close())
	}
	e.objects = nil
	return utilerrors.NewAggregate(errs)
}
