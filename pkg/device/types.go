package device

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// DeviceType enumerates the classes of cores a network can be offloaded to.
// Values of DSP and EVE match the trace format read by the execution graph viewer.
type DeviceType int

const (
	DSP DeviceType = iota // DSP cluster core
	EVE                   // fixed-function vision engine
	GPU                   // GPU compute queue
)

func (t DeviceType) String() string {
	switch t {
	case DSP:
		return "DSP"
	case EVE:
		return "EVE"
	case GPU:
		return "GPU"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(t))
	}
}

// ParseDeviceType maps a configuration name to a device type
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(s) {
	case "dsp":
		return DSP, nil
	case "eve":
		return EVE, nil
	case "gpu":
		return GPU, nil
	default:
		return 0, fmt.Errorf("unknown device type %q", s)
	}
}

// DeviceID identifies a core within its class. Numbering starts at 0, so
// ID0 is DSP1 or EVE1 in the SoC reference manual.
type DeviceID int

const (
	ID0 DeviceID = iota
	ID1
	ID2
	ID3
)

// Name returns the reference manual name of the core, e.g. EVE2
func Name(t DeviceType, id DeviceID) string {
	return fmt.Sprintf("%s%d", t, int(id)+1)
}

// DeviceIDs is the set of cores available to an Executor
type DeviceIDs = sets.Set[DeviceID]

// NewDeviceIDs returns the set {ID0, ..., ID(n-1)}
func NewDeviceIDs(n int) DeviceIDs {
	ids := sets.New[DeviceID]()
	for i := 0; i < n; i++ {
		ids.Insert(DeviceID(i))
	}
	return ids
}
