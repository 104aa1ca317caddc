package config

/**
 * Parameters
 */

// number of frames processed when no count is given
var DefaultNumFrames = 1

// number of frames processed from a camera or frame stream when no count is given
var DefaultNumStreamFrames = 300

// double buffering: two stages per execution object chain
var DefaultBufferFactor = 2

// in-flight jobs a core can hold, matches the event slots of the device kernel
var DefaultContextsPerCore = 2

// vision engines and DSP cores on the reference SoC
var DefaultNumEVEs = 4
var DefaultNumDSPs = 2

// device clocks
var DefaultEVEClockMHz = 535.0
var DefaultDSPClockMHz = 750.0

// simulated kernel cost
var DefaultCyclesPerByte = 64.0

// alignment of device visible buffers
var DefaultMemAlignment = 128

// device heaps
var DefaultParamHeapSize = 9 << 20
var DefaultExtMemHeapSize = 64 << 20

// layers group a single-group network runs as
const DefaultLayersGroupID int = 1

// kernel executed by simulated cores when none is configured
const DefaultKernel = "copy"

// timestamp trace
const DefaultTraceFile = "timestamp.log"

var DefaultTraceFrames = 32

// Default returns the configuration of the 28x28 digit classifier used when
// no configuration file is given
func Default() *Configuration {
	c := &Configuration{
		Network: NetworkSpec{
			Name:       "mnist",
			InWidth:    28,
			InHeight:   28,
			InChannels: 2,
			NumClasses: 10,
			LayersGroups: []LayersGroupSpec{
				{
					ID:     DefaultLayersGroupID,
					Kernel: "classify",
				},
			},
		},
		Platform: PlatformSpec{
			NumEVEs: DefaultNumEVEs,
			NumDSPs: DefaultNumDSPs,
		},
		Run: RunSpec{
			Inputs: []string{"testvecs/input/digit_28x28.y"},
		},
	}
	c.SetDefaults()
	return c
}
