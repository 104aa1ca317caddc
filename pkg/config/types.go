package config

// Configuration of a network offloaded to the accelerator cores, together with
// the platform it runs on and the parameters of a single run
type Configuration struct {
	Network  NetworkSpec  `yaml:"network"`  // network geometry and layers groups
	Platform PlatformSpec `yaml:"platform"` // accelerator cores available on the SoC
	Run      RunSpec      `yaml:"run"`      // frame loop parameters
	Trace    TraceSpec    `yaml:"trace"`    // timestamp trace settings
}

// Specifications of the network
type NetworkSpec struct {
	Name           string            `yaml:"name"`           // network name (e.g. mnist)
	InWidth        int               `yaml:"inWidth"`        // input frame width in pixels
	InHeight       int               `yaml:"inHeight"`       // input frame height in pixels
	InChannels     int               `yaml:"inChannels"`     // number of input planes
	NumClasses     int               `yaml:"numClasses"`     // size of the classification output
	NetBinFile     string            `yaml:"netBinFile"`     // network structure binary
	ParamsBinFile  string            `yaml:"paramsBinFile"`  // network parameters binary
	ParamHeapSize  int               `yaml:"paramHeapSize"`  // bytes of device heap for network parameters
	ExtMemHeapSize int               `yaml:"extMemHeapSize"` // bytes of device heap for layer scratch
	RunFullNet     bool              `yaml:"runFullNet"`     // collapse all layers groups into one
	LayersGroups   []LayersGroupSpec `yaml:"layersGroups"`   // partitions of the network, ascending id
}

// Specifications of a layers group, a partition of the network that runs on
// one device class
type LayersGroupSpec struct {
	ID         int    `yaml:"id"`         // layers group id
	DeviceType string `yaml:"deviceType"` // eve, dsp or gpu
	InputSize  int    `yaml:"inputSize"`  // bytes consumed per frame
	OutputSize int    `yaml:"outputSize"` // bytes produced per frame
	Kernel     string `yaml:"kernel"`     // kernel executed by simulated cores
}

// Specifications of the accelerator platform
type PlatformSpec struct {
	NumEVEs         int     `yaml:"numEVEs"`         // vision engines present on the SoC
	NumDSPs         int     `yaml:"numDSPs"`         // DSP cores present on the SoC
	ContextsPerCore int     `yaml:"contextsPerCore"` // jobs a core can hold in flight
	EVEClockMHz     float64 `yaml:"eveClockMHz"`     // vision engine clock
	DSPClockMHz     float64 `yaml:"dspClockMHz"`     // DSP clock
	CyclesPerByte   float64 `yaml:"cyclesPerByte"`   // cost model of simulated kernels
	Realtime        bool    `yaml:"realtime"`        // simulated cores sleep for the modeled time
	MemAlignment    int     `yaml:"memAlignment"`    // alignment of device visible buffers
}

// Specifications of a run of the frame loop
type RunSpec struct {
	NumFrames      int      `yaml:"numFrames"`      // frames to process
	BufferFactor   int      `yaml:"bufferFactor"`   // stages per execution object chain
	NumEVEs        int      `yaml:"numEVEs"`        // vision engines used by the run
	NumDSPs        int      `yaml:"numDSPs"`        // DSP cores used by the run
	Inputs         []string `yaml:"inputs"`         // raw test vectors cycled by frame index
	FramesPerInput int      `yaml:"framesPerInput"` // frames stored back to back in each test vector
	InputFile      string   `yaml:"inputFile"`      // raw frame stream, overrides inputs
	LabelsFile     string   `yaml:"labelsFile"`     // one class label per line
	OutputPrefix   string   `yaml:"outputPrefix"`   // write each output buffer to <prefix>_<frame>.bin
	Verbose        bool     `yaml:"verbose"`        // debug logging
}

// Specifications of the timestamp trace
type TraceSpec struct {
	Enabled   bool   `yaml:"enabled"`   // record timestamps
	File      string `yaml:"file"`      // trace output
	NumFrames int    `yaml:"numFrames"` // frames recorded from the start of the run
}
