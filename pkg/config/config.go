package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

// ReadFromFile reads a YAML configuration file, fills in defaults and validates it
func ReadFromFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("configuration %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML configuration, fills in defaults and validates it
func Parse(data []byte) (*Configuration, error) {
	c := &Configuration{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetDefaults fills unset values
func (c *Configuration) SetDefaults() {
	n := &c.Network
	if n.InChannels == 0 {
		n.InChannels = 1
	}
	if n.ParamHeapSize == 0 {
		n.ParamHeapSize = DefaultParamHeapSize
	}
	if n.ExtMemHeapSize == 0 {
		n.ExtMemHeapSize = DefaultExtMemHeapSize
	}
	if len(n.LayersGroups) == 0 {
		n.LayersGroups = []LayersGroupSpec{{ID: DefaultLayersGroupID}}
	}
	slices.SortStableFunc(n.LayersGroups, func(a, b LayersGroupSpec) int { return a.ID - b.ID })
	for i := range n.LayersGroups {
		g := &n.LayersGroups[i]
		g.DeviceType = strings.ToLower(g.DeviceType)
		if g.Kernel == "" {
			g.Kernel = DefaultKernel
		}
		if g.InputSize == 0 {
			if i == 0 {
				g.InputSize = c.InputSize()
			} else {
				g.InputSize = n.LayersGroups[i-1].OutputSize
			}
		}
		if g.OutputSize == 0 && i == len(n.LayersGroups)-1 && n.NumClasses > 0 {
			g.OutputSize = n.NumClasses
		}
		if g.OutputSize == 0 {
			g.OutputSize = g.InputSize
		}
	}

	p := &c.Platform
	if p.ContextsPerCore == 0 {
		p.ContextsPerCore = DefaultContextsPerCore
	}
	if p.EVEClockMHz == 0 {
		p.EVEClockMHz = DefaultEVEClockMHz
	}
	if p.DSPClockMHz == 0 {
		p.DSPClockMHz = DefaultDSPClockMHz
	}
	if p.CyclesPerByte == 0 {
		p.CyclesPerByte = DefaultCyclesPerByte
	}
	if p.MemAlignment == 0 {
		p.MemAlignment = DefaultMemAlignment
	}

	r := &c.Run
	if r.BufferFactor == 0 {
		r.BufferFactor = DefaultBufferFactor
	}
	if r.FramesPerInput == 0 {
		r.FramesPerInput = 1
	}

	t := &c.Trace
	if t.Enabled && t.File == "" {
		t.File = DefaultTraceFile
	}
	if t.NumFrames == 0 {
		t.NumFrames = DefaultTraceFrames
	}
}

// Validate checks the configuration for consistency
func (c *Configuration) Validate() error {
	var errs []string
	n := c.Network
	if n.InWidth <= 0 || n.InHeight <= 0 {
		errs = append(errs, fmt.Sprintf("input geometry %dx%d", n.InWidth, n.InHeight))
	}
	if n.InChannels <= 0 {
		errs = append(errs, fmt.Sprintf("input channels %d", n.InChannels))
	}
	for i, g := range n.LayersGroups {
		if i > 0 && g.ID == n.LayersGroups[i-1].ID {
			errs = append(errs, fmt.Sprintf("duplicate layers group %d", g.ID))
		}
		if g.InputSize <= 0 || g.OutputSize <= 0 {
			errs = append(errs, fmt.Sprintf("layers group %d buffer sizes %d/%d", g.ID, g.InputSize, g.OutputSize))
		}
		if i > 0 && !n.RunFullNet && n.LayersGroups[i-1].OutputSize != g.InputSize {
			errs = append(errs, fmt.Sprintf("layers group %d input %d does not match layers group %d output %d",
				g.ID, g.InputSize, n.LayersGroups[i-1].ID, n.LayersGroups[i-1].OutputSize))
		}
		if len(n.LayersGroups) > 1 && !n.RunFullNet && g.DeviceType == "" {
			errs = append(errs, fmt.Sprintf("layers group %d has no device type", g.ID))
		}
	}
	if c.Platform.ContextsPerCore < 1 {
		errs = append(errs, fmt.Sprintf("contexts per core %d", c.Platform.ContextsPerCore))
	}
	if a := c.Platform.MemAlignment; a&(a-1) != 0 {
		errs = append(errs, fmt.Sprintf("memory alignment %d is not a power of two", a))
	}
	if c.Run.NumFrames < 0 {
		errs = append(errs, fmt.Sprintf("number of frames %d", c.Run.NumFrames))
	}
	if c.Run.BufferFactor < 1 {
		errs = append(errs, fmt.Sprintf("buffer factor %d", c.Run.BufferFactor))
	}
	if c.Run.NumEVEs < 0 || c.Run.NumDSPs < 0 {
		errs = append(errs, fmt.Sprintf("device counts eve=%d dsp=%d", c.Run.NumEVEs, c.Run.NumDSPs))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(errs, "; "))
	}
	return nil
}

// InputSize returns the bytes of one input frame
func (c *Configuration) InputSize() int {
	return c.Network.InWidth * c.Network.InHeight * c.Network.InChannels
}

// ChannelSize returns the bytes of one input plane
func (c *Configuration) ChannelSize() int {
	return c.Network.InWidth * c.Network.InHeight
}

// Groups returns the layers groups the network runs as. With RunFullNet the
// whole network runs as the first group, taking the network input and
// producing the output of the last group.
func (c *Configuration) Groups() []LayersGroupSpec {
	groups := c.Network.LayersGroups
	if !c.Network.RunFullNet || len(groups) < 2 {
		return slices.Clone(groups)
	}
	full := groups[0]
	full.OutputSize = groups[len(groups)-1].OutputSize
	return []LayersGroupSpec{full}
}

// Group returns the layers group with the given id
func (c *Configuration) Group(id int) (LayersGroupSpec, bool) {
	for _, g := range c.Groups() {
		if g.ID == id {
			return g, true
		}
	}
	return LayersGroupSpec{}, false
}

func (c *Configuration) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("Configuration: %v", err)
	}
	return string(data)
}
