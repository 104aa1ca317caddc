package pipeline

import (
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
	"github.com/llm-d-incubation/accel-pipeline/internal/trace"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device"
)

// Pool is a fixed set of stages, bufferFactor stages per execution object
// chain, assigned to frames round robin
type Pool struct {
	stages       []*Stage
	numChains    int
	bufferFactor int
}

// Chains pairs the execution objects of consecutive layers groups into stage
// chains: chain i runs group g on groups[g][i]. The number of chains is the
// size of the smallest group.
func Chains(groups ...[]device.ExecutionObject) [][]device.ExecutionObject {
	if len(groups) == 0 {
		return nil
	}
	n := len(groups[0])
	for _, g := range groups[1:] {
		n = min(n, len(g))
	}
	for g, objects := range groups {
		if len(objects) > n {
			logger.Log.Warnw("Execution objects left without a chain", "layersGroupIndex", g,
				"unused", len(objects)-n)
		}
	}
	chains := make([][]device.ExecutionObject, n)
	for i := range chains {
		for _, g := range groups {
			chains[i] = append(chains[i], g[i])
		}
	}
	return chains
}

// NewPool builds bufferFactor stages for each chain. Stage j*len(chains)+i
// runs chain i, so consecutive frames spread over all chains before a chain
// gets a second frame.
func NewPool(chains [][]device.ExecutionObject, bufferFactor int, alloc device.Allocator, tracer *trace.Recorder) (*Pool, error) {
	if len(chains) == 0 {
		return nil, fmt.Errorf("%w: no execution contexts for the pool", device.ErrDeviceUnavailable)
	}
	if bufferFactor < 1 {
		return nil, fmt.Errorf("invalid buffer factor %d", bufferFactor)
	}

	p := &Pool{numChains: len(chains), bufferFactor: bufferFactor}
	for j := 0; j < bufferFactor; j++ {
		for i, chain := range chains {
			s, err := NewStage(j*len(chains)+i, chain, alloc, tracer)
			if err != nil {
				return nil, utilerrors.NewAggregate([]error{err, p.Close()})
			}
			p.stages = append(p.stages, s)
		}
	}
	logger.Log.Debugw("Pool created", "chains", p.numChains, "bufferFactor", bufferFactor, "stages", len(p.stages))
	return p, nil
}

// Size returns the number of stages
func (p *Pool) Size() int {
	return len(p.stages)
}

func (p *Pool) NumChains() int {
	return p.numChains
}

func (p *Pool) BufferFactor() int {
	return p.bufferFactor
}

// StageForFrame returns the stage frame idx runs on
func (p *Pool) StageForFrame(idx int) *Stage {
	return p.stages[idx%len(p.stages)]
}

func (p *Pool) Stages() []*Stage {
	return p.stages
}

// Close drains and releases every stage. Safe on a nil pool.
func (p *Pool) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, s := range p.stages {
		errs = append(errs, s.Close())
	}
	p.stages = nil
	return utilerrors.NewAggregate(errs)
}
