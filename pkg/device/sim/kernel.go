package sim

import (
	"fmt"
	"sync"
)

// Kernel computes one inference pass of a layers group from in to out
type Kernel func(in, out []byte) error

var (
	kernelsMu sync.RWMutex
	kernels   = map[string]Kernel{
		"copy":     CopyKernel,
		"classify": ClassifyKernel,
	}
)

// RegisterKernel makes a kernel available to layers groups by name
func RegisterKernel(name string, k Kernel) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	kernels[name] = k
}

func lookupKernel(name string) (Kernel, error) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	k, ok := kernels[name]
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q", name)
	}
	return k, nil
}

// CopyKernel repeats the input across the output
func CopyKernel(in, out []byte) error {
	if len(in) == 0 {
		return fmt.Errorf("empty input")
	}
	for i := range out {
		out[i] = in[i%len(in)]
	}
	return nil
}

// ClassifyKernel splits the input into one chunk per output byte and scores
// each class with the mean of its chunk
func ClassifyKernel(in, out []byte) error {
	if len(in) == 0 || len(out) == 0 {
		return fmt.Errorf("empty buffer: in=%d out=%d", len(in), len(out))
	}
	chunk := max(len(in)/len(out), 1)
	for k := range out {
		var sum int
		for i := 0; i < chunk; i++ {
			sum += int(in[(k*chunk+i)%len(in)])
		}
		out[k] = byte(sum / chunk)
	}
	return nil
}
