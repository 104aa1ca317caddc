package analyzer

import (
	"fmt"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Analyzer of the device and loop times of a pipelined run
type TimingAnalyzer struct {
	NumChains    int // execution object chains working in parallel
	BufferFactor int // stages per chain
}

// timing solution metrics data
type TimingMetrics struct {
	NumFrames   int     // frames completed
	DeviceTotal float64 // device time summed over frames (msec)
	LoopTotal   float64 // wall time of the frame loop (msec)
	AvgDevice   float64 // average device time per frame (msec)
	StdDevice   float64 // standard deviation of device time per frame (msec)
	MinDevice   float64 // shortest device time (msec)
	MaxDevice   float64 // longest device time (msec)
	P50Device   float64 // median device time (msec)
	P95Device   float64 // 95th percentile device time (msec)
	FrameRate   float64 // completed frames per second of loop time
	Overlap     float64 // device time per unit of loop time, above 1 when chains run in parallel
	Efficiency  float64 // overlap per chain, 1 when every chain is always busy
}

func NewTimingAnalyzer(numChains, bufferFactor int) (*TimingAnalyzer, error) {
	if numChains < 1 || bufferFactor < 1 {
		return nil, fmt.Errorf("invalid pipeline shape: chains=%d, bufferFactor=%d", numChains, bufferFactor)
	}
	return &TimingAnalyzer{NumChains: numChains, BufferFactor: bufferFactor}, nil
}

// Analyze summarizes the per frame device times and the loop wall time
func (ta *TimingAnalyzer) Analyze(deviceTimes []time.Duration, loop time.Duration) (*TimingMetrics, error) {
	if loop < 0 {
		return nil, fmt.Errorf("invalid loop time %v", loop)
	}
	m := &TimingMetrics{NumFrames: len(deviceTimes), LoopTotal: toMillis(loop)}
	if len(deviceTimes) == 0 {
		return m, nil
	}

	samples := make([]float64, len(deviceTimes))
	for i, d := range deviceTimes {
		samples[i] = toMillis(d)
		m.DeviceTotal += samples[i]
	}
	slices.Sort(samples)

	m.AvgDevice, m.StdDevice = stat.MeanStdDev(samples, nil)
	if len(samples) < 2 {
		m.StdDevice = 0
	}
	m.MinDevice = samples[0]
	m.MaxDevice = samples[len(samples)-1]
	m.P50Device = stat.Quantile(0.5, stat.Empirical, samples, nil)
	m.P95Device = stat.Quantile(0.95, stat.Empirical, samples, nil)

	if m.LoopTotal > 0 {
		m.FrameRate = float64(m.NumFrames) / (m.LoopTotal / 1000)
		m.Overlap = m.DeviceTotal / m.LoopTotal
		m.Efficiency = m.Overlap / float64(ta.NumChains)
	}
	return m, nil
}

func (ta *TimingAnalyzer) String() string {
	return fmt.Sprintf("{chains=%d, bufferFactor=%d}", ta.NumChains, ta.BufferFactor)
}

func (m *TimingMetrics) String() string {
	return fmt.Sprintf("{frames=%d, device=%.3fms, loop=%.3fms, avg=%.3fms, std=%.3fms, min=%.3fms, p50=%.3fms, p95=%.3fms, max=%.3fms, fps=%.1f, overlap=%.2f, efficiency=%.2f}",
		m.NumFrames, m.DeviceTotal, m.LoopTotal, m.AvgDevice, m.StdDevice, m.MinDevice,
		m.P50Device, m.P95Device, m.MaxDevice, m.FrameRate, m.Overlap, m.Efficiency)
}
