// Package trace records per-frame timestamps of pipeline stage and execution
// object calls. The output is one CSV line per event:
//
//	frame,component:api:phase,micros[,device_type,device_id]
//
// where component is "eop" for a stage or "eo1", "eo2", ... for the k-th
// execution object of the stage chain.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/eapache/queue"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/accel-pipeline/internal/constants"
	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
)

// flushThreshold is the number of buffered events that triggers a write
const flushThreshold = 1024

// Device identifies the execution object an event belongs to
type Device struct {
	Type int
	ID   int
}

type event struct {
	frame     int
	component string
	api       string
	phase     string
	micros    int64
	device    *Device
}

// Recorder buffers trace events and writes them out in order. A nil Recorder
// records nothing.
type Recorder struct {
	mu        sync.Mutex
	events    *queue.Queue
	w         *bufio.Writer
	closer    io.Closer
	numFrames int
	clock     clock.PassiveClock
}

// EnableTimeStamps creates the trace file at path and records the first
// numFrames frames
func EnableTimeStamps(path string, numFrames int, clk clock.PassiveClock) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	r := NewRecorder(f, numFrames, clk)
	r.closer = f
	logger.Log.Debugw("Trace enabled", "file", path, "frames", numFrames)
	return r, nil
}

// NewRecorder records the first numFrames frames to w
func NewRecorder(w io.Writer, numFrames int, clk clock.PassiveClock) *Recorder {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Recorder{
		events:    queue.New(),
		w:         bufio.NewWriter(w),
		numFrames: numFrames,
		clock:     clk,
	}
}

// Header writes a comment line ignored by the viewer
func (r *Recorder) Header(runID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "# run %s\n", runID)
}

// Stage records a stage event
func (r *Recorder) Stage(frame int, api, phase string) {
	r.record(frame, constants.TraceStage, api, phase, nil)
}

// Object records an event of the k-th execution object in a stage chain
func (r *Recorder) Object(frame, k int, api, phase string, dev Device) {
	r.record(frame, "eo"+strconv.Itoa(k+1), api, phase, &dev)
}

func (r *Recorder) record(frame int, component, api, phase string, dev *Device) {
	if r == nil || frame < 0 || frame >= r.numFrames {
		return
	}
	e := &event{
		frame:     frame,
		component: component,
		api:       api,
		phase:     phase,
		micros:    r.clock.Now().UnixMicro(),
		device:    dev,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events.Add(e)
	if r.events.Length() >= flushThreshold {
		_ = r.flushLocked()
	}
}

// Flush writes buffered events
func (r *Recorder) Flush() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Recorder) flushLocked() error {
	for r.events.Length() > 0 {
		e := r.events.Remove().(*event)
		if e.device != nil {
			fmt.Fprintf(r.w, "%d,%s:%s:%s,%d,%d,%d\n", e.frame, e.component, e.api, e.phase,
				e.micros, e.device.Type, e.device.ID)
		} else {
			fmt.Fprintf(r.w, "%d,%s:%s:%s,%d\n", e.frame, e.component, e.api, e.phase, e.micros)
		}
	}
	return r.w.Flush()
}

// Close flushes and closes the trace file
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	err := r.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
