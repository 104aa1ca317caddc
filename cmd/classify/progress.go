/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
)

// progressWatch logs driver progress and fails while frames are in flight
// but none completed for stallAfter
type progressWatch struct {
	progress   func() (started, completed int)
	runID      string
	numFrames  int
	stallAfter time.Duration
	clock      clock.PassiveClock

	lastCompleted int
	lastChange    time.Time
}

func newProgressWatch(progress func() (int, int), runID string, numFrames int, stallAfter time.Duration, clk clock.PassiveClock) *progressWatch {
	return &progressWatch{
		progress:   progress,
		runID:      runID,
		numFrames:  numFrames,
		stallAfter: stallAfter,
		clock:      clk,
		lastChange: clk.Now(),
	}
}

func (w *progressWatch) check(context.Context) error {
	started, completed := w.progress()
	now := w.clock.Now()
	if completed != w.lastCompleted || started == completed {
		w.lastCompleted = completed
		w.lastChange = now
		logger.Log.Infow("Progress", "run", w.runID, "started", started, "completed", completed, "frames", w.numFrames)
		return nil
	}
	if stalled := now.Sub(w.lastChange); stalled >= w.stallAfter {
		return fmt.Errorf("no frame completed for %v with %d in flight", stalled.Round(time.Millisecond), started-completed)
	}
	return nil
}
