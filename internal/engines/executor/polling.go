/*
Copyright 2025 The llm-d Authors

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

package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
)

// longest delay between two retries of a failing task
const maxRetryBackoff = 4 * time.Second

// TaskFunc is called on every tick
type TaskFunc func(ctx context.Context) error

// PollingConfig configures a PollingExecutor
type PollingConfig struct {
	Name     string
	Task     TaskFunc
	Interval time.Duration

	// RetryBackoff is the first retry delay, doubled on each retry up to
	// maxRetryBackoff. MaxRetries bounds the retries within one tick.
	RetryBackoff time.Duration
	MaxRetries   int
}

// PollingExecutor calls a task at fixed intervals
type PollingExecutor struct {
	name     string
	task     TaskFunc
	interval time.Duration
	backoff  wait.Backoff

	calls    atomic.Int64
	failures atomic.Int64
}

func NewPollingExecutor(config PollingConfig) *PollingExecutor {
	return &PollingExecutor{
		name:     config.Name,
		task:     config.Task,
		interval: config.Interval,
		backoff: wait.Backoff{
			Duration: config.RetryBackoff,
			Factor:   2,
			Cap:      maxRetryBackoff,
			Steps:    max(config.MaxRetries, 0) + 1,
		},
	}
}

// Start blocks until ctx is cancelled
func (e *PollingExecutor) Start(ctx context.Context) {
	wait.UntilWithContext(ctx, e.tick, e.interval)
	logger.Log.Debugw("Polling stopped", "task", e.name, "calls", e.calls.Load(), "failures", e.failures.Load())
}

// tick runs the task, retrying failures with the executor backoff
func (e *PollingExecutor) tick(ctx context.Context) {
	err := wait.ExponentialBackoffWithContext(ctx, e.backoff, func(ctx context.Context) (bool, error) {
		e.calls.Add(1)
		if err := e.task(ctx); err != nil {
			e.failures.Add(1)
			logger.Log.Warnw("Task failed", "task", e.name, "error", err)
			return false, nil
		}
		return true, nil
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case wait.Interrupted(err):
		logger.Log.Errorw("Task still failing, waiting for next tick", "task", e.name, "interval", e.interval)
	default:
		logger.Log.Errorw("Task retry loop failed", "task", e.name, "error", err)
	}
}

// Calls returns how many times the task was called
func (e *PollingExecutor) Calls() int64 {
	return e.calls.Load()
}

// Failures returns how many task calls returned an error
func (e *PollingExecutor) Failures() int64 {
	return e.failures.Load()
}
