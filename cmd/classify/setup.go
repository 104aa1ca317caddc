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
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
	"github.com/llm-d-incubation/accel-pipeline/pkg/config"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device"
	"github.com/llm-d-incubation/accel-pipeline/pkg/pipeline"
)

// deviceCounts returns the cores of each class the run uses. With no count
// requested, one vision engine is used if present, else one DSP.
func deviceCounts(reg *device.Registry, run config.RunSpec) map[device.DeviceType]int {
	counts := map[device.DeviceType]int{
		device.EVE: run.NumEVEs,
		device.DSP: run.NumDSPs,
	}
	if run.NumEVEs == 0 && run.NumDSPs == 0 {
		if reg.NumDevices(device.EVE) > 0 {
			counts[device.EVE] = 1
		} else {
			counts[device.DSP] = 1
		}
	}
	if reg.NumDevices(device.GPU) > 0 {
		counts[device.GPU] = reg.NumDevices(device.GPU)
	}
	return counts
}

// newExecutors creates the executors of every layers group and pairs their
// execution objects into chains.
//
// A single group network runs on every requested core, vision engines first,
// each core forming a chain of its own. A multi group network runs each group
// on the class it names; chain j takes the j-th core of every group.
func newExecutors(reg *device.Registry, c *config.Configuration, counts map[device.DeviceType]int) ([]*device.Executor, [][]device.ExecutionObject, error) {
	var executors []*device.Executor
	fail := func(err error) ([]*device.Executor, [][]device.ExecutionObject, error) {
		return nil, nil, utilerrors.NewAggregate([]error{err, closeExecutors(executors)})
	}

	groups := c.Groups()
	if len(groups) == 1 {
		var objects []device.ExecutionObject
		for _, t := range []device.DeviceType{device.EVE, device.DSP, device.GPU} {
			n := counts[t]
			if n == 0 {
				continue
			}
			d, err := reg.Device(t)
			if err != nil {
				return fail(err)
			}
			e, err := device.NewExecutor(d, device.NewDeviceIDs(n), c, groups[0].ID)
			if err != nil {
				return fail(err)
			}
			executors = append(executors, e)
			objects = append(objects, e.ExecutionObjects()...)
		}
		if len(objects) == 0 {
			return fail(fmt.Errorf("%w: no cores requested", device.ErrDeviceUnavailable))
		}
		return executors, pipeline.Chains(objects), nil
	}

	perGroup := make([][]device.ExecutionObject, 0, len(groups))
	for _, g := range groups {
		t, err := device.ParseDeviceType(g.DeviceType)
		if err != nil {
			return fail(fmt.Errorf("layers group %d: %w", g.ID, err))
		}
		d, err := reg.Device(t)
		if err != nil {
			return fail(fmt.Errorf("layers group %d: %w", g.ID, err))
		}
		n := max(counts[t], 1)
		e, err := device.NewExecutor(d, device.NewDeviceIDs(n), c, g.ID)
		if err != nil {
			return fail(err)
		}
		logger.Log.Debugw("Layers group placed", "layersGroup", g.ID, "deviceType", t.String(), "cores", n)
		executors = append(executors, e)
		perGroup = append(perGroup, e.ExecutionObjects())
	}
	return executors, pipeline.Chains(perGroup...), nil
}

func closeExecutors(executors []*device.Executor) error {
	var errs []error
	for _, e := range executors {
		errs = append(errs, e.Close())
	}
	return utilerrors.NewAggregate(errs)
}
