package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d-incubation/accel-pipeline/pkg/device"
	"github.com/llm-d-incubation/accel-pipeline/pkg/device/fake"
)

func TestChains(t *testing.T) {
	eve := fake.NewDevice(device.EVE, 3)
	dsp := fake.NewDevice(device.DSP, 2)
	eves := newObjects(t, eve, 3, 1, 4, 4)
	dsps := newObjects(t, dsp, 2, 2, 4, 4)

	single := Chains(eves)
	require.Len(t, single, 3)
	for i, chain := range single {
		assert.Equal(t, []device.ExecutionObject{eves[i]}, chain)
	}

	paired := Chains(eves, dsps)
	require.Len(t, paired, 2)
	for i, chain := range paired {
		assert.Equal(t, []device.ExecutionObject{eves[i], dsps[i]}, chain)
	}

	assert.Empty(t, Chains())
	assert.Empty(t, Chains(eves, nil))
}

func TestNewPool(t *testing.T) {
	tests := []struct {
		name         string
		numObjects   int
		bufferFactor int
		wantSize     int
	}{
		{"single buffered", 1, 1, 1},
		{"double buffered", 1, 2, 2},
		{"two cores double buffered", 2, 2, 4},
		{"four cores triple buffered", 4, 3, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := fake.NewDevice(device.EVE, tt.numObjects)
			objects := newObjects(t, dev, tt.numObjects, 1, 8, 8)
			alloc := newAllocator(t)
			pool, err := NewPool(Chains(objects), tt.bufferFactor, alloc, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.wantSize, pool.Size())
			assert.Equal(t, tt.numObjects, pool.NumChains())
			assert.Equal(t, tt.bufferFactor, pool.BufferFactor())
			for i, s := range pool.Stages() {
				assert.Equal(t, i, s.Index())
				assert.Same(t, objects[i%tt.numObjects], s.Contexts()[0].Object())
			}
			for i := 0; i < 3*pool.Size(); i++ {
				assert.Same(t, pool.StageForFrame(i), pool.StageForFrame(i+pool.Size()))
			}

			require.NoError(t, pool.Close())
			assert.Zero(t, alloc.Stats().LiveBytes)
		})
	}
}

func TestNewPoolErrors(t *testing.T) {
	_, err := NewPool(nil, 2, newAllocator(t), nil)
	assert.ErrorIs(t, err, device.ErrDeviceUnavailable)

	_, err = NewPool(Chains([]device.ExecutionObject{}), 2, newAllocator(t), nil)
	assert.ErrorIs(t, err, device.ErrDeviceUnavailable)

	dev := fake.NewDevice(device.DSP, 1)
	_, err = NewPool(Chains(newObjects(t, dev, 1, 1, 4, 4)), 0, newAllocator(t), nil)
	assert.Error(t, err)

	// a core with two context slots cannot serve three stages
	dev.MaxContexts = 2
	alloc := newAllocator(t)
	_, err = NewPool(Chains(newObjects(t, dev, 1, 1, 4, 4)), 3, alloc, nil)
	assert.ErrorIs(t, err, device.ErrContextsExhausted)
	assert.Zero(t, alloc.Stats().LiveBytes)
}

func TestNilPoolClose(t *testing.T) {
	var pool *Pool
	assert.NoError(t, pool.Close())
}
