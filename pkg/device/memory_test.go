package device

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAllocator(t *testing.T) {
	for _, alignment := range []int{0, -8, 3, 96} {
		_, err := NewAllocator(alignment)
		assert.Error(t, err, "alignment %d", alignment)
	}
}

func TestAlloc(t *testing.T) {
	tests := []struct {
		name      string
		alignment int
		size      int
	}{
		{"cache line", 64, 784},
		{"small", 128, 1},
		{"page", 4096, 10000},
		{"beyond page", 1 << 16, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc, err := NewAllocator(tt.alignment)
			require.NoError(t, err)
			buf, err := alloc.Alloc(tt.size)
			require.NoError(t, err)

			assert.Equal(t, tt.size, buf.Len())
			require.Equal(t, tt.alignment, alloc.Alignment())
			assert.Zero(t, uintptr(unsafe.Pointer(&buf.Bytes()[0]))%uintptr(alloc.Alignment()))
			buf.Bytes()[tt.size-1] = 0xff
			assert.Equal(t, AllocatorStats{Allocs: 1, LiveBytes: int64(tt.size)}, alloc.Stats())

			require.NoError(t, buf.Free())
			assert.NoError(t, buf.Free())
			assert.Nil(t, buf.Bytes())
			assert.Equal(t, AllocatorStats{Allocs: 1, Frees: 1}, alloc.Stats())
		})
	}
}

func TestAllocInvalidSize(t *testing.T) {
	alloc, err := NewAllocator(64)
	require.NoError(t, err)
	_, err = alloc.Alloc(0)
	assert.ErrorIs(t, err, ErrBufferSize)
}

func TestNilBufferFree(t *testing.T) {
	var buf *Buffer
	assert.NoError(t, buf.Free())
}
