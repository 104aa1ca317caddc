package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Buffer is a region of device visible memory with a single owner. Free
// returns it to the allocator; the bytes must not be used afterwards.
type Buffer struct {
	data    []byte
	release func() error
	once    sync.Once
	err     error
}

func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Free releases the region. Calling Free more than once is a no-op.
func (b *Buffer) Free() error {
	if b == nil {
		return nil
	}
	b.once.Do(func() {
		if b.release != nil {
			b.err = b.release()
		}
		b.data = nil
	})
	return b.err
}

// Allocator hands out device visible buffers
type Allocator interface {
	Alloc(size int) (*Buffer, error)
}

// AllocatorStats accounts for buffers handed out by an allocator
type AllocatorStats struct {
	Allocs    int64 // buffers allocated
	Frees     int64 // buffers freed
	LiveBytes int64 // bytes currently allocated
}

// NewAllocator returns the allocator for the host platform. Buffers start on
// an alignment boundary, which must be a power of two.
func NewAllocator(alignment int) (*AlignedAllocator, error) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("alignment %d is not a power of two", alignment)
	}
	return &AlignedAllocator{alignment: alignment, region: newRegion()}, nil
}

// region backs allocations with memory the device can address
type region interface {
	alloc(size, alignment int) ([]byte, func() error, error)
}

// AlignedAllocator allocates aligned buffers from the platform region
type AlignedAllocator struct {
	alignment int
	region    region

	allocs    atomic.Int64
	frees     atomic.Int64
	liveBytes atomic.Int64
}

func (a *AlignedAllocator) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: allocation of %d bytes", ErrBufferSize, size)
	}
	data, release, err := a.region.alloc(size, a.alignment)
	if err != nil {
		return nil, fmt.Errorf("allocating %d bytes: %w", size, err)
	}
	a.allocs.Add(1)
	a.liveBytes.Add(int64(size))
	return &Buffer{
		data: data,
		release: func() error {
			a.frees.Add(1)
			a.liveBytes.Add(-int64(size))
			if release != nil {
				return release()
			}
			return nil
		},
	}, nil
}

func (a *AlignedAllocator) Alignment() int {
	return a.alignment
}

func (a *AlignedAllocator) Stats() AllocatorStats {
	return AllocatorStats{
		Allocs:    a.allocs.Load(),
		Frees:     a.frees.Load(),
		LiveBytes: a.liveBytes.Load(),
	}
}

// heapAlloc over-allocates from the Go heap and slices at the first aligned offset
func heapAlloc(size, alignment int) []byte {
	raw := make([]byte, size+alignment)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(alignment-1)); rem != 0 {
		off = alignment - rem
	}
	return raw[off : off+size : off+size]
}
