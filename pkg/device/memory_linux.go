//go:build linux

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapRegion maps anonymous pages for each buffer, so buffers are page
// aligned and never moved by the Go runtime
type mmapRegion struct {
	pageSize int
}

func newRegion() region {
	return &mmapRegion{pageSize: os.Getpagesize()}
}

func (r *mmapRegion) alloc(size, alignment int) ([]byte, func() error, error) {
	if alignment > r.pageSize {
		return heapAlloc(size, alignment), nil, nil
	}
	length := (size + r.pageSize - 1) &^ (r.pageSize - 1)
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, err
	}
	return mem[:size:size], func() error { return unix.Munmap(mem) }, nil
}
