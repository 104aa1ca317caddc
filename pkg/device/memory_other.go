//go:build !linux

package device

type heapRegion struct{}

func newRegion() region {
	return heapRegion{}
}

func (heapRegion) alloc(size, alignment int) ([]byte, func() error, error) {
	return heapAlloc(size, alignment), nil, nil
}
