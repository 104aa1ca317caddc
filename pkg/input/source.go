// Package input provides frame sources for the frame driver.
package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
)

// ErrExhausted reports that a source has no more frames
var ErrExhausted = errors.New("input exhausted")

// Source fills a caller provided buffer with the frame at index
type Source interface {
	ReadFrame(index int, buf []byte) error
}

// SourceFunc adapts a function to a Source
type SourceFunc func(index int, buf []byte) error

func (f SourceFunc) ReadFrame(index int, buf []byte) error {
	return f(index, buf)
}

// TestVectorSource cycles through a list of raw test vector files. Frame i is
// read from file i%len(paths) at offset (i%framesPerFile)*channelSize, and the
// channel plane is repeated to fill the buffer.
type TestVectorSource struct {
	paths         []string
	channelSize   int
	framesPerFile int
}

func NewTestVectorSource(paths []string, channelSize, framesPerFile int) (*TestVectorSource, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no test vectors")
	}
	if channelSize <= 0 {
		return nil, fmt.Errorf("invalid channel size %d", channelSize)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("test vector %s: %w", path, err)
		}
	}
	return &TestVectorSource{
		paths:         paths,
		channelSize:   channelSize,
		framesPerFile: max(framesPerFile, 1),
	}, nil
}

func (s *TestVectorSource) ReadFrame(index int, buf []byte) error {
	if len(buf) < s.channelSize {
		return fmt.Errorf("buffer of %d bytes cannot hold a %d byte channel", len(buf), s.channelSize)
	}
	path := s.paths[index%len(s.paths)]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open test vector: %w", err)
	}
	defer f.Close()

	offset := int64(index%s.framesPerFile) * int64(s.channelSize)
	if _, err := f.ReadAt(buf[:s.channelSize], offset); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s has no frame at offset %d", ErrExhausted, path, offset)
		}
		return fmt.Errorf("read test vector %s: %w", path, err)
	}
	for n := s.channelSize; n < len(buf); n += s.channelSize {
		copy(buf[n:], buf[:s.channelSize])
	}
	return nil
}

// FileSource reads consecutive frames of the buffer size from a raw file
type FileSource struct {
	f    *os.File
	next int
}

// OpenFileSource opens path, retrying with exponential backoff capped at
// maxDelay while the file does not exist yet
func OpenFileSource(ctx context.Context, path string, maxDelay time.Duration) (*FileSource, error) {
	var f *os.File
	backoff := wait.Backoff{
		Duration: 10 * time.Millisecond,
		Factor:   2,
		Steps:    8,
		Cap:      maxDelay,
	}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(context.Context) (bool, error) {
		var openErr error
		f, openErr = os.Open(path)
		if openErr == nil {
			return true, nil
		}
		if errors.Is(openErr, os.ErrNotExist) {
			logger.Log.Debugw("Input file not ready", "file", path)
			return false, nil
		}
		return false, openErr
	})
	if err != nil {
		return nil, fmt.Errorf("open input file %s: %w", path, err)
	}
	return &FileSource{f: f}, nil
}

func (s *FileSource) ReadFrame(index int, buf []byte) error {
	if index != s.next {
		if _, err := s.f.Seek(int64(index)*int64(len(buf)), io.SeekStart); err != nil {
			return fmt.Errorf("seek frame %d: %w", index, err)
		}
	}
	if _, err := io.ReadFull(s.f, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: frame %d", ErrExhausted, index)
		}
		return fmt.Errorf("read frame %d: %w", index, err)
	}
	s.next = index + 1
	return nil
}

func (s *FileSource) Close() error {
	return s.f.Close()
}

// MemorySource serves frames from memory, frame i is frames[i] copied into
// the buffer. Indices past the end are exhausted.
type MemorySource struct {
	frames [][]byte
}

func NewMemorySource(frames ...[]byte) *MemorySource {
	return &MemorySource{frames: frames}
}

func (s *MemorySource) ReadFrame(index int, buf []byte) error {
	if index < 0 || index >= len(s.frames) {
		return fmt.Errorf("%w: frame %d of %d", ErrExhausted, index, len(s.frames))
	}
	copy(buf, s.frames[index])
	return nil
}
