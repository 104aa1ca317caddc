package input

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestTestVectorSource(t *testing.T) {
	// two files of two 4-byte frames each
	a := writeFile(t, "a.y", []byte{1, 1, 1, 1, 2, 2, 2, 2})
	b := writeFile(t, "b.y", []byte{3, 3, 3, 3, 4, 4, 4, 4})

	src, err := NewTestVectorSource([]string{a, b}, 4, 2)
	require.NoError(t, err)

	tests := []struct {
		index int
		want  byte
	}{
		{0, 1}, // a, frame 0
		{1, 4}, // b, frame 1
		{2, 1}, // a, frame 0
		{3, 4},
	}
	for _, tt := range tests {
		buf := make([]byte, 8)
		require.NoError(t, src.ReadFrame(tt.index, buf))
		for i, v := range buf {
			assert.Equal(t, tt.want, v, "frame %d byte %d", tt.index, i)
		}
	}
}

func TestTestVectorSourceErrors(t *testing.T) {
	_, err := NewTestVectorSource(nil, 4, 1)
	assert.Error(t, err)
	_, err = NewTestVectorSource([]string{"x"}, 0, 1)
	assert.Error(t, err)

	short := writeFile(t, "short.y", []byte{1, 2})
	src, err := NewTestVectorSource([]string{short}, 4, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, src.ReadFrame(0, make([]byte, 4)), ErrExhausted)
	assert.Error(t, src.ReadFrame(0, make([]byte, 2)))

	_, err = NewTestVectorSource([]string{short, filepath.Join(t.TempDir(), "missing.y")}, 4, 1)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	removed := writeFile(t, "removed.y", []byte{1, 2, 3, 4})
	src, err = NewTestVectorSource([]string{removed}, 4, 1)
	require.NoError(t, err)
	require.NoError(t, os.Remove(removed))
	err = src.ReadFrame(0, make([]byte, 4))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestFileSource(t *testing.T) {
	path := writeFile(t, "frames.raw", []byte{0, 0, 1, 1, 2, 2, 3})
	src, err := OpenFileSource(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer src.Close()

	buf := make([]byte, 2)
	for i := 0; i < 3; i++ {
		require.NoError(t, src.ReadFrame(i, buf))
		assert.Equal(t, []byte{byte(i), byte(i)}, buf)
	}
	assert.ErrorIs(t, src.ReadFrame(3, buf), ErrExhausted)

	require.NoError(t, src.ReadFrame(1, buf))
	assert.Equal(t, []byte{1, 1}, buf)
}

func TestOpenFileSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := OpenFileSource(ctx, filepath.Join(t.TempDir(), "never"), 10*time.Millisecond)
	assert.Error(t, err)
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource([]byte{7, 7}, []byte{8, 8})
	buf := make([]byte, 2)
	require.NoError(t, src.ReadFrame(1, buf))
	assert.Equal(t, []byte{8, 8}, buf)
	assert.ErrorIs(t, src.ReadFrame(2, buf), ErrExhausted)
	assert.ErrorIs(t, src.ReadFrame(-1, buf), ErrExhausted)
}
