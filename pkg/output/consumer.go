// Package output provides consumers of stage results for the frame driver.
package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/llm-d-incubation/accel-pipeline/internal/logger"
)

// Frame is a completed stage result. Data aliases the stage output buffer and
// is only valid until the consumer returns.
type Frame struct {
	Index int
	Stage int
	Data  []byte
}

// Consumer receives stage results in completion order
type Consumer interface {
	Consume(f Frame) error
}

// ConsumerFunc adapts a function to a Consumer
type ConsumerFunc func(f Frame) error

func (fn ConsumerFunc) Consume(f Frame) error {
	return fn(f)
}

// Multi hands each frame to every consumer in turn
func Multi(consumers ...Consumer) Consumer {
	return ConsumerFunc(func(f Frame) error {
		var errs []error
		for _, c := range consumers {
			errs = append(errs, c.Consume(f))
		}
		return utilerrors.NewAggregate(errs)
	})
}

// Classification is the top class of one frame
type Classification struct {
	Frame int
	Class int
	Score byte
	Label string
}

// Classifier picks the highest scoring byte of each output buffer
type Classifier struct {
	labels []string
	w      io.Writer

	mu      sync.Mutex
	results []Classification
}

// NewClassifier writes one line per frame to w if w is not nil
func NewClassifier(labels []string, w io.Writer) *Classifier {
	return &Classifier{labels: labels, w: w}
}

// ReadLabels reads one label per line
func ReadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	return labels, nil
}

// Argmax returns the index of the first maximum byte, or -1 if every byte is zero
func Argmax(data []byte) (int, byte) {
	var maxval byte
	maxloc := -1
	for i, v := range data {
		if v > maxval {
			maxval = v
			maxloc = i
		}
	}
	return maxloc, maxval
}

func (c *Classifier) Consume(f Frame) error {
	class, score := Argmax(f.Data)
	r := Classification{Frame: f.Index, Class: class, Score: score}
	if class >= 0 && class < len(c.labels) {
		r.Label = c.labels[class]
	}

	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()

	logger.Log.Debugw("Frame classified", "frame", f.Index, "stage", f.Stage, "class", class, "score", score)
	if c.w == nil {
		return nil
	}
	if class < 0 {
		_, err := fmt.Fprintf(c.w, "frame %d: no class\n", f.Index)
		return err
	}
	if r.Label != "" {
		_, err := fmt.Fprintf(c.w, "frame %d: %d (%s)\n", f.Index, class, r.Label)
		return err
	}
	_, err := fmt.Fprintf(c.w, "frame %d: %d\n", f.Index, class)
	return err
}

// Results returns the classifications in consumption order
func (c *Classifier) Results() []Classification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Classification(nil), c.results...)
}

// BinaryWriter writes each frame to <prefix>_<frame>.bin
type BinaryWriter struct {
	prefix string
}

func NewBinaryWriter(prefix string) (*BinaryWriter, error) {
	if dir := filepath.Dir(prefix); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	return &BinaryWriter{prefix: prefix}, nil
}

// Path returns the file a frame is written to
func (w *BinaryWriter) Path(frame int) string {
	return fmt.Sprintf("%s_%d.bin", w.prefix, frame)
}

func (w *BinaryWriter) Consume(f Frame) error {
	if err := os.WriteFile(w.Path(f.Index), f.Data, 0o644); err != nil {
		return fmt.Errorf("write frame %d: %w", f.Index, err)
	}
	return nil
}
