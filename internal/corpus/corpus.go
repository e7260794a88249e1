// Package corpus holds the shared, growable set of input buffers the
// mutators work from. Buffers are immutable once published; per-VM
// mutation always edits a private copy. A single mutex guards both the
// buffer list and the round-robin cursor, and the hot path holds it
// for O(1) work only.
package corpus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tinyrange/snapfuzz/internal/hv"
)

// ErrEmptyCorpus is returned when the corpus directory contains no
// regular files.
var ErrEmptyCorpus = errors.New("corpus directory is empty")

// Input is one immutable input buffer.
type Input struct {
	// ID is the file name for seed inputs, or "<parent>_<cursor>" for
	// inputs submitted back by the fuzzing loop.
	ID   string
	Data []byte
}

// Corpus is the shared input set.
type Corpus struct {
	mu     sync.Mutex
	inputs []Input
	cursor int

	// largest tracks the biggest buffer ever seen so the per-VM input
	// region can be sized once at arm time. Submitted mutants never
	// exceed their base, so this is fixed after load.
	largest int
}

// LoadDir reads every regular file directly inside dir as one input;
// subdirectories are ignored. The file name is the stable id.
func LoadDir(dir string) (*Corpus, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("corpus: %w", err)
	}

	c := &Corpus{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("corpus: %w", err)
		}
		slog.Info("corpus input", "id", entry.Name(), "size", len(data))
		c.add(Input{ID: entry.Name(), Data: data})
	}
	if len(c.inputs) == 0 {
		return nil, fmt.Errorf("corpus: %q: %w", dir, ErrEmptyCorpus)
	}
	return c, nil
}

func (c *Corpus) add(input Input) {
	c.inputs = append(c.inputs, input)
	if len(input.Data) > c.largest {
		c.largest = len(input.Data)
	}
}

// Checkout returns the next input in round-robin order. The returned
// data is shared and must not be modified.
func (c *Corpus) Checkout() Input {
	c.mu.Lock()
	defer c.mu.Unlock()
	input := c.inputs[c.cursor]
	c.cursor = (c.cursor + 1) % len(c.inputs)
	return input
}

// Submit publishes a new input. Called only when an iteration produced
// novel coverage; data is copied, so the caller may keep mutating its
// buffer.
func (c *Corpus) Submit(id string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(Input{ID: id, Data: append([]byte(nil), data...)})
	slog.Info("corpus grew", "id", id, "size", len(data), "total", len(c.inputs))
}

// Len returns the number of inputs.
func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs)
}

// InputPages returns how many 4KiB pages the per-VM input region
// needs to fit any buffer in the corpus.
func (c *Corpus) InputPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages := (c.largest + hv.PageSize - 1) / hv.PageSize
	if pages == 0 {
		pages = 1
	}
	return pages
}
