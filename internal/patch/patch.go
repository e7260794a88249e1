// Package patch maps guest physical addresses to byte overlays applied
// when a snapshot frame is materialised for a guest. Two kinds of
// patches share the table: end markers (undefined-opcode bytes at the
// target's return sites that terminate an iteration) and breakpoints
// (single 0xCC bytes at basic-block heads). The coverage tracker
// removes a hit breakpoint from one VM's view for the rest of that
// iteration only; the end-of-iteration revert restores it, so later
// iterations of the same VM exit at that site again.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/tinyrange/snapfuzz/internal/hv"
)

// ErrInvalidPatch is wrapped for structurally invalid patch files:
// entries that span a page boundary, overlap another entry, or carry
// no bytes.
var ErrInvalidPatch = errors.New("invalid patch entry")

// Kind classifies the patch at an address.
type Kind int

const (
	KindNone Kind = iota
	KindEndMarker
	KindBreakpoint
)

func (k Kind) String() string {
	switch k {
	case KindEndMarker:
		return "end-marker"
	case KindBreakpoint:
		return "breakpoint"
	default:
		return "none"
	}
}

// breakpointOpcode is the single-byte INT3 instruction planted at
// basic-block heads by the offline tooling.
const breakpointOpcode = 0xcc

// Entry is one patch record: replacement bytes at a guest physical
// address. Entries never span a page boundary.
type Entry struct {
	Address uint64
	Bytes   []byte
}

// Kind classifies the entry by its contents: a lone INT3 is a coverage
// breakpoint, anything else is an end marker.
func (e *Entry) Kind() Kind {
	if len(e.Bytes) == 1 && e.Bytes[0] == breakpointOpcode {
		return KindBreakpoint
	}
	return KindEndMarker
}

// Table is the immutable, loaded patch set. Safe for concurrent reads.
type Table struct {
	// entries sorted by address (stable sort, so equal addresses keep
	// file order until the overlap check rejects them).
	entries []Entry
}

// Load reads and validates a patch file.
func Load(path string) (*Table, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}
	table, err := New(contents)
	if err != nil {
		return nil, fmt.Errorf("patch: %q: %w", path, err)
	}

	breakpoints := 0
	for i := range table.entries {
		if table.entries[i].Kind() == KindBreakpoint {
			breakpoints++
		}
	}
	slog.Info("patch table loaded",
		"path", path,
		"entries", len(table.entries),
		"breakpoints", breakpoints)
	return table, nil
}

// New parses and validates patch records from their textual form:
// {"entries": [{"address": N, "bytes": [..]}, ...]}.
func New(contents []byte) (*Table, error) {
	// Bytes arrive as a JSON number array, not the base64 form the
	// encoding/json default for []byte would expect.
	var file struct {
		Entries []struct {
			Address uint64 `json:"address"`
			Bytes   []int  `json:"bytes"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(contents, &file); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	t := &Table{entries: make([]Entry, 0, len(file.Entries))}
	for _, raw := range file.Entries {
		entry := Entry{Address: raw.Address, Bytes: make([]byte, len(raw.Bytes))}
		for i, b := range raw.Bytes {
			if b < 0 || b > 0xff {
				return nil, fmt.Errorf("entry at %#x: byte value %d out of range: %w",
					raw.Address, b, ErrInvalidPatch)
			}
			entry.Bytes[i] = byte(b)
		}
		t.entries = append(t.entries, entry)
	}
	for i := range t.entries {
		e := &t.entries[i]
		if len(e.Bytes) == 0 {
			return nil, fmt.Errorf("entry at %#x has no bytes: %w", e.Address, ErrInvalidPatch)
		}
		end := e.Address + uint64(len(e.Bytes))
		if e.Address>>hv.PageShift != (end-1)>>hv.PageShift {
			return nil, fmt.Errorf("entry at %#x spans a page boundary: %w",
				e.Address, ErrInvalidPatch)
		}
	}

	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].Address < t.entries[j].Address
	})
	for i := 1; i < len(t.entries); i++ {
		prev, cur := &t.entries[i-1], &t.entries[i]
		if cur.Address < prev.Address+uint64(len(prev.Bytes)) {
			return nil, fmt.Errorf("entries at %#x and %#x overlap: %w",
				prev.Address, cur.Address, ErrInvalidPatch)
		}
	}
	return t, nil
}

// Overlay applies every entry that falls inside the given guest frame
// to buf, a copy of that frame, in address order. Entries never
// overlap, so the order does not change the result.
func (t *Table) Overlay(gfn uint64, buf []byte) {
	low, high := t.pageBounds(gfn)
	for _, e := range t.entries[low:high] {
		offset := e.Address & (hv.PageSize - 1)
		copy(buf[offset:], e.Bytes)
	}
}

// Patched reports whether any entry falls inside the given guest
// frame.
func (t *Table) Patched(gfn uint64) bool {
	low, high := t.pageBounds(gfn)
	return high > low
}

// PatchedFrames returns the sorted set of guest frame numbers carrying
// at least one entry.
func (t *Table) PatchedFrames() []uint64 {
	var frames []uint64
	for i := range t.entries {
		gfn := t.entries[i].Address >> hv.PageShift
		if len(frames) == 0 || frames[len(frames)-1] != gfn {
			frames = append(frames, gfn)
		}
	}
	return frames
}

// KindAt classifies the patch starting exactly at the given guest
// physical address.
func (t *Table) KindAt(gpa uint64) Kind {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Address >= gpa
	})
	if i < len(t.entries) && t.entries[i].Address == gpa {
		return t.entries[i].Kind()
	}
	return KindNone
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// pageBounds finds the half-open entry range for one frame; entries
// are address-sorted so both ends binary-search.
func (t *Table) pageBounds(gfn uint64) (int, int) {
	low := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Address>>hv.PageShift >= gfn
	})
	high := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Address>>hv.PageShift > gfn
	})
	return low, high
}
