package npt

import (
	"fmt"
	"sync"

	"github.com/tinyrange/snapfuzz/internal/patch"
	"github.com/tinyrange/snapfuzz/internal/snapshot"
)

// FrameSource resolves the frame that should back a guest frame
// number: the raw snapshot frame, or a cached copy with the patch
// overlays applied when the page carries patches. The overlays are how
// breakpoint and end-marker bytes become visible to guests without the
// shared snapshot ever being written to.
//
// One FrameSource is shared by every VM; overlay materialisation is
// off the hot path (each patched frame is built once per program) and
// guarded by a mutex.
type FrameSource struct {
	snap    *snapshot.Store
	patches *patch.Table

	mu       sync.Mutex
	overlays map[uint64][]byte
	arena    *arena
}

// NewFrameSource sizes the overlay pool from the patch table.
func NewFrameSource(snap *snapshot.Store, patches *patch.Table) (*FrameSource, error) {
	arena, err := newArena(len(patches.PatchedFrames()))
	if err != nil {
		return nil, fmt.Errorf("frame source: %w", err)
	}
	return &FrameSource{
		snap:     snap,
		patches:  patches,
		overlays: make(map[uint64][]byte),
		arena:    arena,
	}, nil
}

// Frame returns the frame backing gfn, with overlays applied, or false
// when the snapshot does not capture that frame. The result is shared
// and read-only to callers; writable replicas are the dirty frames.
func (s *FrameSource) Frame(gfn uint64) ([]byte, bool) {
	source, ok := s.snap.Frame(gfn)
	if !ok {
		return nil, false
	}
	if !s.patches.Patched(gfn) {
		return source, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if overlay, ok := s.overlays[gfn]; ok {
		return overlay, true
	}
	overlay, err := s.arena.page()
	if err != nil {
		// The arena holds one page per patched frame, so this is
		// unreachable short of a bookkeeping bug.
		panic(fmt.Sprintf("npt: overlay pool: %v", err))
	}
	copy(overlay, source)
	s.patches.Overlay(gfn, overlay)
	s.overlays[gfn] = overlay
	return overlay, true
}

// Close releases the overlay pool.
func (s *FrameSource) Close() error {
	return s.arena.close()
}
