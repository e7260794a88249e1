package npt

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/snapfuzz/internal/hv"
)

// errArenaExhausted is returned when a pool sized at construction time
// runs out of pages.
var errArenaExhausted = errors.New("page arena exhausted")

// arena is a fixed pool of page-aligned 4KiB pages carved out of one
// anonymous mapping. Paging structures, dirty frames and patch
// overlays all come from arenas: their addresses go straight into
// nested paging entries, which requires page alignment the Go heap
// does not guarantee.
type arena struct {
	slab []byte
	next int
}

func newArena(pages int) (*arena, error) {
	if pages <= 0 {
		pages = 1
	}
	slab, err := unix.Mmap(
		-1,
		0,
		pages*hv.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("npt: allocate %d page arena: %w", pages, err)
	}
	return &arena{slab: slab}, nil
}

// page hands out the next zeroed page.
func (a *arena) page() ([]byte, error) {
	offset := a.next * hv.PageSize
	if offset+hv.PageSize > len(a.slab) {
		return nil, errArenaExhausted
	}
	a.next++
	return a.slab[offset : offset+hv.PageSize : offset+hv.PageSize], nil
}

func (a *arena) close() error {
	if a.slab == nil {
		return nil
	}
	slab := a.slab
	a.slab = nil
	if err := unix.Munmap(slab); err != nil {
		return fmt.Errorf("npt: munmap arena: %w", err)
	}
	return nil
}
