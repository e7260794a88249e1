// Package snapshot owns the immutable, page-indexed copy of the
// captured guest physical memory and the register block taken just
// before the fuzzing target. Frames are shared read-only across every
// VM for the lifetime of the program.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/snapfuzz/internal/hv"
)

// ErrInvalidSnapshot is wrapped by Load/New for any structural problem
// with the snapshot file.
var ErrInvalidSnapshot = errors.New("invalid snapshot file")

// The snapshot file is P guest-physical frames followed by exactly one
// metadata block: a magic value, the captured physical memory ranges,
// and the register block.
const (
	metadataMagic  uint64 = 0x544f485350414e53 // "SNAPSHOT"
	maxMemoryRanges       = 47

	registersOffset = 16 + maxMemoryRanges*16
)

type memoryRange struct {
	base  uint64 // guest physical byte address
	pages uint64
}

// Store holds one loaded snapshot.
type Store struct {
	data      []byte // the file image; frames are subslices of this
	frames    uint64
	ranges    []memoryRange
	registers hv.RegisterBlock

	mapped []byte // non-nil when data came from mmap
}

// Load maps the snapshot file read-only and parses the metadata block.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("snapshot: mmap %q: %w", path, err)
	}

	store, err := New(data)
	if err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("snapshot: %q: %w", path, err)
	}
	store.mapped = data

	slog.Info("snapshot loaded",
		"path", path,
		"size", info.Size(),
		"frames", store.frames,
		"ranges", len(store.ranges),
		"rip", fmt.Sprintf("%#x", store.registers.Rip))
	return store, nil
}

// New parses a snapshot image held in memory. The Store keeps
// subslices of data; the caller must not modify it afterwards.
func New(data []byte) (*Store, error) {
	if len(data) == 0 || len(data)%hv.PageSize != 0 {
		return nil, fmt.Errorf("size %d is not a multiple of the page size: %w",
			len(data), ErrInvalidSnapshot)
	}
	pages := uint64(len(data) / hv.PageSize)
	if pages < 2 {
		return nil, fmt.Errorf("no frames before the metadata block: %w", ErrInvalidSnapshot)
	}

	metadata := data[(pages-1)*hv.PageSize:]
	if binary.LittleEndian.Uint64(metadata) != metadataMagic {
		return nil, fmt.Errorf("metadata signature not found: %w", ErrInvalidSnapshot)
	}

	store := &Store{
		data:   data,
		frames: pages - 1,
	}
	for i := 0; i < maxMemoryRanges; i++ {
		base := binary.LittleEndian.Uint64(metadata[16+i*16:])
		count := binary.LittleEndian.Uint64(metadata[16+i*16+8:])
		if count == 0 {
			continue
		}
		store.ranges = append(store.ranges, memoryRange{base: base, pages: count})
	}
	store.registers = decodeRegisters(metadata[registersOffset:])
	return store, nil
}

// Close unmaps the snapshot. Frames handed out earlier become invalid.
func (s *Store) Close() error {
	if s.mapped == nil {
		return nil
	}
	mapped := s.mapped
	s.mapped = nil
	s.data = nil
	if err := unix.Munmap(mapped); err != nil {
		return fmt.Errorf("snapshot: munmap: %w", err)
	}
	return nil
}

// FrameCount returns the number of frames in the file, excluding the
// metadata block.
func (s *Store) FrameCount() uint64 {
	return s.frames
}

// Contains reports whether the given guest frame number is captured in
// the snapshot.
func (s *Store) Contains(gfn uint64) bool {
	for _, r := range s.ranges {
		base := r.base >> hv.PageShift
		if gfn >= base && gfn < base+r.pages {
			return true
		}
	}
	return false
}

// Frame returns the captured frame for a guest frame number, or false
// if that frame is not present in the snapshot. The slice aliases the
// shared read-only image; callers must not write through it.
func (s *Store) Frame(gfn uint64) ([]byte, bool) {
	if gfn >= s.frames || !s.Contains(gfn) {
		return nil, false
	}
	offset := gfn * hv.PageSize
	return s.data[offset : offset+hv.PageSize : offset+hv.PageSize], true
}

// Registers returns a copy of the captured register block.
func (s *Store) Registers() hv.RegisterBlock {
	return s.registers
}

// decodeRegisters reads the register block at its fixed offsets within
// the metadata page. The descriptor-table values are packed (16-bit
// limit directly followed by the 64-bit base).
func decodeRegisters(b []byte) hv.RegisterBlock {
	u16 := func(off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
	u64 := func(off int) uint64 { return binary.LittleEndian.Uint64(b[off:]) }

	return hv.RegisterBlock{
		Gdtr: hv.DescriptorTable{Limit: u16(0x00), Base: u64(0x02)},
		Idtr: hv.DescriptorTable{Limit: u16(0x10), Base: u64(0x12)},

		Es:   u16(0x20),
		Cs:   u16(0x22),
		Ss:   u16(0x24),
		Ds:   u16(0x26),
		Fs:   u16(0x28),
		Gs:   u16(0x2a),
		Ldtr: u16(0x2c),
		Tr:   u16(0x2e),

		Efer:       u64(0x30),
		SysenterCs: u64(0x38),

		Cr0: u64(0x40),
		Cr3: u64(0x48),
		Cr4: u64(0x50),

		FsBase:   u64(0x58),
		GsBase:   u64(0x60),
		LdtrBase: u64(0x68),
		TrBase:   u64(0x70),

		Rsp:    u64(0x78),
		Rip:    u64(0x80),
		Rflags: u64(0x88),

		SysenterEsp: u64(0x90),
		SysenterEip: u64(0x98),

		Rax: u64(0xa0),
		Rbx: u64(0xa8),
		Rcx: u64(0xb0),
		Rdx: u64(0xb8),
		Rdi: u64(0xc0),
		Rsi: u64(0xc8),
		Rbp: u64(0xd0),
		R8:  u64(0xd8),
		R9:  u64(0xe0),
		R10: u64(0xe8),
		R11: u64(0xf0),
		R12: u64(0xf8),
		R13: u64(0x100),
		R14: u64(0x108),
		R15: u64(0x110),
	}
}
