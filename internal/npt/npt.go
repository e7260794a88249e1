// Package npt maintains the nested (GPA to host physical) translation
// tree for one VM: demand paging out of the shared snapshot,
// copy-on-write into a fixed per-VM dirty frame pool, and an O(dirty)
// revert at the end of every fuzzing iteration.
//
// The tree has the PML4/PDPT/PD/PT shape on both vendors; only the
// leaf permission encodings differ, which the backend supplies through
// hv.EntryFlags. Structure pages and dirty frames live in a per-VM
// page arena whose identity-mapped addresses are written directly into
// the entries.
package npt

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/snapfuzz/internal/hv"
)

const (
	entryCount = hv.PageSize / 8

	// Entry layout, vendor-independent subset: permission bits 2:0,
	// memory type bits 5:3 (Intel only), frame number bits 58:12.
	entryPermissionMask  uint64 = 0b111
	entryWritable        uint64 = 0b010
	entryMemoryTypeShift        = 3
	entryAddressMask     uint64 = (1<<47 - 1) << hv.PageShift
)

// entry is one nested paging structure entry.
type entry uint64

func (e entry) present() bool {
	return e != 0
}

func (e entry) writable() bool {
	return uint64(e)&entryWritable != 0
}

func (e entry) address() uint64 {
	return uint64(e) & entryAddressMask
}

func (e *entry) setTranslation(pa uint64, flags hv.EntryFlags) {
	*e = entry(pa&entryAddressMask |
		uint64(flags.Permission)&entryPermissionMask |
		uint64(flags.MemoryType)<<entryMemoryTypeShift)
}

// structure is one nested paging structure page (PML4, PDPT, PD or
// PT; the layout is the same at every level on both vendors).
type structure struct {
	entries [entryCount]entry
}

func (e entry) nextTable() *structure {
	return (*structure)(unsafe.Pointer(uintptr(e.address())))
}

func (e entry) frame() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(e.address()))), hv.PageSize)
}

func pageAddr(page []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&page[0])))
}

// FaultOutcome is the result of handling one nested page fault.
type FaultOutcome int

const (
	// FaultMapped means the translation is in place and the guest
	// should re-execute the faulting instruction.
	FaultMapped FaultOutcome = iota

	// FaultUnmappedGuestMemory means the guest touched memory the
	// snapshot does not capture; a bug indicator.
	FaultUnmappedGuestMemory

	// FaultDirtyPoolExhausted means the guest dirtied more pages than
	// the pool holds; a capacity signal, not a bug.
	FaultDirtyPoolExhausted
)

// dirtyRecord remembers one copy-on-write so revert can undo it.
type dirtyRecord struct {
	leaf  *entry
	prev  entry
	frame int
}

type pinnedRange struct {
	start uint64
	end   uint64
	pages [][]byte
}

// Config sizes the per-VM pools.
type Config struct {
	// DirtyPages bounds how many pages one iteration may modify.
	DirtyPages int
	// Structures bounds the intermediate paging-structure pool.
	Structures int
}

// Manager owns one VM's nested paging tree.
type Manager struct {
	flags  [3]hv.EntryFlags
	source *FrameSource
	arena  *arena

	pml4           *structure
	structuresLeft int

	dirtyPool [][]byte
	dirtyUsed int
	dirtyLog  []dirtyRecord

	pinned []pinnedRange
}

// New builds an empty tree. flags resolves entry encodings for the
// owning backend; source is the shared snapshot+overlay frame source.
func New(flags func(hv.EntryKind) hv.EntryFlags, source *FrameSource, cfg Config) (*Manager, error) {
	arena, err := newArena(1 + cfg.Structures + cfg.DirtyPages)
	if err != nil {
		return nil, err
	}

	pml4Page, err := arena.page()
	if err != nil {
		arena.close()
		return nil, fmt.Errorf("npt: %w", err)
	}

	m := &Manager{
		flags: [3]hv.EntryFlags{
			hv.EntryRwx:          flags(hv.EntryRwx),
			hv.EntryRwxWriteBack: flags(hv.EntryRwxWriteBack),
			hv.EntryRxWriteBack:  flags(hv.EntryRxWriteBack),
		},
		source:         source,
		arena:          arena,
		pml4:           (*structure)(unsafe.Pointer(&pml4Page[0])),
		structuresLeft: cfg.Structures,
		dirtyLog:       make([]dirtyRecord, 0, cfg.DirtyPages),
	}
	for i := 0; i < cfg.DirtyPages; i++ {
		page, err := arena.page()
		if err != nil {
			arena.close()
			return nil, fmt.Errorf("npt: %w", err)
		}
		m.dirtyPool = append(m.dirtyPool, page)
	}
	return m, nil
}

// Close releases the arena. The tree must not be used afterwards.
func (m *Manager) Close() error {
	return m.arena.close()
}

// PML4Addr returns the physical address of the tree root for the
// backend's nested paging pointer.
func (m *Manager) PML4Addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(m.pml4)))
}

// DirtyCount returns how many dirty frames the current iteration has
// consumed.
func (m *Manager) DirtyCount() int {
	return m.dirtyUsed
}

// InstallInputMapping maps the guest input region at baseGPA to the
// per-VM input pages, read/write. The mappings are pinned: faults in
// the range keep resolving to them and Revert leaves them alone.
func (m *Manager) InstallInputMapping(baseGPA uint64, pages [][]byte) error {
	for i, page := range pages {
		gpa := baseGPA + uint64(i)<<hv.PageShift
		leaf, err := m.walk(gpa, true)
		if err != nil {
			return err
		}
		leaf.setTranslation(pageAddr(page), m.flags[hv.EntryRwxWriteBack])
	}
	m.pinned = append(m.pinned, pinnedRange{
		start: baseGPA,
		end:   baseGPA + uint64(len(pages))<<hv.PageShift,
		pages: pages,
	})
	return nil
}

func (m *Manager) pinnedPage(gpa uint64) []byte {
	for i := range m.pinned {
		r := &m.pinned[i]
		if gpa >= r.start && gpa < r.end {
			return r.pages[(gpa-r.start)>>hv.PageShift]
		}
	}
	return nil
}

// HandleFault services one nested page fault at gpa.
//
// Reads install the shared (overlaid) snapshot frame read-only; the
// first write to a page copies it into a dirty frame, remaps the leaf
// read/write and logs the previous entry for revert. The caller must
// invalidate the backend TLB before re-entering the guest.
func (m *Manager) HandleFault(gpa uint64, write bool) (FaultOutcome, error) {
	// Pinned input pages should all be mapped at arm time; re-install
	// defensively rather than report a lost translation as a bug.
	if page := m.pinnedPage(gpa); page != nil {
		leaf, err := m.walk(gpa, true)
		if err != nil {
			return FaultMapped, err
		}
		leaf.setTranslation(pageAddr(page), m.flags[hv.EntryRwxWriteBack])
		return FaultMapped, nil
	}

	source, ok := m.source.Frame(gpa >> hv.PageShift)
	if !ok {
		return FaultUnmappedGuestMemory, nil
	}

	leaf, err := m.walk(gpa, true)
	if err != nil {
		return FaultMapped, err
	}
	if !leaf.present() {
		leaf.setTranslation(pageAddr(source), m.flags[hv.EntryRxWriteBack])
	}
	if !write || leaf.writable() {
		return FaultMapped, nil
	}

	// Copy-on-write: redirect the leaf to a private dirty frame so
	// the write never reaches the shared frame.
	if m.dirtyUsed >= len(m.dirtyPool) {
		return FaultDirtyPoolExhausted, nil
	}
	dirty := m.dirtyPool[m.dirtyUsed]
	copy(dirty, leaf.frame())
	m.dirtyLog = append(m.dirtyLog, dirtyRecord{leaf: leaf, prev: *leaf, frame: m.dirtyUsed})
	leaf.setTranslation(pageAddr(dirty), m.flags[hv.EntryRwxWriteBack])
	m.dirtyUsed++
	return FaultMapped, nil
}

// WriteGuestByte writes one byte at gpa through the guest's view,
// forcing copy-on-write first so the shared frame stays untouched.
// Used to retire one-shot breakpoint patches in the frame currently
// mapped to this VM.
func (m *Manager) WriteGuestByte(gpa uint64, b byte) (FaultOutcome, error) {
	if page := m.pinnedPage(gpa); page != nil {
		page[gpa&(hv.PageSize-1)] = b
		return FaultMapped, nil
	}
	outcome, err := m.HandleFault(gpa, true)
	if err != nil || outcome != FaultMapped {
		return outcome, err
	}
	leaf, err := m.walk(gpa, false)
	if err != nil || leaf == nil {
		return FaultMapped, fmt.Errorf("npt: lost translation for %#x after copy-on-write", gpa)
	}
	leaf.frame()[gpa&(hv.PageSize-1)] = b
	return FaultMapped, nil
}

// Lookup returns the frame currently backing gpa through the tree, or
// false when no leaf translation exists.
func (m *Manager) Lookup(gpa uint64) ([]byte, bool) {
	leaf, err := m.walk(gpa, false)
	if err != nil || leaf == nil || !leaf.present() {
		return nil, false
	}
	return leaf.frame(), true
}

// Writable reports whether the leaf backing gpa permits guest writes.
func (m *Manager) Writable(gpa uint64) bool {
	leaf, err := m.walk(gpa, false)
	return err == nil && leaf != nil && leaf.present() && leaf.writable()
}

// Revert restores every copy-on-write leaf to its pre-iteration value
// and empties the dirty list. Intermediate structures and read-only
// leaves built by earlier iterations stay valid, so the next iteration
// only pays for the leaves it touches; pinned mappings survive.
// Idempotent. The caller must invalidate the backend TLB afterwards.
func (m *Manager) Revert() {
	for i := range m.dirtyLog {
		*m.dirtyLog[i].leaf = m.dirtyLog[i].prev
	}
	m.dirtyLog = m.dirtyLog[:0]
	m.dirtyUsed = 0
}

// walk descends the tree to the leaf entry for gpa, allocating missing
// intermediate structures when alloc is set. Intermediate entries are
// always read/write/execute. Returns nil without error when alloc is
// unset and the path is incomplete.
func (m *Manager) walk(gpa uint64, alloc bool) (*entry, error) {
	table := m.pml4
	for _, shift := range []uint{39, 30, 21} {
		e := &table.entries[gpa>>shift&(entryCount-1)]
		if !e.present() {
			if !alloc {
				return nil, nil
			}
			if m.structuresLeft == 0 {
				return nil, fmt.Errorf("npt: %w (limit reached while mapping %#x)",
					errArenaExhausted, gpa)
			}
			page, err := m.arena.page()
			if err != nil {
				return nil, fmt.Errorf("npt: %w", err)
			}
			m.structuresLeft--
			e.setTranslation(pageAddr(page), m.flags[hv.EntryRwx])
		}
		table = e.nextTable()
	}
	return &table.entries[gpa>>hv.PageShift&(entryCount-1)], nil
}
