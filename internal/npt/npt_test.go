package npt

import (
	"bytes"
	"testing"

	"github.com/tinyrange/snapfuzz/internal/hv"
	"github.com/tinyrange/snapfuzz/internal/patch"
	"github.com/tinyrange/snapfuzz/internal/snapshot"
	"github.com/tinyrange/snapfuzz/internal/snapshot/snaptest"
)

// eptFlags mirrors the Intel leaf encodings; the manager is agnostic
// to which vendor supplied them.
func eptFlags(kind hv.EntryKind) hv.EntryFlags {
	switch kind {
	case hv.EntryRwx:
		return hv.EntryFlags{Permission: 0b111}
	case hv.EntryRwxWriteBack:
		return hv.EntryFlags{Permission: 0b111, MemoryType: 6}
	default:
		return hv.EntryFlags{Permission: 0b101, MemoryType: 6}
	}
}

func testStore(t *testing.T) *snapshot.Store {
	t.Helper()
	frames := map[uint64][]byte{}
	for gfn := uint64(0); gfn < 8; gfn++ {
		frames[gfn] = bytes.Repeat([]byte{byte(0x10 + gfn)}, hv.PageSize)
	}
	store, err := snapshot.New(snaptest.Image{Frames: frames}.Build())
	if err != nil {
		t.Fatalf("snapshot.New: %v", err)
	}
	return store
}

func testTable(t *testing.T, records string) *patch.Table {
	t.Helper()
	table, err := patch.New([]byte(records))
	if err != nil {
		t.Fatalf("patch.New: %v", err)
	}
	return table
}

func newManager(t *testing.T, table *patch.Table, cfg Config) *Manager {
	t.Helper()
	source, err := NewFrameSource(testStore(t), table)
	if err != nil {
		t.Fatalf("NewFrameSource: %v", err)
	}
	t.Cleanup(func() { source.Close() })

	m, err := New(eptFlags, source, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func defaultConfig() Config {
	return Config{DirtyPages: 16, Structures: 64}
}

func TestReadFaultInstallsReadOnly(t *testing.T) {
	m := newManager(t, testTable(t, `{"entries": []}`), defaultConfig())

	outcome, err := m.HandleFault(0x2000, false)
	if err != nil || outcome != FaultMapped {
		t.Fatalf("HandleFault = %v, %v", outcome, err)
	}

	frame, ok := m.Lookup(0x2000)
	if !ok {
		t.Fatalf("Lookup missing after fault")
	}
	if frame[0] != 0x12 {
		t.Fatalf("mapped frame byte = %#x, want snapshot byte 0x12", frame[0])
	}
	if m.Writable(0x2000) {
		t.Fatalf("read fault produced a writable leaf")
	}
	if m.DirtyCount() != 0 {
		t.Fatalf("read fault consumed a dirty frame")
	}
}

func TestCopyOnWrite(t *testing.T) {
	m := newManager(t, testTable(t, `{"entries": []}`), defaultConfig())

	if outcome, err := m.HandleFault(0x3000, true); err != nil || outcome != FaultMapped {
		t.Fatalf("write fault = %v, %v", outcome, err)
	}
	if !m.Writable(0x3000) {
		t.Fatalf("leaf not writable after copy-on-write")
	}
	if m.DirtyCount() != 1 {
		t.Fatalf("DirtyCount = %d, want 1", m.DirtyCount())
	}

	// Guest writes land in the private frame and read back.
	frame, _ := m.Lookup(0x3000)
	frame[10] = 0xbb
	again, _ := m.Lookup(0x3000)
	if again[10] != 0xbb {
		t.Fatalf("write did not read back through the tree")
	}

	// A second write fault on the same page costs nothing.
	if outcome, err := m.HandleFault(0x3000, true); err != nil || outcome != FaultMapped {
		t.Fatalf("second write fault = %v, %v", outcome, err)
	}
	if m.DirtyCount() != 1 {
		t.Fatalf("DirtyCount after repeat fault = %d, want 1", m.DirtyCount())
	}
}

func TestRevertRestoresOverlaidSnapshot(t *testing.T) {
	// Frame 3 carries an end-marker overlay at offset 8.
	m := newManager(t, testTable(t, `{"entries": [{"address": 12296, "bytes": [15, 11]}]}`),
		defaultConfig())

	if outcome, err := m.HandleFault(0x3000, true); err != nil || outcome != FaultMapped {
		t.Fatalf("write fault = %v, %v", outcome, err)
	}
	frame, _ := m.Lookup(0x3000)
	if frame[8] != 0x0f || frame[9] != 0x0b {
		t.Fatalf("dirty copy lost the patch overlay: %#x %#x", frame[8], frame[9])
	}
	frame[8] = 0x00
	frame[100] = 0xee

	m.Revert()

	// The leaf points back at the shared overlaid frame, read-only.
	restored, ok := m.Lookup(0x3000)
	if !ok {
		t.Fatalf("translation gone after revert")
	}
	if restored[8] != 0x0f || restored[9] != 0x0b {
		t.Fatalf("revert lost the overlay: %#x %#x", restored[8], restored[9])
	}
	if restored[100] != 0x13 {
		t.Fatalf("revert kept a guest write: %#x", restored[100])
	}
	if m.Writable(0x3000) {
		t.Fatalf("leaf still writable after revert")
	}
	if m.DirtyCount() != 0 {
		t.Fatalf("dirty list not empty after revert")
	}

	// Idempotence: a second revert changes nothing.
	m.Revert()
	if again, _ := m.Lookup(0x3000); again[100] != 0x13 {
		t.Fatalf("second revert changed state")
	}

	// A fresh iteration can dirty the page again (write then read).
	if outcome, err := m.HandleFault(0x3000, true); err != nil || outcome != FaultMapped {
		t.Fatalf("post-revert write fault = %v, %v", outcome, err)
	}
	fresh, _ := m.Lookup(0x3000)
	if fresh[100] != 0x13 {
		t.Fatalf("post-revert dirty copy started from modified bytes")
	}
}

func TestSnapshotNeverAliased(t *testing.T) {
	store := testStore(t)
	source, err := NewFrameSource(store, testTable(t, `{"entries": []}`))
	if err != nil {
		t.Fatalf("NewFrameSource: %v", err)
	}
	defer source.Close()
	m, err := New(eptFlags, source, defaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if _, err := m.HandleFault(0x4000, true); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	frame, _ := m.Lookup(0x4000)
	frame[0] = 0x99

	original, _ := store.Frame(4)
	if original[0] != 0x14 {
		t.Fatalf("dirty frame aliased the snapshot: %#x", original[0])
	}
}

func TestUnmappedGuestMemory(t *testing.T) {
	m := newManager(t, testTable(t, `{"entries": []}`), defaultConfig())

	outcome, err := m.HandleFault(0xdead_0000, false)
	if err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if outcome != FaultUnmappedGuestMemory {
		t.Fatalf("outcome = %v, want FaultUnmappedGuestMemory", outcome)
	}
}

func TestDirtyPoolExhausted(t *testing.T) {
	m := newManager(t, testTable(t, `{"entries": []}`), Config{DirtyPages: 1, Structures: 64})

	if outcome, _ := m.HandleFault(0x1000, true); outcome != FaultMapped {
		t.Fatalf("first write = %v", outcome)
	}
	outcome, err := m.HandleFault(0x2000, true)
	if err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if outcome != FaultDirtyPoolExhausted {
		t.Fatalf("outcome = %v, want FaultDirtyPoolExhausted", outcome)
	}

	// Revert frees the pool for the next iteration.
	m.Revert()
	if outcome, _ := m.HandleFault(0x2000, true); outcome != FaultMapped {
		t.Fatalf("write after revert = %v", outcome)
	}
}

func TestStructurePoolExhausted(t *testing.T) {
	m := newManager(t, testTable(t, `{"entries": []}`), Config{DirtyPages: 4, Structures: 3})

	// The first mapping consumes all three intermediate levels.
	if _, err := m.HandleFault(0x1000, false); err != nil {
		t.Fatalf("first mapping: %v", err)
	}
	// A mapping in a different PML4 slot needs three more. HandleFault
	// rejects GPAs the snapshot does not capture before walking, so the
	// pinned input mapping, which always walks, drives the allocation.
	if err := m.InstallInputMapping(1<<39, [][]byte{make([]byte, hv.PageSize)}); err == nil {
		t.Fatalf("structure pool exhaustion not reported")
	}
}

func TestPinnedInputMapping(t *testing.T) {
	m := newManager(t, testTable(t, `{"entries": []}`), defaultConfig())

	input := make([][]byte, 2)
	for i := range input {
		input[i] = make([]byte, hv.PageSize)
		input[i][0] = byte(0xe0 + i)
	}
	base := uint64(9) << hv.PageShift
	if err := m.InstallInputMapping(base, input); err != nil {
		t.Fatalf("InstallInputMapping: %v", err)
	}

	frame, ok := m.Lookup(base + hv.PageSize)
	if !ok || frame[0] != 0xe1 {
		t.Fatalf("pinned page not mapped: %v %#x", ok, frame[0])
	}
	if !m.Writable(base) {
		t.Fatalf("pinned page not writable")
	}

	// Guest writes go straight to the input page, no dirty frame.
	if outcome, err := m.HandleFault(base, true); err != nil || outcome != FaultMapped {
		t.Fatalf("pinned fault = %v, %v", outcome, err)
	}
	if m.DirtyCount() != 0 {
		t.Fatalf("pinned fault consumed a dirty frame")
	}

	// Revert must not touch pinned mappings.
	frame[1] = 0x55
	m.Revert()
	after, ok := m.Lookup(base + hv.PageSize)
	if !ok || after[1] != 0x55 {
		t.Fatalf("revert touched a pinned mapping")
	}
}

func TestWriteGuestByte(t *testing.T) {
	// A breakpoint overlay at 0x5000 (frame 5, offset 0). Two VMs
	// share one frame source, as in a real campaign.
	source, err := NewFrameSource(testStore(t),
		testTable(t, `{"entries": [{"address": 20480, "bytes": [204]}]}`))
	if err != nil {
		t.Fatalf("NewFrameSource: %v", err)
	}
	defer source.Close()

	m, err := New(eptFlags, source, defaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	// The guest sees the breakpoint via a read fault first.
	if outcome, err := m.HandleFault(0x5000, false); err != nil || outcome != FaultMapped {
		t.Fatalf("read fault = %v, %v", outcome, err)
	}
	mapped, _ := m.Lookup(0x5000)
	if mapped[0] != 0xcc {
		t.Fatalf("breakpoint overlay not visible: %#x", mapped[0])
	}

	// Retiring the breakpoint forces copy-on-write and patches only
	// this VM's frame.
	if outcome, err := m.WriteGuestByte(0x5000, 0x15); err != nil || outcome != FaultMapped {
		t.Fatalf("WriteGuestByte = %v, %v", outcome, err)
	}
	if m.DirtyCount() != 1 {
		t.Fatalf("WriteGuestByte did not force copy-on-write")
	}
	patched, _ := m.Lookup(0x5000)
	if patched[0] != 0x15 {
		t.Fatalf("byte not restored: %#x", patched[0])
	}

	// The shared overlay still carries the breakpoint for other VMs.
	other, err := New(eptFlags, source, defaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer other.Close()
	if _, err := other.HandleFault(0x5000, false); err != nil {
		t.Fatalf("other VM fault: %v", err)
	}
	otherFrame, _ := other.Lookup(0x5000)
	if otherFrame[0] != 0xcc {
		t.Fatalf("retiring a breakpoint leaked into the shared overlay")
	}
}
