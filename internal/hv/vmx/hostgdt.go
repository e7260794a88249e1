//go:build amd64

package vmx

import (
	"unsafe"

	"github.com/tinyrange/snapfuzz/internal/hv"
	"github.com/tinyrange/snapfuzz/internal/hv/x86"
)

// hostGDT is a private clone of the current GDT with a task state
// segment appended. Firmware runs with TR = 0, which the host-state
// checks reject, so the host runs on this table instead.
//
// See: 27.2.3 Checks on Host Segment and Descriptor-Table Registers
type hostGDT struct {
	gdt  []uint64
	gdtr hv.DescriptorTable
	tss  [104]byte
	tr   uint16
	cs   uint16
}

func (g *hostGDT) initFromCurrent() {
	current := x86.SGDT()

	entries := unsafe.Slice(
		(*uint64)(unsafe.Pointer(uintptr(current.Base))),
		(int(current.Limit)+1)/8,
	)
	g.gdt = append(g.gdt[:0], entries...)

	// Append a 64-bit TSS descriptor (16 bytes) and point TR at it.
	// See: Figure 8-11. 64-Bit TSS Format
	trIndex := len(g.gdt)
	low, high := tssDescriptor(
		uint64(uintptr(unsafe.Pointer(&g.tss[0]))),
		uint32(len(g.tss)-1),
	)
	g.gdt = append(g.gdt, low, high)

	g.gdtr.Base = uint64(uintptr(unsafe.Pointer(&g.gdt[0])))
	g.gdtr.Limit = uint16(len(g.gdt)*8 - 1)
	g.tr = uint16(trIndex << 3)
	g.cs = x86.CS()
}

// tssDescriptor builds the two quadwords of a long-mode TSS
// descriptor: present, DPL0, type 0b1001 (available 64-bit TSS).
func tssDescriptor(base uint64, limit uint32) (low, high uint64) {
	low = uint64(limit) & 0xffff
	low |= (base & 0xff_ffff) << 16
	low |= 0b1001 << 40 // type: available 64-bit TSS
	low |= 1 << 47      // present
	low |= uint64(limit) >> 16 & 0xf << 48
	low |= base >> 24 & 0xff << 56
	high = base >> 32
	return low, high
}
