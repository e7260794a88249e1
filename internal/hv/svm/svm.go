//go:build amd64

// Package svm implements the hv.Backend contract on AMD processors
// using the Secure Virtual Machine extension (AMD-V): a per-CPU VMCB
// with nested paging, exception intercepts for the fuzzing
// terminators, and INTR/PAUSE intercepts standing in for a hardware
// execution timer.
//
// All references ("See:") are to AMD64 Architecture Programmer's
// Manual Volume 2: System Programming.
package svm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/snapfuzz/internal/hv"
	"github.com/tinyrange/snapfuzz/internal/hv/x86"
)

const (
	eferSVMEnable uint64 = 1 << 12
	cr4VMXEnable  uint64 = 1 << 13

	interceptMisc1INTR     uint32 = 1 << 0
	interceptMisc1Pause    uint32 = 1 << 23
	interceptMisc1Shutdown uint32 = 1 << 31
	interceptMisc2VMRun    uint32 = 1 << 0

	npEnable uint64 = 1 << 0

	tlbControlFlushASID uint32 = 0b11

	exitCodeExceptionBase uint64 = 0x40
	exitCodeExceptionLast uint64 = 0x5f
	exitCodeINTR          uint64 = 0x60
	exitCodePause         uint64 = 0x77
	exitCodeShutdown      uint64 = 0x7f
	exitCodeNPF           uint64 = 0x400
	exitCodeInvalid       uint64 = ^uint64(0)
)

// Backend is the AMD implementation of hv.Backend.
type Backend struct {
	vmcbRegion  []byte
	hsaveRegion []byte

	regs hv.GuestRegisters

	enabled bool
}

var _ hv.Backend = (*Backend)(nil)

// New allocates the VMCB and the host state-save area for the current
// logical processor.
func New() (*Backend, error) {
	vmcbRegion, err := mapRegion()
	if err != nil {
		return nil, fmt.Errorf("svm: allocate vmcb: %w", err)
	}
	hsaveRegion, err := mapRegion()
	if err != nil {
		return nil, fmt.Errorf("svm: allocate host state-save area: %w", err)
	}
	return &Backend{vmcbRegion: vmcbRegion, hsaveRegion: hsaveRegion}, nil
}

func mapRegion() ([]byte, error) {
	return unix.Mmap(
		-1,
		0,
		hv.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
}

func (b *Backend) vmcb() *vmcb {
	return (*vmcb)(unsafe.Pointer(&b.vmcbRegion[0]))
}

func (b *Backend) vmcbPA() uint64 {
	return uint64(uintptr(unsafe.Pointer(&b.vmcbRegion[0])))
}

// Enable turns on SVM operation.
// See: 15.4 Enabling SVM
func (b *Backend) Enable() error {
	if b.enabled {
		return nil
	}
	x86.WRMSR(x86.MSRIA32Efer, x86.RDMSR(x86.MSRIA32Efer)|eferSVMEnable)
	if x86.RDMSR(x86.MSRIA32Efer)&eferSVMEnable == 0 {
		return fmt.Errorf("svm: EFER.SVME rejected: %w", hv.ErrFeatureUnavailable)
	}
	b.enabled = true
	return nil
}

// Initialize programs the host state-save area and the VMCB control
// area: intercepts, nested paging and the pause filter.
func (b *Backend) Initialize(nestedPML4 uint64, timeoutTicks uint64) error {
	// VMRUN saves host state at the physical address in VM_HSAVE_PA.
	// See: 15.5.1 Basic Operation
	x86.WRMSR(x86.MSRVMHSavePA, uint64(uintptr(unsafe.Pointer(&b.hsaveRegion[0]))))

	control := &b.vmcb().control

	// Intercept external interrupts, PAUSE storms and shutdown so a
	// looping or wedged guest yields control; VMRUN interception is a
	// hardware requirement. SVM has no preemption timer, so
	// timeoutTicks is unused here; the caller charges its own
	// wall-clock budget across INTR/PAUSE exits.
	// See: 15.13.1 INTR Intercept
	// See: 15.14.4 Pause Intercept Filtering
	_ = timeoutTicks
	control.interceptMisc1 = interceptMisc1INTR | interceptMisc1Pause | interceptMisc1Shutdown
	control.interceptMisc2 = interceptMisc2VMRun
	control.pauseFilterCount = 0xffff

	// Any non-zero ASID works for a single guest per processor.
	// See: 15.16 TLB Control
	control.guestASID = 1

	// See: 15.25.3 Enabling Nested Paging
	control.npEnable = npEnable
	control.nCR3 = nestedPML4

	// See: 15.12 Exception Intercepts
	control.interceptExceptions = 1<<hv.ExceptionBreakpoint |
		1<<hv.ExceptionInvalidOpcode |
		1<<hv.ExceptionGeneralProtection |
		1<<hv.ExceptionPageFault

	return nil
}

// LoadGuest programs the state-save area from the captured register
// block. The SVME bit must be set in the guest EFER, and the VMXE bit
// cleared from CR4 so snapshots taken on Intel machines replay here.
// See: 15.5.1 Basic Operation, "Canonicalization and Consistency Checks"
func (b *Backend) LoadGuest(regs *hv.RegisterBlock, gdt []byte) error {
	state := &b.vmcb().state

	loadSegment := func(seg *segmentRegister, selector uint16, base uint64) {
		seg.selector = selector
		seg.attrib = attrib(gdt, selector)
		seg.limit = hv.SegmentLimit(gdt, selector)
		seg.base = base
	}
	loadSegment(&state.es, regs.Es, 0)
	loadSegment(&state.cs, regs.Cs, 0)
	loadSegment(&state.ss, regs.Ss, 0)
	loadSegment(&state.ds, regs.Ds, 0)
	loadSegment(&state.fs, regs.Fs, regs.FsBase)
	loadSegment(&state.gs, regs.Gs, regs.GsBase)
	loadSegment(&state.ldtr, regs.Ldtr, regs.LdtrBase)
	loadSegment(&state.tr, regs.Tr, regs.TrBase)

	state.gdtr.base = regs.Gdtr.Base
	state.gdtr.limit = uint32(regs.Gdtr.Limit)
	state.idtr.base = regs.Idtr.Base
	state.idtr.limit = uint32(regs.Idtr.Limit)

	state.sysenterCS = regs.SysenterCs
	state.sysenterESP = regs.SysenterEsp
	state.sysenterEIP = regs.SysenterEip
	state.efer = regs.Efer | eferSVMEnable
	state.cr0 = regs.Cr0
	state.cr3 = regs.Cr3
	state.cr4 = regs.Cr4 &^ cr4VMXEnable
	state.rip = regs.Rip
	state.rsp = regs.Rsp
	state.rflags = regs.Rflags
	state.rax = regs.Rax
	state.gPAT = x86.RDMSR(x86.MSRIA32PAT)

	// RAX lives in the VMCB; the rest of the GPRs are loaded by the
	// entry routine.
	b.regs = hv.GuestRegisters{
		Rbx: regs.Rbx,
		Rcx: regs.Rcx,
		Rdx: regs.Rdx,
		Rdi: regs.Rdi,
		Rsi: regs.Rsi,
		Rbp: regs.Rbp,
		R8:  regs.R8,
		R9:  regs.R9,
		R10: regs.R10,
		R11: regs.R11,
		R12: regs.R12,
		R13: regs.R13,
		R14: regs.R14,
		R15: regs.R15,
	}
	return nil
}

// SetInput points the target routine's argument registers at the
// injected buffer.
func (b *Backend) SetInput(addr, size uint64) {
	b.regs.Rdi = addr
	b.regs.Rsi = size
}

// Run enters the guest and normalises the #VMEXIT.
func (b *Backend) Run() hv.Exit {
	entryGuest(&b.regs, b.vmcbPA())

	control := &b.vmcb().control
	state := &b.vmcb().state
	b.regs.Rax = state.rax
	b.regs.Rip = state.rip
	b.regs.Rsp = state.rsp
	b.regs.Rflags = state.rflags

	// A TLB flush request only lives for one VMRUN.
	control.tlbControl = 0

	// See: 15.6 #VMEXIT and Appendix C "SVM Intercept Exit Codes"
	code := control.exitCode
	switch {
	case code == exitCodeInvalid:
		return hv.ExitFailure{Err: fmt.Errorf("svm: VMEXIT_INVALID: %w", hv.ErrVMEntryFailed)}
	case code >= exitCodeExceptionBase && code <= exitCodeExceptionLast:
		vector := hv.Exception(code - exitCodeExceptionBase)
		switch vector {
		case hv.ExceptionBreakpoint, hv.ExceptionInvalidOpcode,
			hv.ExceptionGeneralProtection, hv.ExceptionPageFault:
			return hv.ExitException{
				RIP:       b.regs.Rip,
				Vector:    vector,
				ErrorCode: uint32(control.exitInfo1),
			}
		default:
			return hv.ExitUnexpected{Code: code}
		}
	case code == exitCodeNPF:
		// See: 15.25.6 Nested versus Guest Page Faults, Fault Ordering
		return hv.ExitNestedPageFault{
			RIP:                b.regs.Rip,
			GPA:                control.exitInfo2,
			MissingTranslation: control.exitInfo1&0b1 == 0,
			Write:              control.exitInfo1&0b10 != 0,
		}
	case code == exitCodeINTR || code == exitCodePause:
		return hv.ExitInterruptOrPause{}
	case code == exitCodeShutdown:
		return hv.ExitShutdown{Code: code}
	default:
		return hv.ExitUnexpected{Code: code}
	}
}

// InvalidateCaches requests a TLB flush for this guest's ASID on the
// next VMRUN.
// See: Table 15-9. TLB Control Byte Encodings
func (b *Backend) InvalidateCaches() {
	b.vmcb().control.tlbControl = tlbControlFlushASID
}

// EntryFlags returns nested page table entry encodings. SVM reuses the
// standard long-mode layout; leaving PWT/PCD/PAT zero yields the
// write-back memory type, so only the permission bits vary.
func (b *Backend) EntryFlags(kind hv.EntryKind) hv.EntryFlags {
	switch kind {
	case hv.EntryRwx, hv.EntryRwxWriteBack:
		// Present, writable, user.
		return hv.EntryFlags{Permission: 0b111, MemoryType: 0}
	default:
		// Present, NON writable, user.
		return hv.EntryFlags{Permission: 0b101, MemoryType: 0}
	}
}

// attrib folds a segment descriptor into the VMCB attribute format:
// the P/DPL/S/Type bits next to AVL/L/D/G, without the limit bits that
// sit between them in the descriptor.
// See: Figure 3-8. Segment Descriptor (Intel numbering)
func attrib(gdt []byte, selector uint16) uint16 {
	descriptor := hv.SegmentDescriptor(gdt, selector)
	ar := uint16(descriptor >> 40)
	return ar&0b1111_1111 | ar>>4&0b1111_0000_0000
}
