//go:build amd64

// Package vmx implements the hv.Backend contract on Intel processors
// using the virtual-machine extensions (VT-x): a per-CPU VMCS with
// extended page tables, exception intercepts for the fuzzing
// terminators, and the VMX-preemption timer as the guest execution
// budget.
//
// All references ("See:") are to Intel 64 and IA-32 Architectures
// Software Developer's Manual Volume 3.
package vmx

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/snapfuzz/internal/hv"
	"github.com/tinyrange/snapfuzz/internal/hv/x86"
)

const (
	cr4VMXEnable uint64 = 1 << 13

	featureControlLock          uint64 = 1 << 0
	featureControlVMXOutsideSMX uint64 = 1 << 2

	pinBasedPreemptionTimer uint64 = 1 << 6
	procBasedSecondary      uint64 = 1 << 31
	procBased2EnableEPT     uint64 = 1 << 1
	exitHostAddressSpace    uint64 = 1 << 9
	entryIA32eModeGuest     uint64 = 1 << 9

	eptPointerWriteBack  uint64 = 6
	eptPointerWalkLength uint64 = 3 << 3

	vmxBasicTrueControls uint64 = 1 << 55
	vmxMiscTimerScale    uint64 = 0b11111

	rflagsCF uint64 = 1 << 0
	rflagsZF uint64 = 1 << 6

	accessRightsUnusable uint32 = 1 << 16

	inveptSingleContext uint64 = 1
)

// Backend is the Intel implementation of hv.Backend.
type Backend struct {
	vmxon []byte
	vmcs  []byte

	hostGDT hostGDT
	regs    hv.GuestRegisters

	// timerScale converts TSC ticks to VMX-preemption timer units, or
	// zero when the timer is unsupported.
	timerScale   uint64
	timeoutTicks uint64

	enabled  bool
	launched bool
}

var _ hv.Backend = (*Backend)(nil)

// New allocates the VMXON and VMCS regions for the current logical
// processor.
func New() (*Backend, error) {
	vmxon, err := mapRegion()
	if err != nil {
		return nil, fmt.Errorf("vmx: allocate vmxon region: %w", err)
	}
	vmcs, err := mapRegion()
	if err != nil {
		return nil, fmt.Errorf("vmx: allocate vmcs region: %w", err)
	}
	return &Backend{vmxon: vmxon, vmcs: vmcs}, nil
}

// mapRegion returns one page-aligned, zeroed 4KiB region.
func mapRegion() ([]byte, error) {
	return unix.Mmap(
		-1,
		0,
		hv.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
}

func regionPA(region []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&region[0])))
}

// Enable puts the processor into VMX root operation.
func (b *Backend) Enable() error {
	if b.enabled {
		return nil
	}

	// CR4.VMXE gates execution of VMXON.
	// See: 24.7 Enabling and Entering VMX Operation
	x86.WriteCR4(x86.CR4() | cr4VMXEnable)

	// VMXON also requires the lock and VMXON-outside-SMX bits of
	// IA32_FEATURE_CONTROL, and the CR0 bits indicated by the FIXED
	// MSRs. Some firmware leaves both unset.
	featureControl := x86.RDMSR(x86.MSRIA32FeatureControl)
	if featureControl&featureControlLock == 0 {
		x86.WRMSR(x86.MSRIA32FeatureControl,
			featureControl|featureControlVMXOutsideSMX|featureControlLock)
	} else if featureControl&featureControlVMXOutsideSMX == 0 {
		return fmt.Errorf("vmx: VMXON disabled by firmware: %w", hv.ErrFeatureUnavailable)
	}

	cr0 := x86.CR0()
	cr0 |= x86.RDMSR(x86.MSRIA32VMXCr0Fixed0)
	cr0 &= x86.RDMSR(x86.MSRIA32VMXCr0Fixed1)
	x86.WriteCR0(cr0)

	// The VMXON region wants the VMCS revision identifier up front.
	// See: 25.11.5 VMXON Region
	revision := uint32(x86.RDMSR(x86.MSRIA32VMXBasic))
	putUint32(b.vmxon, 0, revision)
	if failed(vmxon(regionPA(b.vmxon))) {
		return fmt.Errorf("vmx: VMXON: %w", hv.ErrFeatureUnavailable)
	}

	b.enabled = true
	return nil
}

// Initialize programs the host state, the control fields and the EPT
// pointer of this processor's VMCS.
func (b *Backend) Initialize(nestedPML4 uint64, timeoutTicks uint64) error {
	// VMCLEAR then VMPTRLD make the region clear, active and current
	// so that VMREAD/VMWRITE have a VMCS to operate on.
	// See: 25.11.3 Initializing a VMCS
	putUint32(b.vmcs, 0, uint32(x86.RDMSR(x86.MSRIA32VMXBasic)))
	if failed(vmclear(regionPA(b.vmcs))) {
		return fmt.Errorf("vmx: VMCLEAR: %w", hv.ErrVMEntryFailed)
	}
	if failed(vmptrld(regionPA(b.vmcs))) {
		return fmt.Errorf("vmx: VMPTRLD: %w", hv.ErrVMEntryFailed)
	}

	// Host state. Mostly the current register values; RIP/RSP are set
	// by the entry routine on every world switch. TR cannot be null
	// as host state, and firmware leaves it null, so a private GDT
	// with a TSS stands in.
	// See: 27.2.3 Checks on Host Segment and Descriptor-Table Registers
	b.hostGDT.initFromCurrent()
	idtr := x86.SIDT()
	vmwrite(hostCSSelector, uint64(b.hostGDT.cs))
	vmwrite(hostTRSelector, uint64(b.hostGDT.tr))
	vmwrite(hostCR0, x86.CR0())
	vmwrite(hostCR3, x86.CR3())
	vmwrite(hostCR4, x86.CR4())
	vmwrite(hostTRBase, uint64(uintptr(unsafe.Pointer(&b.hostGDT.tss[0]))))
	vmwrite(hostGDTRBase, b.hostGDT.gdtr.Base)
	vmwrite(hostIDTRBase, idtr.Base)

	// Control fields: 64-bit host and guest, the preemption timer if
	// available, secondary controls for EPT.
	vmwrite(controlVMExit, adjustControl(controlVMExit, exitHostAddressSpace))
	vmwrite(controlVMEntry, adjustControl(controlVMEntry, entryIA32eModeGuest))
	vmwrite(controlPinBased, adjustControl(controlPinBased, pinBasedPreemptionTimer))
	vmwrite(controlProcBased, adjustControl(controlProcBased, procBasedSecondary))
	vmwrite(controlProcBased2, adjustControl(controlProcBased2, procBased2EnableEPT))

	// The EPT pointer carries the walk length and the memory type for
	// accessing the paging structures in its low bits.
	// See: 25.6.11 Extended-Page-Table Pointer (EPTP)
	vmwrite(controlEPTPointer, nestedPML4|eptPointerWalkLength|eptPointerWriteBack)

	// Intercept the exceptions the fuzzing loop classifies.
	// See: 25.6.3 Exception Bitmap
	vmwrite(controlExceptionBitmap,
		1<<hv.ExceptionBreakpoint|
			1<<hv.ExceptionInvalidOpcode|
			1<<hv.ExceptionGeneralProtection|
			1<<hv.ExceptionPageFault)

	b.timerScale = preemptionTimerScale()
	b.timeoutTicks = timeoutTicks
	return nil
}

// LoadGuest programs the guest state from the captured register block.
// Segment limits and access rights are derived from the guest GDT
// image the way the processor would read them.
func (b *Backend) LoadGuest(regs *hv.RegisterBlock, gdt []byte) error {
	vmwrite(guestESSelector, uint64(regs.Es))
	vmwrite(guestCSSelector, uint64(regs.Cs))
	vmwrite(guestSSSelector, uint64(regs.Ss))
	vmwrite(guestDSSelector, uint64(regs.Ds))
	vmwrite(guestFSSelector, uint64(regs.Fs))
	vmwrite(guestGSSelector, uint64(regs.Gs))
	vmwrite(guestTRSelector, uint64(regs.Tr))
	vmwrite(guestLDTRSelector, uint64(regs.Ldtr))

	vmwrite(guestESAccessRights, uint64(accessRights(gdt, regs.Es)))
	vmwrite(guestCSAccessRights, uint64(accessRights(gdt, regs.Cs)))
	vmwrite(guestSSAccessRights, uint64(accessRights(gdt, regs.Ss)))
	vmwrite(guestDSAccessRights, uint64(accessRights(gdt, regs.Ds)))
	vmwrite(guestFSAccessRights, uint64(accessRights(gdt, regs.Fs)))
	vmwrite(guestGSAccessRights, uint64(accessRights(gdt, regs.Gs)))
	vmwrite(guestTRAccessRights, uint64(accessRights(gdt, regs.Tr)))
	vmwrite(guestLDTRAccessRights, uint64(accessRights(gdt, regs.Ldtr)))

	vmwrite(guestESLimit, uint64(hv.SegmentLimit(gdt, regs.Es)))
	vmwrite(guestCSLimit, uint64(hv.SegmentLimit(gdt, regs.Cs)))
	vmwrite(guestSSLimit, uint64(hv.SegmentLimit(gdt, regs.Ss)))
	vmwrite(guestDSLimit, uint64(hv.SegmentLimit(gdt, regs.Ds)))
	vmwrite(guestFSLimit, uint64(hv.SegmentLimit(gdt, regs.Fs)))
	vmwrite(guestGSLimit, uint64(hv.SegmentLimit(gdt, regs.Gs)))
	vmwrite(guestTRLimit, uint64(hv.SegmentLimit(gdt, regs.Tr)))
	vmwrite(guestLDTRLimit, uint64(hv.SegmentLimit(gdt, regs.Ldtr)))

	vmwrite(guestFSBase, regs.FsBase)
	vmwrite(guestGSBase, regs.GsBase)
	vmwrite(guestTRBase, regs.TrBase)
	vmwrite(guestLDTRBase, regs.LdtrBase)
	vmwrite(guestGDTRBase, regs.Gdtr.Base)
	vmwrite(guestGDTRLimit, uint64(regs.Gdtr.Limit))
	vmwrite(guestIDTRBase, regs.Idtr.Base)
	vmwrite(guestIDTRLimit, uint64(regs.Idtr.Limit))

	vmwrite(guestSysenterCS, regs.SysenterCs)
	vmwrite(guestSysenterESP, regs.SysenterEsp)
	vmwrite(guestSysenterEIP, regs.SysenterEip)
	vmwrite(guestIA32Efer, regs.Efer)
	vmwrite(guestCR0, regs.Cr0)
	vmwrite(guestCR3, regs.Cr3)
	vmwrite(guestCR4, regs.Cr4)
	vmwrite(guestRIP, regs.Rip)
	vmwrite(guestRSP, regs.Rsp)
	vmwrite(guestRflags, regs.Rflags)
	vmwrite(guestVMCSLinkPointer, ^uint64(0))

	if b.timerScale != 0 {
		vmwrite(guestPreemptionTimer, b.timeoutTicks/b.timerScale)
	}

	// GPRs are not managed by the VMCS; the entry routine loads them.
	b.regs = hv.GuestRegisters{
		Rax: regs.Rax,
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

// Run enters the guest and normalises the VM exit.
func (b *Backend) Run() hv.Exit {
	var launched uint64
	if b.launched {
		launched = 1
	}
	flags := entryGuest(&b.regs, launched)
	if failed(flags) {
		return hv.ExitFailure{
			Err: fmt.Errorf("vmx: entry error %d: %w",
				vmread(roVMInstructionError), hv.ErrVMEntryFailed),
		}
	}
	b.launched = true

	b.regs.Rip = vmread(guestRIP)
	b.regs.Rsp = vmread(guestRSP)
	b.regs.Rflags = vmread(guestRflags)

	// See: 28.2.1 Basic VM-Exit Information
	reason := vmread(roExitReason)
	switch uint16(reason) {
	case exitReasonExceptionOrNMI:
		info := vmread(roInterruptionInfo)
		vector := hv.Exception(info)
		switch vector {
		case hv.ExceptionBreakpoint, hv.ExceptionInvalidOpcode,
			hv.ExceptionGeneralProtection, hv.ExceptionPageFault:
			return hv.ExitException{
				RIP:       b.regs.Rip,
				Vector:    vector,
				ErrorCode: uint32(vmread(roInterruptionError)),
			}
		default:
			return hv.ExitUnexpected{Code: reason}
		}
	case exitReasonEPTViolation:
		// See: Table 28-7. Exit Qualification for EPT Violations
		qualification := vmread(roExitQualification)
		return hv.ExitNestedPageFault{
			RIP:                b.regs.Rip,
			GPA:                vmread(roGuestPhysicalAddress),
			MissingTranslation: qualification&0b11_1000 == 0,
			Write:              qualification&0b10 != 0,
		}
	case exitReasonPreemptionTimer:
		return hv.ExitTimer{}
	case exitReasonTripleFault:
		return hv.ExitShutdown{Code: reason}
	default:
		return hv.ExitUnexpected{Code: reason}
	}
}

// InvalidateCaches flushes combined mappings derived from this EPTP.
//
// Not strictly required without VPID, where VM entry/exit invalidate
// for us, but kept explicit like the rest of the TLB discipline.
// See: 29.4.3.1 Operations that Invalidate Cached Mappings
func (b *Backend) InvalidateCaches() {
	descriptor := [2]uint64{vmread(controlEPTPointer), 0}
	if failed(invept(inveptSingleContext, &descriptor)) {
		slog.Warn("vmx: INVEPT failed", "error", vmread(roVMInstructionError))
	}
}

// EntryFlags returns EPT entry encodings.
//
// See: Table 29-6. Format of an EPT Page-Table Entry that Maps a
// 4-KByte Page
func (b *Backend) EntryFlags(kind hv.EntryKind) hv.EntryFlags {
	switch kind {
	case hv.EntryRwx:
		return hv.EntryFlags{Permission: 0b111, MemoryType: 0}
	case hv.EntryRwxWriteBack:
		return hv.EntryFlags{Permission: 0b111, MemoryType: 6}
	default:
		return hv.EntryFlags{Permission: 0b101, MemoryType: 6}
	}
}

// adjustControl clamps a requested control value to the allowed-0 and
// allowed-1 bits reported by the matching capability MSR.
//
// See: A.3.1 Pin-Based VM-Execution Controls (and siblings)
func adjustControl(field, requested uint64) uint64 {
	trueMSRs := x86.RDMSR(x86.MSRIA32VMXBasic)&vmxBasicTrueControls != 0

	var capability uint32
	switch field {
	case controlPinBased:
		capability = x86.MSRIA32VMXPinbasedCtls
		if trueMSRs {
			capability = x86.MSRIA32VMXTruePinbased
		}
	case controlProcBased:
		capability = x86.MSRIA32VMXProcbasedCtls
		if trueMSRs {
			capability = x86.MSRIA32VMXTrueProcbased
		}
	case controlVMExit:
		capability = x86.MSRIA32VMXExitCtls
		if trueMSRs {
			capability = x86.MSRIA32VMXTrueExitCtls
		}
	case controlVMEntry:
		capability = x86.MSRIA32VMXEntryCtls
		if trueMSRs {
			capability = x86.MSRIA32VMXTrueEntryCtls
		}
	default:
		// No TRUE variant exists for the secondary controls.
		capability = x86.MSRIA32VMXProcbasedCtls2
	}

	capabilities := x86.RDMSR(capability)
	allowed0 := uint32(capabilities)
	allowed1 := uint32(capabilities >> 32)
	effective := uint32(requested)
	effective |= allowed0
	effective &= allowed1
	return uint64(effective)
}

// preemptionTimerScale returns the TSC-to-timer-unit divisor, or zero
// when the preemption timer is unavailable and hangs can only be
// caught by the software budget.
func preemptionTimerScale() uint64 {
	if adjustControl(controlPinBased, pinBasedPreemptionTimer)&pinBasedPreemptionTimer == 0 {
		slog.Warn("vmx: preemption timer unavailable; dead loops rely on the software budget")
		return 0
	}
	shift := x86.RDMSR(x86.MSRIA32VMXMisc) & vmxMiscTimerScale
	return 1 << shift
}

// accessRights folds a segment descriptor into the VMX access-rights
// format.
// See: 25.4.1 Guest Register State
func accessRights(gdt []byte, selector uint16) uint32 {
	if hv.SegmentUnusable(selector) {
		return accessRightsUnusable
	}
	descriptor := hv.SegmentDescriptor(gdt, selector)
	return uint32(descriptor>>40) & 0b1111_0000_1111_1111
}

func failed(flags uint64) bool {
	return flags&(rflagsCF|rflagsZF) != 0
}

func putUint32(region []byte, offset int, value uint32) {
	region[offset] = byte(value)
	region[offset+1] = byte(value >> 8)
	region[offset+2] = byte(value >> 16)
	region[offset+3] = byte(value >> 24)
}
