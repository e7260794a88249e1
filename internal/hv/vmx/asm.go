//go:build amd64

package vmx

import "github.com/tinyrange/snapfuzz/internal/hv"

// The functions below are assembly stubs in entry_amd64.s. The VMX
// instruction wrappers return the RFLAGS value observed right after
// the instruction; ZF/CF encode failure.
//
// See: Intel SDM Volume 3, 31.2 "Conventions".

// vmxon enters VMX root operation using the 4KiB region at pa.
func vmxon(pa uint64) uint64

// vmclear initializes the VMCS region at pa.
func vmclear(pa uint64) uint64

// vmptrld makes the VMCS region at pa active and current.
func vmptrld(pa uint64) uint64

// vmread reads a field of the current VMCS.
func vmread(field uint64) uint64

// vmwrite writes a field of the current VMCS.
func vmwrite(field, value uint64) uint64

// invept invalidates EPT-derived translations for the given EPTP. The
// descriptor is {eptp, reserved}.
func invept(invalidationType uint64, descriptor *[2]uint64) uint64

// entryGuest performs the world switch: it saves the host GPRs, loads
// the guest GPRs from regs, executes VMLAUNCH (launched == 0) or
// VMRESUME, and on VM exit stores the guest GPRs back into regs before
// returning the RFLAGS of the entry instruction (zero on a successful
// round trip).
func entryGuest(regs *hv.GuestRegisters, launched uint64) uint64
