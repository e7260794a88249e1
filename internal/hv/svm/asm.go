//go:build amd64

package svm

import "github.com/tinyrange/snapfuzz/internal/hv"

// entryGuest performs the world switch: it saves the host GPRs, loads
// the guest GPRs from regs (RAX is managed through the VMCB), executes
// VMRUN, and on #VMEXIT stores the guest GPRs back into regs. The
// global interrupt flag is cleared across the switch so host-mode code
// never takes an interrupt. Implemented in entry_amd64.s.
func entryGuest(regs *hv.GuestRegisters, vmcbPA uint64)
