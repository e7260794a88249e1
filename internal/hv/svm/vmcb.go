//go:build amd64

package svm

// The virtual machine control block: a control area describing what to
// intercept and how the last #VMEXIT happened, followed by the guest
// state-save area. The layouts below are architectural; the padding
// arrays hold the byte offsets in place.
//
// See: AMD64 Architecture Programmer's Manual Volume 2, Appendix B
// "Layout of VMCB".
type vmcb struct {
	control controlArea   // +0x000
	state   stateSaveArea // +0x400
}

// See: Table B-1. VMCB Layout, Control Area
type controlArea struct {
	interceptCrRead      uint16   // +0x000
	interceptCrWrite     uint16   // +0x002
	interceptDrRead      uint16   // +0x004
	interceptDrWrite     uint16   // +0x006
	interceptExceptions  uint32   // +0x008
	interceptMisc1       uint32   // +0x00c
	interceptMisc2       uint32   // +0x010
	interceptMisc3       uint32   // +0x014
	_                    [0x03c - 0x018]byte
	pauseFilterThreshold uint16   // +0x03c
	pauseFilterCount     uint16   // +0x03e
	iopmBasePA           uint64   // +0x040
	msrpmBasePA          uint64   // +0x048
	tscOffset            uint64   // +0x050
	guestASID            uint32   // +0x058
	tlbControl           uint32   // +0x05c
	vintr                uint64   // +0x060
	interruptShadow      uint64   // +0x068
	exitCode             uint64   // +0x070
	exitInfo1            uint64   // +0x078
	exitInfo2            uint64   // +0x080
	exitIntInfo          uint64   // +0x088
	npEnable             uint64   // +0x090
	avicAPICBar          uint64   // +0x098
	guestPAOfGHCB        uint64   // +0x0a0
	eventInj             uint64   // +0x0a8
	nCR3                 uint64   // +0x0b0
	lbrVirtualization    uint64   // +0x0b8
	vmcbClean            uint64   // +0x0c0
	nRIP                 uint64   // +0x0c8
	bytesFetched         uint8    // +0x0d0
	instructionBytes     [15]byte // +0x0d1
	avicBackingPage      uint64   // +0x0e0
	_                    uint64   // +0x0e8
	avicLogicalTable     uint64   // +0x0f0
	avicPhysicalTable    uint64   // +0x0f8
	_                    uint64   // +0x100
	vmsaPointer          uint64   // +0x108
	_                    [0x3e0 - 0x110]byte
	reservedForHost      [0x20]byte // +0x3e0
}

// segmentRegister is one segment slot of the state-save area.
type segmentRegister struct {
	selector uint16
	attrib   uint16
	limit    uint32
	base     uint64
}

// See: Table B-2. VMCB Layout, State Save Area
type stateSaveArea struct {
	es   segmentRegister // +0x000
	cs   segmentRegister // +0x010
	ss   segmentRegister // +0x020
	ds   segmentRegister // +0x030
	fs   segmentRegister // +0x040
	gs   segmentRegister // +0x050
	gdtr segmentRegister // +0x060
	ldtr segmentRegister // +0x070
	idtr segmentRegister // +0x080
	tr   segmentRegister // +0x090
	_    [0x0cb - 0x0a0]byte
	cpl  uint8  // +0x0cb
	_    uint32 // +0x0cc
	efer uint64 // +0x0d0
	_    [0x148 - 0x0d8]byte
	cr4    uint64 // +0x148
	cr3    uint64 // +0x150
	cr0    uint64 // +0x158
	dr7    uint64 // +0x160
	dr6    uint64 // +0x168
	rflags uint64 // +0x170
	rip    uint64 // +0x178
	_      [0x1d8 - 0x180]byte
	rsp          uint64 // +0x1d8
	sCET         uint64 // +0x1e0
	ssp          uint64 // +0x1e8
	isstAddr     uint64 // +0x1f0
	rax          uint64 // +0x1f8
	star         uint64 // +0x200
	lstar        uint64 // +0x208
	cstar        uint64 // +0x210
	sfMask       uint64 // +0x218
	kernelGSBase uint64 // +0x220
	sysenterCS   uint64 // +0x228
	sysenterESP  uint64 // +0x230
	sysenterEIP  uint64 // +0x238
	cr2          uint64 // +0x240
	_            [0x268 - 0x248]byte
	gPAT          uint64 // +0x268
	dbgCtl        uint64 // +0x270
	brFrom        uint64 // +0x278
	brTo          uint64 // +0x280
	lastExcepFrom uint64 // +0x288
	lastExcepTo   uint64 // +0x290
	_             [0x2e0 - 0x298]byte
	specCtl       uint64 // +0x2e0
}
