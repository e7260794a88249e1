// Package snaptest builds in-memory snapshot images for tests.
package snaptest

import (
	"encoding/binary"

	"github.com/tinyrange/snapfuzz/internal/hv"
)

const (
	metadataMagic   uint64 = 0x544f485350414e53
	maxMemoryRanges        = 47
	registersOffset        = 16 + maxMemoryRanges*16
)

// Image describes a snapshot to synthesize. Frames maps guest frame
// numbers to page contents (shorter pages are zero-padded); every
// frame up to the largest key is emitted, and the captured memory
// range covers frames 0..max inclusive unless Ranges overrides it.
type Image struct {
	Frames    map[uint64][]byte
	Registers hv.RegisterBlock

	// Ranges optionally overrides the captured memory ranges, as
	// {base frame, page count} pairs.
	Ranges [][2]uint64
}

// Build serialises the image into the snapshot file format.
func (img Image) Build() []byte {
	var max uint64
	for gfn := range img.Frames {
		if gfn > max {
			max = gfn
		}
	}
	frameCount := max + 1

	data := make([]byte, (frameCount+1)*hv.PageSize)
	for gfn, contents := range img.Frames {
		copy(data[gfn*hv.PageSize:(gfn+1)*hv.PageSize], contents)
	}

	metadata := data[frameCount*hv.PageSize:]
	binary.LittleEndian.PutUint64(metadata, metadataMagic)

	ranges := img.Ranges
	if ranges == nil {
		ranges = [][2]uint64{{0, frameCount}}
	}
	for i, r := range ranges {
		binary.LittleEndian.PutUint64(metadata[16+i*16:], r[0]<<hv.PageShift)
		binary.LittleEndian.PutUint64(metadata[16+i*16+8:], r[1])
	}

	encodeRegisters(metadata[registersOffset:], img.Registers)
	return data
}

func encodeRegisters(b []byte, regs hv.RegisterBlock) {
	p16 := func(off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
	p64 := func(off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

	p16(0x00, regs.Gdtr.Limit)
	p64(0x02, regs.Gdtr.Base)
	p16(0x10, regs.Idtr.Limit)
	p64(0x12, regs.Idtr.Base)

	p16(0x20, regs.Es)
	p16(0x22, regs.Cs)
	p16(0x24, regs.Ss)
	p16(0x26, regs.Ds)
	p16(0x28, regs.Fs)
	p16(0x2a, regs.Gs)
	p16(0x2c, regs.Ldtr)
	p16(0x2e, regs.Tr)

	p64(0x30, regs.Efer)
	p64(0x38, regs.SysenterCs)
	p64(0x40, regs.Cr0)
	p64(0x48, regs.Cr3)
	p64(0x50, regs.Cr4)
	p64(0x58, regs.FsBase)
	p64(0x60, regs.GsBase)
	p64(0x68, regs.LdtrBase)
	p64(0x70, regs.TrBase)
	p64(0x78, regs.Rsp)
	p64(0x80, regs.Rip)
	p64(0x88, regs.Rflags)
	p64(0x90, regs.SysenterEsp)
	p64(0x98, regs.SysenterEip)

	p64(0xa0, regs.Rax)
	p64(0xa8, regs.Rbx)
	p64(0xb0, regs.Rcx)
	p64(0xb8, regs.Rdx)
	p64(0xc0, regs.Rdi)
	p64(0xc8, regs.Rsi)
	p64(0xd0, regs.Rbp)
	p64(0xd8, regs.R8)
	p64(0xe0, regs.R9)
	p64(0xe8, regs.R10)
	p64(0xf0, regs.R11)
	p64(0xf8, regs.R12)
	p64(0x100, regs.R13)
	p64(0x108, regs.R14)
	p64(0x110, regs.R15)
}
