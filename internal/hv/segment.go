package hv

import "encoding/binary"

// SegmentDescriptor returns the raw 8-byte descriptor for the given
// selector out of a descriptor table image.
func SegmentDescriptor(table []byte, selector uint16) uint64 {
	index := int(selector>>3) * 8
	if index+8 > len(table) {
		return 0
	}
	return binary.LittleEndian.Uint64(table[index:])
}

// SegmentUnusable reports whether the selector refers to no segment at
// all: index zero in the GDT, regardless of the requested privilege.
func SegmentUnusable(selector uint16) bool {
	return selector>>2 == 0
}

// SegmentLimit returns the effective limit of the given segment,
// expanding page-granular limits.
func SegmentLimit(table []byte, selector uint16) uint32 {
	if SegmentUnusable(selector) {
		return 0
	}
	descriptor := SegmentDescriptor(table, selector)
	limit := descriptor&0xffff | (descriptor>>(32+16))&0xf<<16
	if descriptor>>(32+23)&1 != 0 {
		// Granularity bit: the limit is in 4KiB units.
		limit = (limit+1)<<PageShift - 1
	}
	return uint32(limit)
}
