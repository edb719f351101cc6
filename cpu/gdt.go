// Package cpu implements the GDT, TSS, and IDT (spec.md §4, component E):
// the x86-64 segmentation and interrupt-dispatch tables every CPU in the
// system loads once at boot.
//
// Grounded on kvm/registers.go's Segment/Descriptor struct shapes (the
// teacher's Segment mirrors the fields a GDT entry encodes: Base, Limit,
// Selector, Typ, DPL, L, G, ...; Descriptor mirrors the GDTR/IDTR pointer
// format) and kvm/error.go's ExitType enum, whose "named reason the CPU
// stopped running normal code" shape is the same one this package's vector
// table generalizes to "named reason the CPU trapped into the kernel".
package cpu

import "unsafe"

// GDT selector indices, per spec.md §4.F's fixed entry list.
const (
	SelNull = iota
	SelKernelCode
	SelKernelData
	SelUserCode32 // unused 32-bit compatibility slot, kept for selector arithmetic parity with SYSRET
	SelUserCode
	SelUserData
	SelTSS // occupies two consecutive 8-byte slots (TSS descriptors are 16 bytes in long mode)

	gdtEntryCount = SelTSS + 2
)

// Access byte bits for code/data descriptors.
const (
	accPresent  = 1 << 7
	accDPL0     = 0 << 5
	accDPL3     = 3 << 5
	accSystem   = 1 << 4 // S bit: 1 = code/data, 0 = system (e.g. TSS)
	accExec     = 1 << 3
	accRW       = 1 << 1 // readable (code) / writable (data)
	accAccessed = 1 << 0

	tssTypeAvailable64 = 0x9
)

// Flags nibble bits (granularity, long-mode, default-size).
const (
	flagGranularity4K = 1 << 3
	flagLongMode      = 1 << 1
)

// descriptor is a packed 8-byte GDT entry.
type descriptor uint64

func newSegmentDescriptor(access, flags uint8) descriptor {
	// Long-mode code/data segments ignore base and limit entirely (the CPU
	// treats the whole 64-bit space as flat); only access and flags matter.
	return descriptor(uint64(access)<<40 | uint64(flags)<<52)
}

// tssDescriptor is the 16-byte descriptor format required for TSS/LDT
// entries in long mode (a regular 8-byte descriptor extended with a second
// quadword carrying bits 63:32 of the base address).
type tssDescriptor struct {
	low  uint64
	high uint64
}

func newTSSDescriptor(base uint64, limit uint32) tssDescriptor {
	low := uint64(limit&0xffff) |
		(base&0xff_ffff)<<16 |
		uint64(accPresent|tssTypeAvailable64)<<40 |
		uint64((limit>>16)&0xf)<<48 |
		(base>>24&0xff)<<56

	high := base >> 32

	return tssDescriptor{low: low, high: high}
}

// Table is the GDT: a fixed layout of null/kernel/user segments plus one
// TSS descriptor, per spec.md §4.F.
type Table struct {
	entries [gdtEntryCount]descriptor
}

// NewTable builds the fixed-layout GDT and wires tssBase/tssLimit into the
// TSS descriptor slot.
func NewTable(tssBase uint64, tssLimit uint32) *Table {
	t := &Table{}

	t.entries[SelKernelCode] = newSegmentDescriptor(
		accPresent|accSystem|accDPL0|accExec|accRW, flagLongMode)
	t.entries[SelKernelData] = newSegmentDescriptor(
		accPresent|accSystem|accDPL0|accRW, flagGranularity4K)
	t.entries[SelUserCode] = newSegmentDescriptor(
		accPresent|accSystem|accDPL3|accExec|accRW, flagLongMode)
	t.entries[SelUserData] = newSegmentDescriptor(
		accPresent|accSystem|accDPL3|accRW, flagGranularity4K)

	tssDesc := newTSSDescriptor(tssBase, tssLimit)
	t.entries[SelTSS] = descriptor(tssDesc.low)
	t.entries[SelTSS+1] = descriptor(tssDesc.high)

	return t
}

// Selector returns the selector value (index<<3 | RPL) for a GDT slot.
func Selector(index int, rpl uint8) uint16 {
	return uint16(index<<3) | uint16(rpl&0x3)
}

// Pointer is the GDTR/IDTR operand format, mirroring kvm.Descriptor's
// {Base, Limit} shape.
type Pointer struct {
	Limit uint16
	Base  uint64
}

// Pointer returns the GDTR operand describing this table. Because the
// kernel maps all of its own static data at a fixed direct offset, the
// table's Go runtime address is also its linear address.
func (t *Table) Pointer() Pointer {
	return Pointer{
		Base:  uint64(uintptr(unsafe.Pointer(t))),
		Limit: uint16(len(t.entries)*8 - 1),
	}
}
