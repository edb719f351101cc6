package paging

import (
	"fmt"

	"github.com/coreforge/corekernel/frame"
)

// Memory gives the mapper raw read/write access to page-table frames.
// In the booted kernel this is backed by the kernel's direct
// physical-to-virtual offset window (every physical frame is always
// addressable from kernel code, independent of the address space currently
// active); tests back it with a plain map.
type Memory interface {
	Table(f frame.Frame) *Table
}

// AddressSpace is the PML4 frame plus ownership of every intermediate
// table and every frame mapped by user entries, per spec.md's data model.
// Kernel-half entries (indices 256..511 of the PML4, the canonical upper
// half) are shared by reference with the bootstrap address space rather
// than copied.
type AddressSpace struct {
	PML4 frame.Frame

	mem    Memory
	frames *frame.Allocator

	// userFrames/userTables record every frame this address space owns in
	// the user half, so Destroy can free exactly those and nothing in the
	// shared kernel half.
	userFrames []frame.Frame
	userTables []frame.Frame
}

// New allocates a fresh PML4 and copies the kernel-half entries (256..511)
// from parent by reference (identical PML4 entries, not cloned tables),
// satisfying the invariant that the kernel-half mapping is identical across
// all address spaces.
func New(mem Memory, frames *frame.Allocator, parent *AddressSpace) *AddressSpace {
	pml4Frame := frames.AllocZeroed()
	as := &AddressSpace{PML4: pml4Frame, mem: mem, frames: frames}

	if parent != nil {
		parentTable := mem.Table(parent.PML4)
		table := mem.Table(pml4Frame)

		for i := 256; i < entriesPerTable; i++ {
			table[i] = parentTable[i]
		}
	}

	as.userTables = append(as.userTables, pml4Frame)

	return as
}

func (as *AddressSpace) trackTable(f frame.Frame) { as.userTables = append(as.userTables, f) }
func (as *AddressSpace) trackFrame(f frame.Frame) { as.userFrames = append(as.userFrames, f) }

// walk returns the PT entry slot for virt, creating intermediate PDPT/PD/PT
// tables from the frame allocator on demand. If a huge 2 MiB PD entry is
// encountered while walking to a 4 KiB leaf, walk reports it via huge=true
// and returns that PD entry as the slot, since there is no PT to descend
// into.
func (as *AddressSpace) walk(virt uint64, create bool) (slot *Entry, huge bool) {
	pml4i, pdpti, pdi, pti := indices(virt)

	pml4 := as.mem.Table(as.PML4)

	pdptFrame, ok := as.nextLevel(pml4, pml4i, create)
	if !ok {
		return nil, false
	}

	pdpt := as.mem.Table(pdptFrame)

	pdFrame, ok := as.nextLevel(pdpt, pdpti, create)
	if !ok {
		return nil, false
	}

	pd := as.mem.Table(pdFrame)
	if pd[pdi].IsPresent() && pd[pdi].IsHuge() {
		return &pd[pdi], true
	}

	ptFrame, ok := as.nextLevel(pd, pdi, create)
	if !ok {
		return nil, false
	}

	pt := as.mem.Table(ptFrame)

	return &pt[pti], false
}

// nextLevel returns the frame a non-leaf entry points to, allocating and
// wiring a fresh intermediate table when absent and create is true.
func (as *AddressSpace) nextLevel(table *Table, index int, create bool) (frame.Frame, bool) {
	e := table[index]
	if e.IsPresent() {
		return frame.Frame(e.Addr()), true
	}

	if !create {
		return 0, false
	}

	next := as.frames.AllocZeroed()
	as.trackTable(next)
	table[index] = newEntry(uint64(next), Present|Writable|User)

	return next, true
}

// IsMapped walks without mutation, per spec.md §4.B.
func (as *AddressSpace) IsMapped(virt uint64) bool {
	slot, huge := as.walkReadOnly(virt)
	if slot == nil {
		return false
	}

	_ = huge

	return slot.IsPresent()
}

// walkReadOnly is identical to walk but never allocates intermediate
// tables, so callers that only inspect state cannot mutate it.
func (as *AddressSpace) walkReadOnly(virt uint64) (*Entry, bool) {
	pml4i, pdpti, pdi, pti := indices(virt)

	pml4 := as.mem.Table(as.PML4)
	if !pml4[pml4i].IsPresent() {
		return nil, false
	}

	pdpt := as.mem.Table(frame.Frame(pml4[pml4i].Addr()))
	if !pdpt[pdpti].IsPresent() {
		return nil, false
	}

	pd := as.mem.Table(frame.Frame(pdpt[pdpti].Addr()))
	if !pd[pdi].IsPresent() {
		return nil, false
	}

	if pd[pdi].IsHuge() {
		return &pd[pdi], true
	}

	pt := as.mem.Table(frame.Frame(pd[pdi].Addr()))

	return &pt[pti], false
}

// Translate resolves virt to its backing physical address, accounting for
// the page (or huge-page) offset, the way a hardware page-table walk
// would for a data access -- used by callers that need to write directly
// into a freshly mapped page (e.g. the ELF loader copying segment bytes)
// rather than go through a second Map call.
func (as *AddressSpace) Translate(virt uint64) (uint64, bool) {
	slot, huge := as.walkReadOnly(virt)
	if slot == nil || !slot.IsPresent() {
		return 0, false
	}

	pageSize := uint64(PageSize4K)
	if huge {
		pageSize = PageSize2M
	}

	return slot.Addr() + (virt & (pageSize - 1)), true
}

// Destroy frees every user-half frame and intermediate table this address
// space owns. The kernel half, shared by reference, is left untouched.
func (as *AddressSpace) Destroy() error {
	for _, f := range as.userFrames {
		if err := as.frames.Free(f); err != nil {
			return fmt.Errorf("paging: destroy address space: %w", err)
		}
	}

	for _, f := range as.userTables {
		if err := as.frames.Free(f); err != nil {
			return fmt.Errorf("paging: destroy address space tables: %w", err)
		}
	}

	as.userFrames = nil
	as.userTables = nil

	return nil
}
