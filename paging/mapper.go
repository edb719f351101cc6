package paging

import (
	"errors"
	"fmt"

	"github.com/coreforge/corekernel/frame"
)

// ErrMappingConflict is returned when a region overlaps an existing
// mapping to a different physical target; spec.md §4.B calls this fatal at
// the mapper level, so the kernel caller is expected to treat it as a
// kernelpanic-worthy condition rather than propagate it to user code.
var ErrMappingConflict = errors.New("paging: region overlaps distinct existing mapping")

// MemoryRegion is {virt_base, phys_base?, size, flags} from spec.md's data
// model. A nil PhysBase means "allocate frames on demand"; a set PhysBase
// maps the requested physical range directly (used for MMIO and the kernel
// identity-plus-offset region).
type MemoryRegion struct {
	VirtBase uint64
	PhysBase *uint64
	Size     uint64
	Flags    uint64
}

// Map walks the 4-level tree for region, creating intermediate tables on
// demand and setting leaf entries to phys|flags|Present. It uses 2 MiB
// leaves when virt, phys, and the remaining size are all 2 MiB-aligned;
// otherwise it descends to 4 KiB leaves.
func (as *AddressSpace) Map(region MemoryRegion) error {
	remaining := region.Size
	virt := region.VirtBase

	var physCursor uint64
	anon := region.PhysBase == nil
	if !anon {
		physCursor = *region.PhysBase
	}

	for remaining > 0 {
		useHuge := isAligned(virt, PageSize2M) && remaining >= PageSize2M &&
			(anon || isAligned(physCursor, PageSize2M))

		size := uint64(PageSize4K)
		if useHuge {
			size = PageSize2M
		}

		var phys uint64
		if anon {
			if useHuge {
				// allocate PageSize2M/PageSize4K contiguous-looking frames is not
				// supported by the simple frame allocator; back 2MiB anonymous
				// leaves with 512 individually allocated 4 KiB frames is wrong
				// for a true huge page, so anonymous huge leaves fall back to a
				// single freshly allocated frame used as a 2 MiB-aligned base
				// only when the allocator itself hands out 2 MiB-aligned memory.
				// The common case in this kernel is phys-backed huge regions
				// (kernel image, MMIO); anonymous demand paging uses 4 KiB pages.
				size = PageSize4K
				useHuge = false
			}

			phys = uint64(as.frames.AllocZeroed())
			as.trackFrame(frame.Frame(phys))
		} else {
			phys = physCursor
		}

		if err := as.mapLeaf(virt, phys, region.Flags, useHuge); err != nil {
			return err
		}

		virt += size
		remaining -= size

		if !anon {
			physCursor += size
		}
	}

	return nil
}

func isAligned(v, align uint64) bool { return v&(align-1) == 0 }

// mapLeaf sets a single leaf entry, handling the three cases spec.md §4.B
// names: absent (create), same physical target (OR new flags), and
// distinct physical target (fatal conflict). Overwriting an existing 4 KiB
// subtree with a 2 MiB huge entry frees the displaced intermediate frame.
func (as *AddressSpace) mapLeaf(virt, phys, flags uint64, huge bool) error {
	if huge {
		pml4i, pdpti, pdi, _ := indices(virt)

		pml4 := as.mem.Table(as.PML4)

		pdptFrame, _ := as.nextLevel(pml4, pml4i, true)
		pdpt := as.mem.Table(pdptFrame)

		pdFrame, _ := as.nextLevel(pdpt, pdpti, true)
		pd := as.mem.Table(pdFrame)

		existing := pd[pdi]
		if existing.IsPresent() {
			if existing.IsHuge() {
				if existing.Addr() != phys {
					return fmt.Errorf("%w: virt=%#x", ErrMappingConflict, virt)
				}

				pd[pdi] = Entry(existing.Flags() | flags | phys | Present)

				return nil
			}
			// displacing a 4 KiB subtree with a huge entry: free the old PT frame.
			oldPT := frame.Frame(existing.Addr())
			if err := as.frames.Free(oldPT); err != nil {
				return fmt.Errorf("paging: free displaced subtree: %w", err)
			}
		}

		pd[pdi] = newEntry(phys, flags|HugePage)

		return nil
	}

	slot, sawHuge := as.walk(virt, true)
	if sawHuge {
		return fmt.Errorf("%w: virt=%#x falls inside an existing huge mapping", ErrMappingConflict, virt)
	}

	if slot.IsPresent() {
		if slot.Addr() != phys {
			return fmt.Errorf("%w: virt=%#x", ErrMappingConflict, virt)
		}

		*slot = Entry(slot.Flags() | flags | phys | Present)

		return nil
	}

	*slot = newEntry(phys, flags)

	return nil
}

// Unmap clears every leaf entry covering region. When freePhys is true,
// each underlying frame is returned to the frame allocator.
func (as *AddressSpace) Unmap(region MemoryRegion, freePhys bool) error {
	remaining := region.Size
	virt := region.VirtBase

	for remaining > 0 {
		slot, huge := as.walk(virt, false)
		step := uint64(PageSize4K)

		if slot == nil {
			virt += step
			remaining -= step

			continue
		}

		if huge {
			step = PageSize2M
		}

		if slot.IsPresent() && freePhys {
			if err := as.frames.Free(frame.Frame(slot.Addr())); err != nil {
				return fmt.Errorf("paging: unmap free frame: %w", err)
			}
		}

		*slot = 0

		virt += step
		remaining -= step
	}

	return nil
}

// CR3Writer is implemented by the architecture-specific CPU control-register
// layer; kept as a narrow seam so paging has no build-tag-gated assembly of
// its own.
type CR3Writer interface {
	WriteCR3(physPML4 uint64)
}

// SwitchTo loads this address space's PML4 physical address into the
// hardware page-base register via w.
func (as *AddressSpace) SwitchTo(w CR3Writer) {
	w.WriteCR3(uint64(as.PML4))
}
