// Package kheap implements KernelHeap (spec.md §4.B's companion
// allocator): a growable best-fit heap built on top of PhysFrameAlloc and
// the paging mapper, used for the kernel's own dynamic allocations.
//
// Grounded on memory/memory.go's slot-growth pattern (the teacher grows
// guest memory by mmap'ing additional slots on demand) generalized into
// growing a kernel heap by mapping additional frames on demand, with a
// classic best-fit free-list allocator on top -- the allocator shape itself
// is grounded on migration/state.go's structBytes-style raw byte-header
// manipulation idiom (read/write fixed-layout headers directly over a byte
// slice rather than through a generic container).
package kheap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	blockMagic   = 0x4b48_4541 // "KHEA"
	headerSize   = 16
	minBlockSize = headerSize + 16
)

var (
	// ErrCorrupt is returned when a block header fails its magic check,
	// indicating heap corruption or a pointer that didn't come from this
	// heap.
	ErrCorrupt = errors.New("kheap: corrupt block header")

	// ErrNoFit is returned when no free block large enough exists and the
	// heap cannot grow further.
	ErrNoFit = errors.New("kheap: no free block fits request and heap cannot grow")
)

// Grower supplies additional backing memory to the heap on demand, mapping
// freshly allocated frames into the heap's virtual extent.
type Grower interface {
	// Grow maps at least size additional bytes starting at virtBase and
	// returns how many bytes were actually made available (implementations
	// may round up to page size).
	Grow(virtBase uint64, size uint64) (uint64, error)
}

// Memory gives the heap raw byte access to its own backing window.
type Memory interface {
	Slice(base uint64, size uint64) []byte
}

// block is the 16-byte header prefixing every block, free or allocated:
// magic (4 bytes), flags (4 bytes, bit 0 = free), total size including
// header (8 bytes). Free blocks carry no list pointers in their payload:
// allocation and coalescing find blocks by walking headers in address
// order from the heap base, so there is no separate free list.
type block struct {
	magic     uint32
	free      bool
	totalSize uint64
}

const flagFree = 1

func readBlock(buf []byte) (block, error) {
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != blockMagic {
		return block{}, ErrCorrupt
	}

	flags := binary.LittleEndian.Uint32(buf[4:8])
	size := binary.LittleEndian.Uint64(buf[8:16])

	return block{magic: magic, free: flags&flagFree != 0, totalSize: size}, nil
}

func writeBlock(buf []byte, b block) {
	binary.LittleEndian.PutUint32(buf[0:4], blockMagic)

	var flags uint32
	if b.free {
		flags |= flagFree
	}

	binary.LittleEndian.PutUint32(buf[4:8], flags)
	binary.LittleEndian.PutUint64(buf[8:16], b.totalSize)
}

// Heap is KernelHeap: a best-fit allocator over a growable virtual window.
// Not safe for concurrent use without an external lock, matching spec.md
// §5's "Kernel heap: one spin mutex" resource model.
type Heap struct {
	mem   Memory
	grow  Grower
	base  uint64
	limit uint64 // end of currently mapped (not necessarily fully used) window
}

// New creates an empty heap over [base, base) that grows lazily via grow.
func New(mem Memory, grow Grower, base uint64) *Heap {
	return &Heap{mem: mem, grow: grow, base: base, limit: base}
}

// Alloc returns a pointer (virtual address just past the header) to a block
// of at least size usable bytes, growing the heap if no free block fits.
func (h *Heap) Alloc(size uint64) (uint64, error) {
	need := alignUp(size+headerSize, 16)
	if need < minBlockSize {
		need = minBlockSize
	}

	addr, ok, err := h.findFit(need)
	if err != nil {
		return 0, err
	}

	if !ok {
		if err := h.growBy(need); err != nil {
			return 0, err
		}

		addr, ok, err = h.findFit(need)
		if err != nil {
			return 0, err
		}

		if !ok {
			return 0, ErrNoFit
		}
	}

	return addr + headerSize, nil
}

// findFit scans blocks in address order for the smallest free block that
// fits need (best-fit), splitting off the remainder when it is large
// enough to host its own block.
func (h *Heap) findFit(need uint64) (addr uint64, ok bool, err error) {
	bestAddr := uint64(0)
	bestSize := uint64(0)
	found := false

	for cur := h.base; cur < h.limit; {
		buf := h.mem.Slice(cur, headerSize)

		b, err := readBlock(buf)
		if err != nil {
			return 0, false, fmt.Errorf("kheap: scan at %#x: %w", cur, err)
		}

		if b.free && b.totalSize >= need && (!found || b.totalSize < bestSize) {
			bestAddr, bestSize, found = cur, b.totalSize, true
		}

		cur += b.totalSize
	}

	if !found {
		return 0, false, nil
	}

	if bestSize >= need+minBlockSize {
		h.splitBlock(bestAddr, need, bestSize)
	} else {
		need = bestSize
	}

	writeBlock(h.mem.Slice(bestAddr, headerSize), block{totalSize: need, free: false})

	return bestAddr, true, nil
}

func (h *Heap) splitBlock(addr, headSize, totalSize uint64) {
	writeBlock(h.mem.Slice(addr, headerSize), block{totalSize: headSize, free: false})

	tailAddr := addr + headSize
	tailSize := totalSize - headSize
	writeBlock(h.mem.Slice(tailAddr, headerSize), block{totalSize: tailSize, free: true})
}

// growBy extends the heap's mapped window by at least need bytes and
// formats the new space as a single free block, coalescing with the
// current final block when it is already free.
func (h *Heap) growBy(need uint64) error {
	grown, err := h.grow.Grow(h.limit, need)
	if err != nil {
		return fmt.Errorf("kheap: grow: %w", err)
	}

	newBlockAddr := h.limit
	newBlockSize := grown

	if prevAddr, prevSize, ok := h.lastBlock(); ok {
		buf := h.mem.Slice(prevAddr, headerSize)

		b, err := readBlock(buf)
		if err == nil && b.free {
			newBlockAddr = prevAddr
			newBlockSize = prevSize + grown
		}
	}

	writeBlock(h.mem.Slice(newBlockAddr, headerSize), block{totalSize: newBlockSize, free: true})
	h.limit += grown

	return nil
}

func (h *Heap) lastBlock() (addr uint64, size uint64, ok bool) {
	for cur := h.base; cur < h.limit; {
		buf := h.mem.Slice(cur, headerSize)

		b, err := readBlock(buf)
		if err != nil {
			return 0, 0, false
		}

		if cur+b.totalSize >= h.limit {
			return cur, b.totalSize, true
		}

		cur += b.totalSize
	}

	return 0, 0, false
}

// Free returns the block at ptr (as returned by Alloc) to the free list,
// coalescing with an immediately following free neighbor. Coalescing with
// the preceding neighbor requires a backward scan from h.base, which this
// implementation performs since the heap has no back-pointers in headers.
func (h *Heap) Free(ptr uint64) error {
	addr := ptr - headerSize
	if addr < h.base || addr >= h.limit {
		return fmt.Errorf("%w: %#x outside heap window", ErrCorrupt, ptr)
	}

	buf := h.mem.Slice(addr, headerSize)

	b, err := readBlock(buf)
	if err != nil {
		return err
	}

	if b.free {
		return fmt.Errorf("%w: double free at %#x", ErrCorrupt, ptr)
	}

	b.free = true

	if next := addr + b.totalSize; next < h.limit {
		nb, err := readBlock(h.mem.Slice(next, headerSize))
		if err == nil && nb.free {
			b.totalSize += nb.totalSize
		}
	}

	writeBlock(h.mem.Slice(addr, headerSize), b)

	h.coalesceBackward(addr)

	return nil
}

// coalesceBackward merges addr's block into its immediate predecessor if
// that predecessor is also free, found by a linear scan from h.base.
func (h *Heap) coalesceBackward(addr uint64) {
	for cur := h.base; cur < addr; {
		b, err := readBlock(h.mem.Slice(cur, headerSize))
		if err != nil {
			return
		}

		next := cur + b.totalSize
		if next == addr && b.free {
			target, err := readBlock(h.mem.Slice(addr, headerSize))
			if err != nil {
				return
			}

			b.totalSize += target.totalSize
			writeBlock(h.mem.Slice(cur, headerSize), b)

			return
		}

		cur = next
	}
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }
