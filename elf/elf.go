// Package elf implements the ELF loader (spec.md §4.L): parsing a static
// ELF64 executable's PT_LOAD segments and mapping them into a process's
// address space.
//
// Grounded on machine/machine.go's LoadLinux, which walks
// debug/elf.File.Progs for PT_LOAD entries and copies each segment's file
// bytes to its physical load address; retargeted from "copy into one flat
// guest-physical byte slice" (LoadLinux's m.mem[p.Paddr:]) to "map each
// segment's page range into a per-process AddressSpace, then copy through
// paging.AddressSpace.Translate + the physical-frame backing," since this
// kernel's processes don't get a flat identity-mapped view of memory.
package elf

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/coreforge/corekernel/frame"
	"github.com/coreforge/corekernel/paging"
	"github.com/coreforge/corekernel/process"
)

// ErrNotExecutable is returned when the file isn't a static ELF64
// executable -- spec.md §4.L scopes out dynamic linking and non-x86-64
// targets entirely.
var ErrNotExecutable = errors.New("elf: not a static ELF64 x86-64 executable")

// Segment is one PT_LOAD program header, trimmed to what the loader needs
// to map and populate it.
type Segment struct {
	VirtAddr   uint64
	MemSize    uint64
	Data       []byte // file-backed bytes; len(Data) <= MemSize, the rest is bss
	Writable   bool
	Executable bool
}

// Image is a parsed static ELF64 executable, satisfying process.ELFImage.
// It carries the parsed segment list that process.ELFImage's narrow
// interface deliberately doesn't expose -- Loader.Load recovers it via a
// type assertion, keeping the process package's dependency on elf limited
// to the one EntryPoint() method it actually uses.
type Image struct {
	entry    uint64
	segments []Segment

	// phdrVaddr is the virtual address of the Program Header table itself,
	// recovered from the PT_PHDR entry when present -- spec.md §4.L needs
	// it for the AT_PHDR auxv entry passed to a freshly loaded process.
	phdrVaddr uint64

	// textVaddr/textSize and ehFrameVaddr/ehFrameSize mirror the .text and
	// .eh_frame sections when the image carries a section header table;
	// all four are zero when the section is absent.
	textVaddr    uint64
	textSize     uint64
	ehFrameVaddr uint64
	ehFrameSize  uint64
}

// Parse reads a static ELF64 x86-64 executable from r.
func Parse(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("elf: parse: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, ErrNotExecutable
	}

	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, ErrNotExecutable
	}

	img := &Image{entry: f.Entry}

	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_PHDR:
			img.phdrVaddr = p.Vaddr

		case elf.PT_LOAD:
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("elf: read segment @%#x: %w", p.Vaddr, err)
			}

			img.segments = append(img.segments, Segment{
				VirtAddr:   p.Vaddr,
				MemSize:    p.Memsz,
				Data:       data,
				Writable:   p.Flags&elf.PF_W != 0,
				Executable: p.Flags&elf.PF_X != 0,
			})
		}
	}

	if s := f.Section(".text"); s != nil {
		img.textVaddr, img.textSize = s.Addr, s.Size
	}

	if s := f.Section(".eh_frame"); s != nil {
		img.ehFrameVaddr, img.ehFrameSize = s.Addr, s.Size
	}

	return img, nil
}

// EntryPoint satisfies process.ELFImage.
func (img *Image) EntryPoint() uint64 { return img.entry }

// Segments returns the parsed PT_LOAD segments in file order.
func (img *Image) Segments() []Segment { return img.segments }

const pageSize = paging.PageSize4K

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUp(v, align uint64) uint64   { return alignDown(v+align-1, align) }

// Loader maps an Image's PT_LOAD segments into a process's address space,
// satisfying process.ELFLoader.
type Loader struct {
	backing frame.Backing
}

// NewLoader builds a Loader that reaches physical frames through backing
// -- the kernel's direct physical-memory window in the booted kernel,
// a plain byte slice in tests.
func NewLoader(backing frame.Backing) *Loader {
	return &Loader{backing: backing}
}

// Load maps every PT_LOAD segment of elfImage into vm and copies its file
// contents in, zero-filling the bss tail (MemSize - len(Data)) implicitly
// since every anonymous page Map hands out comes pre-zeroed. It returns the
// ProcessMetadata spec.md §4.L requires: the mapped virtual address range,
// the Program Header table's vaddr, and .text/.eh_frame's addr/size.
func (l *Loader) Load(vm *paging.AddressSpace, elfImage process.ELFImage, _ process.File) (process.ProcessMetadata, error) {
	img, ok := elfImage.(*Image)
	if !ok {
		return process.ProcessMetadata{}, fmt.Errorf("elf: Load: %w", ErrNotExecutable)
	}

	var minAddr, maxAddr uint64
	haveAddr := false

	for _, seg := range img.Segments() {
		flags := uint64(paging.Present | paging.User)
		if seg.Writable {
			flags |= paging.Writable
		}

		if !seg.Executable {
			flags |= paging.NoExecute
		}

		mapStart := alignDown(seg.VirtAddr, pageSize)
		mapEnd := alignUp(seg.VirtAddr+seg.MemSize, pageSize)

		if err := vm.Map(paging.MemoryRegion{
			VirtBase: mapStart,
			Size:     mapEnd - mapStart,
			Flags:    flags,
		}); err != nil {
			return process.ProcessMetadata{}, fmt.Errorf("elf: map segment @%#x: %w", seg.VirtAddr, err)
		}

		if err := l.populate(vm, seg); err != nil {
			return process.ProcessMetadata{}, err
		}

		if !haveAddr || seg.VirtAddr < minAddr {
			minAddr = seg.VirtAddr
		}

		if end := seg.VirtAddr + seg.MemSize; !haveAddr || end > maxAddr {
			maxAddr = end
		}

		haveAddr = true
	}

	return process.ProcessMetadata{
		MinVirtAddr:     minAddr,
		MaxVirtAddr:     maxAddr,
		PHdrVirtAddr:    img.phdrVaddr,
		TextVirtAddr:    img.textVaddr,
		TextSize:        img.textSize,
		EHFrameVirtAddr: img.ehFrameVaddr,
		EHFrameSize:     img.ehFrameSize,
	}, nil
}

// populate copies seg.Data into the pages Load just mapped, one page at a
// time since consecutive virtual pages need not back onto consecutive
// physical frames.
func (l *Loader) populate(vm *paging.AddressSpace, seg Segment) error {
	remaining := bytes.NewReader(seg.Data)

	virt := seg.VirtAddr

	for remaining.Len() > 0 {
		phys, ok := vm.Translate(virt)
		if !ok {
			return fmt.Errorf("elf: segment byte @%#x not mapped", virt)
		}

		frameBase := frame.Frame(alignDown(phys, pageSize))
		offsetInPage := phys - uint64(frameBase)

		page := l.backing.At(frameBase)

		n, err := remaining.Read(page[offsetInPage:])
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("elf: copy segment bytes: %w", err)
		}

		virt += uint64(n)
	}

	return nil
}
