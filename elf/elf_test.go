package elf_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/coreforge/corekernel/elf"
	"github.com/coreforge/corekernel/frame"
	"github.com/coreforge/corekernel/paging"
	"github.com/coreforge/corekernel/process"
)

// elf64Header and elf64ProgHeader mirror the ELF64 on-disk layout field for
// field so encoding/binary.Write serializes them with no inserted padding,
// letting the test build a synthetic executable without depending on a
// real linker.
type elf64Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf64ProgHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

const (
	etExec    = 2
	etDyn     = 3
	emX86_64  = 62
	ptLoad    = 1
	ptPhdr    = 6
	pfX       = 1
	pfW       = 2
	pfR       = 4
	elfClass2 = 2 // ELFCLASS64
	elfData2  = 1 // ELFDATA2LSB

	shtNull     = 0
	shtProgbits = 1
	shtStrtab   = 3
)

type elf64SectionHeader struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func newIdent(class byte) [16]byte {
	var ident [16]byte
	copy(ident[:], []byte{0x7f, 'E', 'L', 'F'})
	ident[4] = class
	ident[5] = elfData2
	ident[6] = 1 // EI_VERSION

	return ident
}

// buildELF assembles a minimal ELF64 ET_EXEC image with the given program
// headers and per-segment file contents, header + phdrs followed by each
// segment's raw bytes back to back.
func buildELF(t *testing.T, entry uint64, segs []elf64ProgHeader, data [][]byte) []byte {
	t.Helper()

	const headerSize = 64
	const phdrSize = 56

	phoff := uint64(headerSize)
	dataOff := phoff + uint64(len(segs))*phdrSize

	for i := range segs {
		segs[i].Offset = dataOff
		dataOff += segs[i].Filesz
	}

	hdr := elf64Header{
		Ident:     newIdent(elfClass2),
		Type:      etExec,
		Machine:   emX86_64,
		Version:   1,
		Entry:     entry,
		Phoff:     phoff,
		Ehsize:    headerSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(segs)),
	}

	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}

	for _, p := range segs {
		if err := binary.Write(&buf, binary.LittleEndian, p); err != nil {
			t.Fatalf("write phdr: %v", err)
		}
	}

	for _, d := range data {
		buf.Write(d)
	}

	return buf.Bytes()
}

func TestParseReadsEntryAndLoadSegments(t *testing.T) {
	t.Parallel()

	codeData := []byte("ABCDEFGHIJ")

	dataData := make([]byte, 6000)
	for i := range dataData {
		dataData[i] = byte(i % 251)
	}

	const (
		codeVaddr = 0x400000
		dataVaddr = 0x402000
		dataMemsz = 8192
	)

	segs := []elf64ProgHeader{
		{Type: ptLoad, Flags: pfR | pfX, Vaddr: codeVaddr, Filesz: uint64(len(codeData)), Memsz: uint64(len(codeData))},
		{Type: ptLoad, Flags: pfR | pfW, Vaddr: dataVaddr, Filesz: uint64(len(dataData)), Memsz: dataMemsz},
	}

	raw := buildELF(t, codeVaddr, segs, [][]byte{codeData, dataData})

	img, err := elf.Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if img.EntryPoint() != codeVaddr {
		t.Fatalf("EntryPoint = %#x, want %#x", img.EntryPoint(), codeVaddr)
	}

	got := img.Segments()
	if len(got) != 2 {
		t.Fatalf("len(Segments) = %d, want 2", len(got))
	}

	code, data := got[0], got[1]

	if code.VirtAddr != codeVaddr || !code.Executable || code.Writable {
		t.Fatalf("code segment = %+v", code)
	}

	if !bytes.Equal(code.Data, codeData) {
		t.Fatalf("code segment data = %q, want %q", code.Data, codeData)
	}

	if data.VirtAddr != dataVaddr || data.Executable || !data.Writable {
		t.Fatalf("data segment = %+v", data)
	}

	if data.MemSize != dataMemsz || len(data.Data) != len(dataData) {
		t.Fatalf("data segment sizes = memsz %d data %d, want %d %d", data.MemSize, len(data.Data), dataMemsz, len(dataData))
	}

	if !bytes.Equal(data.Data, dataData) {
		t.Fatal("data segment bytes do not match source")
	}
}

func TestParseRejectsWrongMachine(t *testing.T) {
	t.Parallel()

	const emAARCH64 = 183

	segs := []elf64ProgHeader{{Type: ptLoad, Flags: pfR, Vaddr: 0x1000, Filesz: 4, Memsz: 4}}
	raw := buildELF(t, 0x1000, segs, [][]byte{{1, 2, 3, 4}})

	// e_machine sits right after e_type in the ELF64 header (offset 18);
	// overwrite it with an unsupported machine while leaving every other
	// field -- including e_type -- valid, so Parse's rejection is known
	// to come from the machine check rather than a malformed header.
	binary.LittleEndian.PutUint16(raw[18:20], emAARCH64)

	if _, err := elf.Parse(bytes.NewReader(raw)); !errors.Is(err, elf.ErrNotExecutable) {
		t.Fatalf("Parse: err = %v, want ErrNotExecutable", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := elf.Parse(bytes.NewReader([]byte("not an elf file"))); err == nil {
		t.Fatal("expected Parse to reject a non-ELF file")
	}
}

type fakeBacking struct{ mem []byte }

func (f *fakeBacking) At(addr frame.Frame) []byte {
	a := uint64(addr)
	return f.mem[a : a+frame.PageSize]
}

type fakeMemory struct{ tables map[frame.Frame]*paging.Table }

func newFakeMemory() *fakeMemory { return &fakeMemory{tables: map[frame.Frame]*paging.Table{}} }

func (m *fakeMemory) Table(f frame.Frame) *paging.Table {
	t, ok := m.tables[f]
	if !ok {
		t = &paging.Table{}
		m.tables[f] = t
	}

	return t
}

func newTestAddressSpace(t *testing.T, nFrames int) (*paging.AddressSpace, *fakeBacking) {
	t.Helper()

	size := uint64(nFrames+1) * frame.PageSize
	backing := &fakeBacking{mem: make([]byte, size+0x500000)}

	base := uint64(0x400000)
	regions := []frame.Region{{Base: base, Length: uint64(nFrames) * frame.PageSize, Usable: true}}

	alloc, err := frame.New(backing, regions, 0)
	if err != nil {
		t.Fatalf("frame.New: %v", err)
	}

	var mem paging.Memory = newFakeMemory()

	return paging.New(mem, alloc, nil), backing
}

// readVirtual mirrors Loader.populate's page-by-page translate-and-copy
// loop, used here only to read back what Load wrote.
func readVirtual(t *testing.T, vm *paging.AddressSpace, backing *fakeBacking, virt uint64, n int) []byte {
	t.Helper()

	const pageSize = frame.PageSize

	out := make([]byte, 0, n)

	for len(out) < n {
		phys, ok := vm.Translate(virt)
		if !ok {
			t.Fatalf("virt %#x not mapped", virt)
		}

		pageOff := phys % pageSize
		frameBase := frame.Frame(phys - pageOff)
		page := backing.At(frameBase)

		take := n - len(out)
		if avail := int(pageSize - pageOff); take > avail {
			take = avail
		}

		out = append(out, page[pageOff:pageOff+uint64(take)]...)
		virt += uint64(take)
	}

	return out
}

func TestLoaderLoadCopiesSegmentsAcrossPagesAndZeroFillsBSS(t *testing.T) {
	t.Parallel()

	codeData := []byte("ABCDEFGHIJ")

	dataData := make([]byte, 6000)
	for i := range dataData {
		dataData[i] = byte(i % 251)
	}

	const (
		codeVaddr = 0x400000
		dataVaddr = 0x402000
		dataMemsz = 8192
	)

	segs := []elf64ProgHeader{
		{Type: ptLoad, Flags: pfR | pfX, Vaddr: codeVaddr, Filesz: uint64(len(codeData)), Memsz: uint64(len(codeData))},
		{Type: ptLoad, Flags: pfR | pfW, Vaddr: dataVaddr, Filesz: uint64(len(dataData)), Memsz: dataMemsz},
	}

	raw := buildELF(t, codeVaddr, segs, [][]byte{codeData, dataData})

	img, err := elf.Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	vm, backing := newTestAddressSpace(t, 4096)
	loader := elf.NewLoader(backing)

	meta, err := loader.Load(vm, img, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantMax := uint64(dataVaddr + dataMemsz)
	if meta.MaxVirtAddr != wantMax {
		t.Fatalf("MaxVirtAddr = %#x, want %#x", meta.MaxVirtAddr, wantMax)
	}

	if meta.MinVirtAddr != codeVaddr {
		t.Fatalf("MinVirtAddr = %#x, want %#x", meta.MinVirtAddr, codeVaddr)
	}

	if got := readVirtual(t, vm, backing, codeVaddr, len(codeData)); !bytes.Equal(got, codeData) {
		t.Fatalf("code bytes = %q, want %q", got, codeData)
	}

	if got := readVirtual(t, vm, backing, dataVaddr, len(dataData)); !bytes.Equal(got, dataData) {
		t.Fatal("data bytes across the page boundary do not match source")
	}

	bssStart := dataVaddr + uint64(len(dataData))
	bssLen := dataMemsz - len(dataData)

	bss := readVirtual(t, vm, backing, bssStart, bssLen)
	for i, b := range bss {
		if b != 0 {
			t.Fatalf("bss byte %d = %#x, want 0 (anonymous pages come pre-zeroed)", i, b)
		}
	}

	if !vm.IsMapped(codeVaddr) || !vm.IsMapped(dataVaddr) {
		t.Fatal("expected both segment ranges to be mapped")
	}
}

type fakeELFImage struct{}

func (fakeELFImage) EntryPoint() uint64 { return 0 }

func TestParseAcceptsSharedObjectType(t *testing.T) {
	t.Parallel()

	segs := []elf64ProgHeader{{Type: ptLoad, Flags: pfR | pfX, Vaddr: 0x1000, Filesz: 4, Memsz: 4}}
	raw := buildELF(t, 0x1000, segs, [][]byte{{1, 2, 3, 4}})

	// e_type sits at offset 16 in the ELF64 header; flip ET_EXEC to
	// ET_DYN while leaving everything else (including e_machine) valid.
	binary.LittleEndian.PutUint16(raw[16:18], etDyn)

	if _, err := elf.Parse(bytes.NewReader(raw)); err != nil {
		t.Fatalf("Parse: err = %v, want ET_DYN accepted", err)
	}
}

// buildELFWithMetadata assembles an ET_EXEC image carrying a PT_PHDR
// program header (so AT_PHDR can be recovered) and a section header table
// with .text and .eh_frame entries, exercising the fields buildELF's
// minimal program-header-only images never populate.
func buildELFWithMetadata(t *testing.T, codeVaddr uint64, codeData []byte) ([]byte, uint64) {
	t.Helper()

	const headerSize = 64
	const phdrSize = 56
	const shdrSize = 64

	loadSeg := elf64ProgHeader{Type: ptLoad, Flags: pfR | pfX, Vaddr: codeVaddr, Filesz: uint64(len(codeData)), Memsz: uint64(len(codeData))}

	phoff := uint64(headerSize)
	phdrVaddr := codeVaddr + 0x10000 // anywhere distinct from the load segment, matching a real PIE's separate PT_PHDR mapping

	phdrSeg := elf64ProgHeader{Type: ptPhdr, Flags: pfR, Vaddr: phdrVaddr, Offset: phoff, Filesz: 2 * phdrSize, Memsz: 2 * phdrSize}

	segs := []elf64ProgHeader{phdrSeg, loadSeg}

	dataOff := phoff + uint64(len(segs))*phdrSize
	segs[1].Offset = dataOff
	codeOff := dataOff
	dataOff += uint64(len(codeData))

	shstrtab := []byte{0} // index 0: empty name
	nullNameOff := uint32(0)
	textNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".text\x00")...)
	ehNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".eh_frame\x00")...)
	shstrNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".shstrtab\x00")...)

	shstrOff := dataOff
	dataOff += uint64(len(shstrtab))

	shoff := dataOff

	sections := []elf64SectionHeader{
		{Name: nullNameOff, Type: shtNull},
		{Name: textNameOff, Type: shtProgbits, Addr: codeVaddr, Offset: codeOff, Size: uint64(len(codeData))},
		{Name: ehNameOff, Type: shtProgbits, Addr: codeVaddr + 0x1000, Offset: codeOff, Size: 32},
		{Name: shstrNameOff, Type: shtStrtab, Offset: shstrOff, Size: uint64(len(shstrtab))},
	}

	hdr := elf64Header{
		Ident:     newIdent(elfClass2),
		Type:      etExec,
		Machine:   emX86_64,
		Version:   1,
		Entry:     codeVaddr,
		Phoff:     phoff,
		Shoff:     shoff,
		Ehsize:    headerSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(segs)),
		Shentsize: shdrSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  3,
	}

	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}

	for _, p := range segs {
		if err := binary.Write(&buf, binary.LittleEndian, p); err != nil {
			t.Fatalf("write phdr: %v", err)
		}
	}

	buf.Write(codeData)
	buf.Write(shstrtab)

	for _, s := range sections {
		if err := binary.Write(&buf, binary.LittleEndian, s); err != nil {
			t.Fatalf("write shdr: %v", err)
		}
	}

	return buf.Bytes(), phdrVaddr
}

func TestLoaderLoadRecordsProcessMetadata(t *testing.T) {
	t.Parallel()

	const codeVaddr = 0x400000

	codeData := []byte("ABCDEFGHIJ")

	raw, wantPHdrVaddr := buildELFWithMetadata(t, codeVaddr, codeData)

	img, err := elf.Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	vm, backing := newTestAddressSpace(t, 16)
	loader := elf.NewLoader(backing)

	meta, err := loader.Load(vm, img, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if meta.PHdrVirtAddr != wantPHdrVaddr {
		t.Fatalf("PHdrVirtAddr = %#x, want %#x", meta.PHdrVirtAddr, wantPHdrVaddr)
	}

	if meta.TextVirtAddr != codeVaddr || meta.TextSize != uint64(len(codeData)) {
		t.Fatalf(".text = (%#x, %d), want (%#x, %d)", meta.TextVirtAddr, meta.TextSize, codeVaddr, len(codeData))
	}

	if meta.EHFrameVirtAddr != codeVaddr+0x1000 || meta.EHFrameSize != 32 {
		t.Fatalf(".eh_frame = (%#x, %d), want (%#x, %d)", meta.EHFrameVirtAddr, meta.EHFrameSize, codeVaddr+0x1000, 32)
	}
}

func TestLoaderLoadRejectsForeignELFImage(t *testing.T) {
	t.Parallel()

	vm, backing := newTestAddressSpace(t, 16)
	loader := elf.NewLoader(backing)

	var img process.ELFImage = fakeELFImage{}

	if _, err := loader.Load(vm, img, nil); !errors.Is(err, elf.ErrNotExecutable) {
		t.Fatalf("Load: err = %v, want ErrNotExecutable", err)
	}
}
