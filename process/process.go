// Package process implements spec.md §4.H: a Process owns one user address
// space, a saved register context, a file descriptor table, and the
// bookkeeping for its heap window.
//
// Grounded on original_source's process/mod.rs for the allocate_process
// sequence (stack placement, heap base selection, initial register state)
// and fd table semantics (push_file/attach_file_to_fd/take_file/put_file),
// and on migration/state.go's structBytes/copyStruct generics for snapshotting
// a fixed-layout register struct into a byte slice -- retargeted here from
// "serialize a *kvm.Regs for live migration" to "snapshot a ProcessContext
// across a scheduler switch".
package process

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/coreforge/corekernel/cpu"
	"github.com/coreforge/corekernel/frame"
	"github.com/coreforge/corekernel/paging"
)

const (
	page4K = 0x1000
	page2M = 0x20_0000

	// maxUserVirtualAddress is the top of the canonical lower half; every
	// process's stack and heap live below it.
	maxUserVirtualAddress = uint64(1) << 47

	initialStackPages = 4
	heapOffsetFromElfEnd = 1 << 20 // 1 MiB
	defaultMaxHeapSize   = 1 << 30 // 1 GiB

	flagsIF = 1 << 9
)

// ErrNoSuchFD is returned by operations that require an existing, open file
// descriptor.
var ErrNoSuchFD = errors.New("process: no such file descriptor")

// ErrFDExists is returned when attaching or pushing a file would silently
// clobber an already-open descriptor.
var ErrFDExists = errors.New("process: file descriptor already in use")

// ErrHeapRange is returned when add_to_heap would move the heap window
// outside [0, heap_max] or the requested delta isn't page-aligned.
var ErrHeapRange = errors.New("process: heap adjustment out of range")

// State is the lifecycle state of a Process, per spec.md §4.H/§4.I.
type State int

const (
	Scheduled State = iota
	Running
	Yielded
	Sleeping
	Exited
)

// FxSave is the 512-byte SSE/x87 state area saved and restored around a
// context switch, aligned for FXSAVE/FXRSTOR.
type FxSave [64]uint64

// Context is the full saved register state of a process, restored by the
// scheduler vector handler on the way back to user mode. Field order and
// presence mirror the trap frame the low-level dispatch stubs build; it
// carries the debug registers and FPU state alongside the general-purpose
// ones because both must survive a cooperative switch intact.
type Context struct {
	RFlags uint64
	RIP    uint64
	CS     uint64
	DS     uint64
	ES     uint64
	FS     uint64
	GS     uint64
	SS     uint64
	DR0, DR1, DR2, DR3, DR6, DR7 uint64
	RAX, RBX, RCX, RDX uint64
	RSI, RDI uint64
	RSP, RBP uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	FXSave FxSave
}

// structBytes returns a byte slice aliasing v's memory, letting a fixed-size
// context be copied as an opaque blob -- grounded on migration/state.go's
// helper of the same name.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// Snapshot returns a standalone copy of c's bytes, safe to store across a
// switch even if the original Context is reused in place.
func (c *Context) Snapshot() []byte {
	src := structBytes(c)
	dst := make([]byte, len(src))
	copy(dst, src)

	return dst
}

// Restore overwrites *c from a byte slice produced by Snapshot.
func (c *Context) Restore(b []byte) error {
	size := int(unsafe.Sizeof(*c))
	if len(b) < size {
		return fmt.Errorf("process: context snapshot too small: got %d want %d", len(b), size)
	}

	copy(structBytes(c), b[:size])

	return nil
}

// File is the narrow surface Process needs from an open file handle; the
// vfs package's concrete File type satisfies it.
type File interface {
	Close() error
}

// ELFImage is the narrow surface Process needs from a loaded ELF binary.
type ELFImage interface {
	EntryPoint() uint64
}

// ProcessMetadata records the layout facts spec.md §4.L requires the ELF
// loader to surface to (H): the minimum and maximum mapped virtual
// addresses, the Program Header table's own virtual address (for the
// AT_PHDR auxv entry), and the address/size of .text and .eh_frame when
// present (zero when absent).
type ProcessMetadata struct {
	MinVirtAddr uint64
	MaxVirtAddr uint64

	PHdrVirtAddr uint64

	TextVirtAddr uint64
	TextSize     uint64

	EHFrameVirtAddr uint64
	EHFrameSize     uint64
}

// ELFLoader maps elf's PT_LOAD segments into vm and returns the resulting
// ProcessMetadata, per spec.md §4.L.
type ELFLoader interface {
	Load(vm *paging.AddressSpace, elf ELFImage, file File) (ProcessMetadata, error)
}

// idAllocator hands out monotonically increasing ids, mirroring the
// original's GoingUpAllocator (a bare atomic counter, no reuse).
type idAllocator struct{ next uint64 }

func (a *idAllocator) allocate() uint64 {
	id := a.next
	a.next++

	return id
}

var processIDs idAllocator

// Process is one schedulable unit of execution: its own address space, a
// saved register context, and a table of open files.
type Process struct {
	vm      *paging.AddressSpace
	context Context
	id      uint64
	parentID uint64

	files   map[int]File
	fileIDs idAllocator

	argv []string

	metadata ProcessMetadata

	heapStart uint64
	heapSize  uint64
	heapMax   uint64

	state    State
	exitCode uint64
}

// Allocate builds a fresh Process: a new address space sharing the kernel
// half, a guarded user stack at the top of user space, the loaded ELF
// image, and a heap window placed 1 MiB above the ELF's highest address
// and 2 MiB-aligned. Per spec.md §4.H, initial register state points RIP at
// the entry point, RSP at the top of the stack, CS/SS/DS/ES/FS/GS at the
// user segments with RPL=3, and RFLAGS.IF set.
func Allocate(parentID uint64, mem paging.Memory, frames *frame.Allocator,
	loader ELFLoader, elf ELFImage, file File, argv []string, userCS, userDS uint16,
) (*Process, error) {
	id := processIDs.allocate()

	vm := paging.New(mem, frames, nil)

	stackEnd := maxUserVirtualAddress - page4K
	stackSize := uint64(initialStackPages * page4K)
	stackStart := stackEnd - stackSize

	if err := vm.Map(paging.MemoryRegion{
		VirtBase: stackStart,
		Size:     stackSize,
		Flags:    paging.User | paging.Writable,
	}); err != nil {
		return nil, fmt.Errorf("process: map initial stack: %w", err)
	}

	metadata, err := loader.Load(vm, elf, file)
	if err != nil {
		return nil, fmt.Errorf("process: load elf: %w", err)
	}

	heapStart := alignUp(metadata.MaxVirtAddr+heapOffsetFromElfEnd, page2M)

	p := &Process{
		vm:       vm,
		id:       id,
		parentID: parentID,
		files:    map[int]File{},
		argv:     argv,
		metadata: metadata,
		heapStart: heapStart,
		heapSize:  0,
		heapMax:   defaultMaxHeapSize,
		state:     Scheduled,
	}

	entry := elf.EntryPoint()
	p.context.RIP = entry
	p.context.RSP = stackEnd - 8
	p.context.CS = uint64(userCS)
	p.context.DS = uint64(userDS)
	p.context.ES = uint64(userDS)
	p.context.FS = uint64(userDS)
	p.context.GS = uint64(userDS)
	p.context.SS = uint64(userDS)
	p.context.RFlags = flagsIF

	return p, nil
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// ID returns the process's monotonically assigned id.
func (p *Process) ID() uint64 { return p.id }

// ParentID returns the id of the process that spawned this one.
func (p *Process) ParentID() uint64 { return p.parentID }

// State returns the process's current lifecycle state.
func (p *Process) State() State { return p.state }

// ExitCode returns the code passed to Exit; meaningful only once State() is
// Exited.
func (p *Process) ExitCode() uint64 { return p.exitCode }

// AddressSpace returns the process's address space, for the scheduler to
// switch into on dispatch.
func (p *Process) AddressSpace() *paging.AddressSpace { return p.vm }

// Metadata returns the ELF layout facts recorded when this process was
// loaded (AT_PHDR, .text/.eh_frame, mapped address range).
func (p *Process) Metadata() ProcessMetadata { return p.metadata }

// Context returns a pointer to the process's saved register context.
func (p *Process) Context() *Context { return &p.context }

// PushFile allocates the next unused fd and stores file under it.
func (p *Process) PushFile(file File) int {
	fd := int(p.fileIDs.allocate())

	if _, exists := p.files[fd]; exists {
		panic("process: fd already exists")
	}

	p.files[fd] = file

	return fd
}

// AttachFileToFD installs file at a caller-chosen fd, failing if that fd is
// already in use. Used by a spawner to preplace stdin/stdout/stderr before
// the child runs. Advances the allocator past fd so a later PushFile can't
// collide with it.
func (p *Process) AttachFileToFD(fd int, file File) error {
	if _, exists := p.files[fd]; exists {
		return ErrFDExists
	}

	if uint64(fd)+1 > p.fileIDs.next {
		p.fileIDs.next = uint64(fd) + 1
	}

	p.files[fd] = file

	return nil
}

// GetFile returns the open file at fd without transferring ownership.
func (p *Process) GetFile(fd int) (File, error) {
	f, ok := p.files[fd]
	if !ok {
		return nil, ErrNoSuchFD
	}

	return f, nil
}

// TakeFile removes and returns the file at fd, transferring ownership to
// the caller (used when inheriting an fd into a child process).
func (p *Process) TakeFile(fd int) (File, error) {
	f, ok := p.files[fd]
	if !ok {
		return nil, ErrNoSuchFD
	}

	delete(p.files, fd)

	return f, nil
}

// PutFile installs file back at fd, failing if fd is already occupied.
func (p *Process) PutFile(fd int, file File) error {
	if _, exists := p.files[fd]; exists {
		return ErrFDExists
	}

	p.files[fd] = file

	return nil
}

// Exit transitions the process to Exited and records its exit code.
func (p *Process) Exit(code uint64) {
	p.state = Exited
	p.exitCode = code
}

// SetState transitions the process's lifecycle state, used by the scheduler.
func (p *Process) SetState(s State) { p.state = s }

// HeapEnd returns the current end of the heap window without adjusting it,
// equivalent to AddToHeap(0).
func (p *Process) HeapEnd() uint64 { return p.heapStart + p.heapSize }

// AddToHeap grows or shrinks the heap window by increment bytes (which must
// be 4 KiB-aligned in absolute value) and returns the end of the heap
// *before* the change -- so a positive increment's return value is the
// address of the newly available block, per spec.md §8's scenario 3:
// inc_heap(0) returns A; inc_heap(+8192) returns A; inc_heap(0) returns
// A+8192; inc_heap(-4096) returns A+8192; inc_heap(0) returns A+4096.
func (p *Process) AddToHeap(increment int64) (uint64, error) {
	if increment == 0 {
		return p.HeapEnd(), nil
	}

	abs := increment
	if abs < 0 {
		abs = -abs
	}

	if uint64(abs)%page4K != 0 {
		return 0, ErrHeapRange
	}

	newSize := int64(p.heapSize) + increment
	if newSize < 0 || uint64(newSize) > p.heapMax {
		return 0, ErrHeapRange
	}

	oldEnd := p.heapStart + p.heapSize
	p.heapSize = uint64(newSize)

	if increment > 0 {
		if err := p.vm.Map(paging.MemoryRegion{
			VirtBase: oldEnd,
			Size:     uint64(increment),
			Flags:    paging.User | paging.Writable,
		}); err != nil {
			return 0, fmt.Errorf("process: grow heap: %w", err)
		}
	} else {
		newEnd := oldEnd - uint64(abs)
		if err := p.vm.Unmap(paging.MemoryRegion{
			VirtBase: newEnd,
			Size:     uint64(abs),
		}, true); err != nil {
			return 0, fmt.Errorf("process: shrink heap: %w", err)
		}
	}

	return oldEnd, nil
}

// IsUserAddressMapped reports whether address is mapped in this process's
// address space, used by the syscall layer to validate user pointers
// before trusting them (spec.md §8 scenario 5).
func (p *Process) IsUserAddressMapped(address uint64) bool {
	return p.vm.IsMapped(address) && address < maxUserVirtualAddress
}

// SwitchTo loads this process's address space as the active one.
func (p *Process) SwitchTo(w paging.CR3Writer) { p.vm.SwitchTo(w) }

// Destroy frees every frame and intermediate table the process's address
// space owns in the user half, mirroring the original's Drop impl.
func (p *Process) Destroy() error { return p.vm.Destroy() }

// SpawnFileMapping names one fd to carry from a spawner into its child,
// per spec.md §4.H: "child inherits fds via explicit SpawnFileMapping
// {source_fd, dest_fd} pairs; unspecified fds are not passed." SourceFD
// names an fd open in the spawner, DestFD the fd it appears at in the
// child.
type SpawnFileMapping struct {
	SourceFD int
	DestFD   int
}

// Spawn allocates a child process running elf and installs mappings into
// its fd table. The spawner loses ownership of every mapped fd -- each
// SourceFD is removed from p's own table via TakeFile before being
// installed in the child, matching spec.md §4.H's ownership-transfer rule.
func (p *Process) Spawn(mem paging.Memory, frames *frame.Allocator, loader ELFLoader,
	elf ELFImage, file File, argv []string, userCS, userDS uint16, mappings []SpawnFileMapping,
) (*Process, error) {
	child, err := Allocate(p.id, mem, frames, loader, elf, file, argv, userCS, userDS)
	if err != nil {
		return nil, fmt.Errorf("process: spawn: %w", err)
	}

	for _, m := range mappings {
		f, err := p.TakeFile(m.SourceFD)
		if err != nil {
			return nil, fmt.Errorf("process: spawn: source fd %d: %w", m.SourceFD, err)
		}

		if err := child.AttachFileToFD(m.DestFD, f); err != nil {
			return nil, fmt.Errorf("process: spawn: dest fd %d: %w", m.DestFD, err)
		}
	}

	return child, nil
}

// UserSelectors returns the CS/DS pair Allocate should be called with for a
// ring-3 process, given the kernel's GDT layout.
func UserSelectors() (cs, ds uint16) {
	return cpu.Selector(cpu.SelUserCode, 3), cpu.Selector(cpu.SelUserData, 3)
}
