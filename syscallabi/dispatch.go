package syscallabi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"unicode/utf8"

	"github.com/coreforge/corekernel/devices"
	"github.com/coreforge/corekernel/elf"
	"github.com/coreforge/corekernel/frame"
	"github.com/coreforge/corekernel/paging"
	"github.com/coreforge/corekernel/process"
	"github.com/coreforge/corekernel/sched"
	"github.com/coreforge/corekernel/vfs"
)

// Dispatcher is the syscall vector handler (spec.md §4.G's dispatch target,
// §6's syscall table): it decodes a trapped RegisterContext into one of the
// NumSyscalls operations, performs it against the process, vfs, and
// scheduler state the kernel actually owns, and packs the result back into
// the wire format Pack/PackError define. One Dispatcher is shared by every
// process; it carries no per-call state of its own.
//
// Grounded on original_source's kernel_user_link/src/syscalls.rs for the
// argument layout and error taxonomy this package already mirrors, and on
// the teacher's kvm.Run exit-reason switch (kvm/kvm.go) for the overall
// "decode one trapped number, dispatch to a handler, return a packed
// result" shape -- retargeted from a VM-exit reason to a syscall vector.
type Dispatcher struct {
	mounts    *vfs.MountTable
	scheduler *sched.Scheduler
	mem       paging.Memory
	frames    *frame.Allocator
	backing   frame.Backing
	loader    process.ELFLoader
	userCS    uint16
	userDS    uint16
}

// NewDispatcher builds a Dispatcher over the kernel's live VFS mount table,
// scheduler, address-space plumbing, and physical-memory backing. backing
// is the same direct physical-to-virtual window frame.Allocator and
// elf.Loader already use to reach frame bytes; the dispatcher reuses it to
// copy syscall arguments and results across the user/kernel boundary.
func NewDispatcher(mounts *vfs.MountTable, scheduler *sched.Scheduler, mem paging.Memory,
	frames *frame.Allocator, backing frame.Backing, loader process.ELFLoader, userCS, userDS uint16,
) *Dispatcher {
	return &Dispatcher{
		mounts: mounts, scheduler: scheduler, mem: mem, frames: frames,
		backing: backing, loader: loader, userCS: userCS, userDS: userDS,
	}
}

// Dispatch decodes num's arguments out of regs, performs the syscall on
// behalf of p, and returns the already-packed wire value -- success or
// error, per Pack/PackError. The low-level syscall trampoline is expected
// to place this value directly into RAX before IRETQ, mirroring the
// original's syscall_handler_wrapper.
func (d *Dispatcher) Dispatch(p *process.Process, num Number, regs RegisterContext) uint64 {
	if num >= NumSyscalls {
		return PackError(&Error{Category: CatSyscallNotFound})
	}

	value, sysErr := d.dispatch(p, num, regs)
	if sysErr != nil {
		return PackError(sysErr)
	}

	packed, err := Pack(value)
	if err != nil {
		// A handler produced a value with the error bit set -- a bug in
		// this package, not a user-facing condition -- but the wire format
		// has nowhere else to put it, so report it as an opaque code
		// rather than silently truncating the high bit away.
		return PackError(&Error{Category: CatInvalidErrorCode, Raw: value})
	}

	return packed
}

func (d *Dispatcher) dispatch(p *process.Process, num Number, regs RegisterContext) (uint64, *Error) {
	switch num {
	case Open:
		return d.sysOpen(p, regs)
	case Write:
		return d.sysWrite(p, regs)
	case Read:
		return d.sysRead(p, regs)
	case Close:
		return d.sysClose(p, regs)
	case SetBlockingMode:
		return d.sysSetBlockingMode(p, regs)
	case Exit:
		return d.sysExit(p, regs)
	case Spawn:
		return d.sysSpawn(p, regs)
	case IncHeap:
		return d.sysIncHeap(p, regs)
	case CreatePipe:
		return d.sysCreatePipe(p, regs)
	case WaitPID:
		return d.sysWaitPID(p, regs)
	case Stat:
		return d.sysStat(p, regs)
	case OpenDir:
		return d.sysOpenDir(p, regs)
	case ReadDir:
		return d.sysReadDir(p, regs)
	default:
		return 0, &Error{Category: CatSyscallNotFound}
	}
}

func argError(argIdx int, tag ArgError) *Error {
	e := &Error{Category: CatInvalidArgument}
	e.Args[argIdx] = tag

	return e
}

// copy moves len(buf) bytes between p's user address space and buf,
// starting at the user virtual address addr, failing closed with
// ArgInvalidUserPointer the moment any byte of the range isn't mapped as a
// user page. Translation proceeds one physical frame at a time since
// consecutive user pages need not back onto consecutive frames, the same
// loop shape elf.Loader.populate uses to copy segment bytes in.
func (d *Dispatcher) copy(p *process.Process, addr uint64, buf []byte, argIdx int, toUser bool) *Error {
	vm := p.AddressSpace()
	remaining := buf
	virt := addr

	for len(remaining) > 0 {
		if !p.IsUserAddressMapped(virt) {
			return argError(argIdx, ArgInvalidUserPointer)
		}

		phys, ok := vm.Translate(virt)
		if !ok {
			return argError(argIdx, ArgInvalidUserPointer)
		}

		frameBase := frame.Frame(phys &^ (frame.PageSize - 1))
		offset := phys - uint64(frameBase)

		page := d.backing.At(frameBase)

		n := frame.PageSize - int(offset)
		if n > len(remaining) {
			n = len(remaining)
		}

		if toUser {
			copy(page[offset:], remaining[:n])
		} else {
			copy(remaining[:n], page[offset:])
		}

		remaining = remaining[n:]
		virt += uint64(n)
	}

	return nil
}

func (d *Dispatcher) copyIn(p *process.Process, addr, length uint64, argIdx int) ([]byte, *Error) {
	buf := make([]byte, length)
	if err := d.copy(p, addr, buf, argIdx, false); err != nil {
		return nil, err
	}

	return buf, nil
}

func (d *Dispatcher) copyOut(p *process.Process, addr uint64, buf []byte, argIdx int) *Error {
	return d.copy(p, addr, buf, argIdx, true)
}

// copyInString reads a length-prefixed byte range out of user memory and
// validates it as UTF-8, per spec.md §8 scenario 5's ArgNotValidUTF8 case.
func (d *Dispatcher) copyInString(p *process.Process, addr, length uint64, argIdx int) (string, *Error) {
	raw, err := d.copyIn(p, addr, length, argIdx)
	if err != nil {
		return "", err
	}

	if !utf8.Valid(raw) {
		return "", argError(argIdx, ArgNotValidUTF8)
	}

	return string(raw), nil
}

func categoryForOpenErr(err error) Category {
	switch {
	case errors.Is(err, vfs.ErrFileNotFound):
		return CatFileNotFound
	case errors.Is(err, vfs.ErrIsDirectory):
		return CatIsDirectory
	case errors.Is(err, vfs.ErrIsNotDirectory):
		return CatIsNotDirectory
	default:
		return CatCouldNotOpenFile
	}
}

func decodeBlockingMode(raw uint64) (vfs.BlockingMode, bool) {
	switch raw {
	case 0:
		return vfs.BlockNone, true
	case 1:
		return vfs.BlockLine, true
	case 2:
		return vfs.Block(1), true
	default:
		return vfs.BlockingMode{}, false
	}
}

// fileHandle is the surface a File fd needs for read/write/blocking-mode
// syscalls; *vfs.File satisfies it. Kept narrow (rather than importing
// *vfs.File directly into the fd table's static type) because OpenDir
// installs a *dirHandle under the same table using only process.File's
// Close() error.
type fileHandle interface {
	Read([]byte) (uint64, error)
	Write([]byte) (uint64, error)
	SetBlockingMode(vfs.BlockingMode)
	Close() error
}

// sysOpen implements SYS_OPEN: arg0/arg1 name a user (pointer, length)
// string for the path, arg2 is reserved for an open-mode flag (every
// Device already gates which of Read/Write it actually supports, so
// nothing further needs enforcing here), arg3 selects the BlockingMode.
func (d *Dispatcher) sysOpen(p *process.Process, regs RegisterContext) (uint64, *Error) {
	ptr, _ := regs.Arg(0)
	length, _ := regs.Arg(1)
	blockingRaw, _ := regs.Arg(3)

	path, err := d.copyInString(p, ptr, length, 0)
	if err != nil {
		return 0, err
	}

	mode, ok := decodeBlockingMode(blockingRaw)
	if !ok {
		return 0, argError(3, ArgGeneralInvalid)
	}

	f, openErr := vfs.OpenBlocking(d.mounts, path, mode)
	if openErr != nil {
		return 0, &Error{Category: categoryForOpenErr(openErr)}
	}

	return uint64(p.PushFile(f)), nil
}

// sysWrite implements SYS_WRITE: arg0 is the fd, arg1/arg2 the (pointer,
// length) of the user buffer to write out.
func (d *Dispatcher) sysWrite(p *process.Process, regs RegisterContext) (uint64, *Error) {
	fd, _ := regs.Arg(0)
	ptr, _ := regs.Arg(1)
	length, _ := regs.Arg(2)

	fh, fdErr := d.lookupFile(p, fd)
	if fdErr != nil {
		return 0, fdErr
	}

	buf, err := d.copyIn(p, ptr, length, 1)
	if err != nil {
		return 0, err
	}

	n, writeErr := fh.Write(buf)
	if writeErr != nil {
		if errors.Is(writeErr, vfs.ErrEndOfFile) {
			return 0, &Error{Category: CatEndOfFile}
		}

		return 0, &Error{Category: CatCouldNotWriteToFile}
	}

	return n, nil
}

// sysRead implements SYS_READ: arg0 is the fd, arg1/arg2 the (pointer,
// length) of the user buffer to read into.
func (d *Dispatcher) sysRead(p *process.Process, regs RegisterContext) (uint64, *Error) {
	fd, _ := regs.Arg(0)
	ptr, _ := regs.Arg(1)
	length, _ := regs.Arg(2)

	fh, fdErr := d.lookupFile(p, fd)
	if fdErr != nil {
		return 0, fdErr
	}

	buf := make([]byte, length)

	n, readErr := fh.Read(buf)
	if readErr != nil {
		if errors.Is(readErr, vfs.ErrEndOfFile) {
			return 0, &Error{Category: CatEndOfFile}
		}

		return 0, &Error{Category: CatCouldNotReadFromFile}
	}

	if err := d.copyOut(p, ptr, buf[:n], 1); err != nil {
		return 0, err
	}

	return n, nil
}

// sysClose implements SYS_CLOSE: arg0 is the fd. Close errors from the
// underlying device have no dedicated category in the original taxonomy
// (only the fd-lookup failure does), so a close that fails at the device
// level still releases the fd and reports success -- matching a real
// close(2) semantics where the fd is unconditionally invalidated.
func (d *Dispatcher) sysClose(p *process.Process, regs RegisterContext) (uint64, *Error) {
	fd, _ := regs.Arg(0)

	f, err := p.TakeFile(int(fd))
	if err != nil {
		return 0, &Error{Category: CatInvalidFileIndex}
	}

	_ = f.Close()

	return 0, nil
}

// sysSetBlockingMode implements SYS_BLOCKING_MODE: arg0 is the fd, arg1
// selects the new BlockingMode.
func (d *Dispatcher) sysSetBlockingMode(p *process.Process, regs RegisterContext) (uint64, *Error) {
	fd, _ := regs.Arg(0)
	modeRaw, _ := regs.Arg(1)

	fh, fdErr := d.lookupFile(p, fd)
	if fdErr != nil {
		return 0, fdErr
	}

	mode, ok := decodeBlockingMode(modeRaw)
	if !ok {
		return 0, argError(1, ArgGeneralInvalid)
	}

	fh.SetBlockingMode(mode)

	return 0, nil
}

// sysExit implements SYS_EXIT: arg0 is the exit code. The caller never
// observes this return value -- the scheduler vector fires next and the
// process is never dispatched again -- but Exit still needs to report
// success cleanly for tests driving the dispatcher directly.
func (d *Dispatcher) sysExit(p *process.Process, regs RegisterContext) (uint64, *Error) {
	code, _ := regs.Arg(0)
	p.Exit(code)

	return 0, nil
}

const (
	argvEntrySize     = 16 // (ptr uint64, len uint64)
	mappingEntrySize  = 8  // (source uint32, dest uint32)
	maxSpawnArgs      = 64
	maxSpawnMappings  = 16
)

// sysSpawn implements SYS_SPAWN: arg0/arg1 the (pointer, length) of the
// path to load, arg2/arg3 the (pointer, count) of an argv array of
// (pointer, length) pairs, arg4/arg5 the (pointer, count) of a
// SpawnFileMapping array of (source_fd, dest_fd) uint32 pairs. It loads
// the named ELF, allocates a child process over it, installs every
// mapping, and enqueues the child onto the scheduler so it competes for
// the CPU like any other ready process.
func (d *Dispatcher) sysSpawn(p *process.Process, regs RegisterContext) (uint64, *Error) {
	pathPtr, _ := regs.Arg(0)
	pathLen, _ := regs.Arg(1)
	argvPtr, _ := regs.Arg(2)
	argvCount, _ := regs.Arg(3)
	mapPtr, _ := regs.Arg(4)
	mapCount, _ := regs.Arg(5)

	path, err := d.copyInString(p, pathPtr, pathLen, 0)
	if err != nil {
		return 0, err
	}

	if argvCount > maxSpawnArgs {
		return 0, argError(3, ArgGeneralInvalid)
	}

	if mapCount > maxSpawnMappings {
		return 0, argError(5, ArgGeneralInvalid)
	}

	argv, argErr := d.decodeArgv(p, argvPtr, argvCount)
	if argErr != nil {
		return 0, argErr
	}

	mappings, mapErr := d.decodeMappings(p, mapPtr, mapCount)
	if mapErr != nil {
		return 0, mapErr
	}

	elfFile, openErr := vfs.Open(d.mounts, path)
	if openErr != nil {
		return 0, &Error{Category: categoryForOpenErr(openErr)}
	}
	defer elfFile.Close()

	raw, readErr := readWholeFile(elfFile)
	if readErr != nil {
		return 0, &Error{Category: CatCouldNotLoadELF}
	}

	image, parseErr := elf.Parse(bytes.NewReader(raw))
	if parseErr != nil {
		return 0, &Error{Category: CatCouldNotLoadELF}
	}

	child, spawnErr := p.Spawn(d.mem, d.frames, d.loader, image, nil, argv, d.userCS, d.userDS, mappings)
	if spawnErr != nil {
		return 0, &Error{Category: CatCouldNotAllocateProcess}
	}

	d.scheduler.Enqueue(child)

	return child.ID(), nil
}

func (d *Dispatcher) decodeArgv(p *process.Process, ptr, count uint64) ([]string, *Error) {
	if count == 0 {
		return nil, nil
	}

	table, err := d.copyIn(p, ptr, count*argvEntrySize, 2)
	if err != nil {
		return nil, err
	}

	argv := make([]string, count)

	for i := uint64(0); i < count; i++ {
		entry := table[i*argvEntrySize : (i+1)*argvEntrySize]
		argPtr := binary.LittleEndian.Uint64(entry[0:8])
		argLen := binary.LittleEndian.Uint64(entry[8:16])

		s, strErr := d.copyInString(p, argPtr, argLen, 2)
		if strErr != nil {
			return nil, strErr
		}

		argv[i] = s
	}

	return argv, nil
}

func (d *Dispatcher) decodeMappings(p *process.Process, ptr, count uint64) ([]process.SpawnFileMapping, *Error) {
	if count == 0 {
		return nil, nil
	}

	table, err := d.copyIn(p, ptr, count*mappingEntrySize, 4)
	if err != nil {
		return nil, err
	}

	seen := map[int]bool{}
	mappings := make([]process.SpawnFileMapping, count)

	for i := uint64(0); i < count; i++ {
		entry := table[i*mappingEntrySize : (i+1)*mappingEntrySize]
		source := int(binary.LittleEndian.Uint32(entry[0:4]))
		dest := int(binary.LittleEndian.Uint32(entry[4:8]))

		if seen[dest] {
			return nil, argError(4, ArgDuplicateFileMappings)
		}

		seen[dest] = true
		mappings[i] = process.SpawnFileMapping{SourceFD: source, DestFD: dest}
	}

	return mappings, nil
}

// readWholeFile drains f from its current position to EOF -- spawn needs
// the complete ELF image in memory before elf.Parse can read its headers
// via io.ReaderAt.
func readWholeFile(f *vfs.File) ([]byte, error) {
	size := f.Size()
	buf := make([]byte, size)

	var total uint64

	for total < size {
		n, err := f.Read(buf[total:])
		if err != nil {
			if errors.Is(err, vfs.ErrEndOfFile) {
				break
			}

			return nil, err
		}

		if n == 0 {
			break
		}

		total += n
	}

	return buf[:total], nil
}

// sysIncHeap implements SYS_INC_HEAP: arg0 is the signed byte delta,
// reinterpreted from its raw two's-complement bit pattern. Alignment is
// validated here, as an argument error, before touching the heap at all;
// AddToHeap's own range check (exceeding the configured maximum) surfaces
// as HeapRangesExceeded instead, matching the original's split between
// argument validation and heap-logic failure.
func (d *Dispatcher) sysIncHeap(p *process.Process, regs RegisterContext) (uint64, *Error) {
	raw, _ := regs.Arg(0)
	delta := int64(raw)

	abs := delta
	if abs < 0 {
		abs = -abs
	}

	if uint64(abs)%4096 != 0 {
		return 0, argError(0, ArgInvalidHeapIncrement)
	}

	oldEnd, err := p.AddToHeap(delta)
	if err != nil {
		return 0, &Error{Category: CatHeapRangesExceeded}
	}

	return oldEnd, nil
}

// sysCreatePipe implements SYS_CREATE_PIPE: arg0/arg1 are user pointers to
// receive the read-end and write-end fds, each a little-endian uint64.
func (d *Dispatcher) sysCreatePipe(p *process.Process, regs RegisterContext) (uint64, *Error) {
	readOutPtr, _ := regs.Arg(0)
	writeOutPtr, _ := regs.Arg(1)

	readFile, writeFile := devices.NewPipeFilePair("pipe_read", "pipe_write")

	readFD := p.PushFile(readFile)
	writeFD := p.PushFile(writeFile)

	var out [8]byte

	binary.LittleEndian.PutUint64(out[:], uint64(readFD))
	if err := d.copyOut(p, readOutPtr, out[:], 0); err != nil {
		return 0, err
	}

	binary.LittleEndian.PutUint64(out[:], uint64(writeFD))
	if err := d.copyOut(p, writeOutPtr, out[:], 1); err != nil {
		return 0, err
	}

	return 0, nil
}

// sysWaitPID implements SYS_WAIT_PID: arg0 is the pid to wait for. This
// dispatcher only exposes the non-blocking poll sched.Scheduler.WaitPID
// implements; a blocking wait is built by the userspace wrapper retrying
// on ProcessStillRunning, per spec.md §5's "wait_pid which polls".
func (d *Dispatcher) sysWaitPID(p *process.Process, regs RegisterContext) (uint64, *Error) {
	pid, _ := regs.Arg(0)

	code, err := d.scheduler.WaitPID(pid)
	if err != nil {
		switch {
		case errors.Is(err, sched.ErrPIDNotFound):
			return 0, &Error{Category: CatPIDNotFound}
		case errors.Is(err, sched.ErrProcessStillRunning):
			return 0, &Error{Category: CatProcessStillRunning}
		default:
			return 0, &Error{Category: CatPIDNotFound}
		}
	}

	return code, nil
}

// statWireSize is this package's own on-wire layout for SYS_STAT's result:
// an 8-byte size followed by a 1-byte type tag (0 = file, 1 = directory),
// padded to 16 bytes for natural alignment.
const statWireSize = 16

// sysStat implements SYS_STAT: arg0/arg1 the (pointer, length) of the path
// to stat, arg2 a user pointer to receive the statWireSize-byte result.
func (d *Dispatcher) sysStat(p *process.Process, regs RegisterContext) (uint64, *Error) {
	pathPtr, _ := regs.Arg(0)
	pathLen, _ := regs.Arg(1)
	outPtr, _ := regs.Arg(2)

	path, err := d.copyInString(p, pathPtr, pathLen, 0)
	if err != nil {
		return 0, err
	}

	_, inode, openErr := d.mounts.OpenInode(path)
	if openErr != nil {
		return 0, &Error{Category: categoryForOpenErr(openErr)}
	}

	var out [statWireSize]byte

	binary.LittleEndian.PutUint64(out[0:8], inode.Size)

	if inode.IsDir() {
		out[8] = 1
	}

	if copyErr := d.copyOut(p, outPtr, out[:], 2); copyErr != nil {
		return 0, copyErr
	}

	return 0, nil
}

// dirHandle is the fd-table entry SYS_OPEN_DIR installs: the directory's
// entries, snapshotted at open time, and a cursor SYS_READ_DIR advances.
// It satisfies process.File via Close alone; ReadDir recovers the richer
// type with a local type assertion the same way sysWrite/sysRead recover
// fileHandle.
type dirHandle struct {
	entries []vfs.INode
	cursor  int
}

func (*dirHandle) Close() error { return nil }

// sysOpenDir implements SYS_OPEN_DIR: arg0/arg1 the (pointer, length) of
// the directory path.
func (d *Dispatcher) sysOpenDir(p *process.Process, regs RegisterContext) (uint64, *Error) {
	pathPtr, _ := regs.Arg(0)
	pathLen, _ := regs.Arg(1)

	path, err := d.copyInString(p, pathPtr, pathLen, 0)
	if err != nil {
		return 0, err
	}

	fs, remainder, resolveErr := d.mounts.Resolve(path)
	if resolveErr != nil {
		return 0, &Error{Category: CatFileNotFound}
	}

	entries, dirErr := fs.OpenDir(remainder)
	if dirErr != nil {
		if errors.Is(dirErr, vfs.ErrIsNotDirectory) {
			return 0, &Error{Category: CatIsNotDirectory}
		}

		return 0, &Error{Category: CatFileNotFound}
	}

	return uint64(p.PushFile(&dirHandle{entries: entries})), nil
}

// dirEntryWireSize and maxDirEntryName are this package's own on-wire
// layout for one SYS_READ_DIR entry: a 1-byte name length, up to
// maxDirEntryName bytes of (possibly truncated) name, an 8-byte size, and
// a 1-byte type tag, padded to a round 72 bytes.
const (
	maxDirEntryName  = 60
	dirEntryWireSize = 72
)

// sysReadDir implements SYS_READ_DIR: arg0 the fd a prior SYS_OPEN_DIR
// returned, arg1/arg2 the (pointer, max entry count) of the user buffer to
// fill with dirEntryWireSize-byte records. It returns how many entries it
// actually wrote, advancing the handle's cursor by that many so a
// subsequent call resumes where this one left off.
func (d *Dispatcher) sysReadDir(p *process.Process, regs RegisterContext) (uint64, *Error) {
	fd, _ := regs.Arg(0)
	outPtr, _ := regs.Arg(1)
	maxEntries, _ := regs.Arg(2)

	f, fdErr := p.GetFile(int(fd))
	if fdErr != nil {
		return 0, &Error{Category: CatInvalidFileIndex}
	}

	dh, ok := f.(*dirHandle)
	if !ok {
		return 0, &Error{Category: CatInvalidFileIndex}
	}

	remaining := uint64(len(dh.entries) - dh.cursor)
	count := maxEntries
	if remaining < count {
		count = remaining
	}

	buf := make([]byte, count*dirEntryWireSize)

	for i := uint64(0); i < count; i++ {
		entry := dh.entries[dh.cursor+int(i)]
		rec := buf[i*dirEntryWireSize : (i+1)*dirEntryWireSize]

		name := entry.Name
		if len(name) > maxDirEntryName {
			name = name[:maxDirEntryName]
		}

		rec[0] = byte(len(name))
		copy(rec[1:1+len(name)], name)
		binary.LittleEndian.PutUint64(rec[1+maxDirEntryName:9+maxDirEntryName], entry.Size)

		if entry.IsDir() {
			rec[9+maxDirEntryName] = 1
		}
	}

	if err := d.copyOut(p, outPtr, buf, 1); err != nil {
		return 0, err
	}

	dh.cursor += int(count)

	return count, nil
}

// lookupFile resolves fd to the fileHandle surface (Read/Write/
// SetBlockingMode) only a real open file -- not a dirHandle -- supports.
func (d *Dispatcher) lookupFile(p *process.Process, fd uint64) (fileHandle, *Error) {
	f, err := p.GetFile(int(fd))
	if err != nil {
		return nil, &Error{Category: CatInvalidFileIndex}
	}

	fh, ok := f.(fileHandle)
	if !ok {
		return nil, &Error{Category: CatInvalidFileIndex}
	}

	return fh, nil
}
