package devices

import (
	"sync"
	"sync/atomic"

	"github.com/coreforge/corekernel/vfs"
)

// pipeCapacity bounds the in-kernel pipe buffer; a writer blocks by
// returning ErrEndOfFile to nothing -- writes never block in this model,
// they simply grow the buffer, matching the original's unbounded
// VecDeque. A cap still exists here so a runaway writer can't exhaust
// kernel memory; original_source has no such limit, this is a deliberate
// tightening.
const pipeCapacity = 64 * 1024

// pipe is the shared state behind one read/write pipe pair, grounded on
// devices/pipe.rs's InnerPipe.
type pipe struct {
	mu    sync.Mutex
	buf   []byte
	rOpen bool
	wOpen bool
}

// PipeEnd is one side of a pipe (read or write), satisfying vfs.Device.
// Grounded on devices/pipe.rs's PipeSide: a shared ring buffer plus a
// clone refcount so the underlying pipe is only torn down once every fd
// referencing this end has been closed.
type PipeEnd struct {
	Unsupported

	shared   *pipe
	isReader bool
	clones   int32
}

// NewPipePair builds a connected pipe: the first INode is the read side,
// the second the write side, mirroring create_pipe_pair.
func NewPipePair(readName, writeName string) (vfs.INode, vfs.INode) {
	shared := &pipe{rOpen: true, wOpen: true}

	read := &PipeEnd{shared: shared, isReader: true, clones: 1}
	write := &PipeEnd{shared: shared, isReader: false, clones: 1}

	return vfs.NewDeviceINode(readName, vfs.Attributes{}, read),
		vfs.NewDeviceINode(writeName, vfs.Attributes{}, write)
}

// pipeFileSystem is the minimal vfs.FileSystem a pipe end needs: ReadFile/
// WriteFile delegate to whichever PipeEnd the open vfs.File names.
// OpenRoot/OpenDir/ReadDir are never reached through a pipe's vfs.File --
// a pipe end is never listed in a directory -- so they just report
// ErrFileNotFound.
type pipeFileSystem struct {
	vfs.DelegateToDevice
}

func (pipeFileSystem) OpenRoot() (vfs.INode, error) { return vfs.INode{}, vfs.ErrFileNotFound }

func (pipeFileSystem) OpenDir(string) ([]vfs.INode, error) { return nil, vfs.ErrFileNotFound }

func (pipeFileSystem) ReadDir(vfs.INode) ([]vfs.INode, error) { return nil, vfs.ErrFileNotFound }

// NewPipeFilePair builds a connected pipe and wraps both ends as open
// vfs.Files, ready to install into a process's fd table -- the shape the
// create_pipe syscall (spec.md §4.K, §6) needs rather than the bare INode
// pair NewPipePair returns.
func NewPipeFilePair(readName, writeName string) (*vfs.File, *vfs.File) {
	readInode, writeInode := NewPipePair(readName, writeName)
	fs := pipeFileSystem{}

	return vfs.FromInode(fs, readInode, 0, vfs.BlockNone), vfs.FromInode(fs, writeInode, 0, vfs.BlockNone)
}

// Name identifies the pipe end for diagnostics/registry purposes; pipe
// ends are never themselves registered in the device Registry, so this
// is purely descriptive.
func (p *PipeEnd) Name() string {
	if p.isReader {
		return "pipe_read"
	}

	return "pipe_write"
}

// Read drains up to len(buf) bytes in FIFO order. If the write side has
// been fully closed and the buffer is empty, it reports end of file
// rather than blocking forever.
func (p *PipeEnd) Read(_ uint64, buf []byte) (uint64, error) {
	if !p.isReader {
		return 0, vfs.ErrReadNotSupported
	}

	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()

	if !p.shared.wOpen && len(p.shared.buf) == 0 {
		return 0, vfs.ErrEndOfFile
	}

	n := copy(buf, p.shared.buf)
	p.shared.buf = p.shared.buf[n:]

	return uint64(n), nil
}

// Write appends buf to the pipe, in FIFO order behind whatever is
// already queued. Writing after the reader has closed reports end of
// file, mirroring a broken-pipe condition.
func (p *PipeEnd) Write(_ uint64, buf []byte) (uint64, error) {
	if p.isReader {
		return 0, vfs.ErrWriteNotSupported
	}

	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()

	if !p.shared.rOpen {
		return 0, vfs.ErrEndOfFile
	}

	p.shared.buf = append(p.shared.buf, buf...)
	if len(p.shared.buf) > pipeCapacity {
		p.shared.buf = p.shared.buf[len(p.shared.buf)-pipeCapacity:]
	}

	return uint64(len(buf)), nil
}

// CloneDevice records one more fd referencing this pipe end, so Close
// only tears it down once every clone has released it.
func (p *PipeEnd) CloneDevice() error {
	atomic.AddInt32(&p.clones, 1)

	return nil
}

// Close marks this side unavailable to its peer once the last clone
// referencing it closes.
func (p *PipeEnd) Close() error {
	if atomic.AddInt32(&p.clones, -1) != 0 {
		return nil
	}

	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()

	if p.isReader {
		p.shared.rOpen = false
	} else {
		p.shared.wOpen = false
	}

	return nil
}
