// Package vfs implements the virtual filesystem layer (spec.md §4.J): path
// resolution through a longest-prefix-match mount table, the filesystem
// capability set every mounted filesystem exposes, and File's read/write/
// seek/clone-inherit semantics.
//
// Grounded on original_source's fs/mod.rs: FileSystemMapping's
// longest-prefix mount lookup (kept sorted by prefix length, matched from
// the back), the device-cluster-magic convention distinguishing a device
// inode from a real one, and File's three BlockingMode read loops
// (None/Line/Block(1)).
package vfs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// deviceClusterMagic marks an INode as backed by a Device rather than real
// filesystem storage, mirroring DEVICES_FILESYSTEM_CLUSTER_MAGIC.
const deviceClusterMagic = 0xdef1ce5

// Error is the VFS-level error taxonomy, mirroring FileSystemError.
type Error int

const (
	ErrFileNotFound Error = iota
	ErrInvalidPath
	ErrIsNotDirectory
	ErrIsDirectory
	ErrInvalidOffset
	ErrReadNotSupported
	ErrWriteNotSupported
	ErrEndOfFile
	ErrUnsupportedBlockSize
)

func (e Error) Error() string {
	switch e {
	case ErrFileNotFound:
		return "vfs: file not found"
	case ErrInvalidPath:
		return "vfs: invalid path"
	case ErrIsNotDirectory:
		return "vfs: is not a directory"
	case ErrIsDirectory:
		return "vfs: is a directory"
	case ErrInvalidOffset:
		return "vfs: invalid seek offset"
	case ErrReadNotSupported:
		return "vfs: read not supported"
	case ErrWriteNotSupported:
		return "vfs: write not supported"
	case ErrEndOfFile:
		return "vfs: end of file"
	case ErrUnsupportedBlockSize:
		return "vfs: only BlockingMode Block(1) is supported"
	default:
		return fmt.Sprintf("vfs: error %d", int(e))
	}
}

// Attributes mirrors FAT-style FileAttributes; OR-able via Union.
type Attributes struct {
	ReadOnly    bool
	Hidden      bool
	System      bool
	VolumeLabel bool
	Directory   bool
	Archive     bool
}

// Union returns the bitwise-or of a and b across every field.
func (a Attributes) Union(b Attributes) Attributes {
	return Attributes{
		ReadOnly:    a.ReadOnly || b.ReadOnly,
		Hidden:      a.Hidden || b.Hidden,
		System:      a.System || b.System,
		VolumeLabel: a.VolumeLabel || b.VolumeLabel,
		Directory:   a.Directory || b.Directory,
		Archive:     a.Archive || b.Archive,
	}
}

// Device is the narrow surface a device-backed INode needs; the devices
// package's concrete device types satisfy this without importing vfs.
type Device interface {
	Read(position uint64, buf []byte) (uint64, error)
	Write(position uint64, buf []byte) (uint64, error)
	Close() error
	CloneDevice() error
	SetSize(size uint64) error
}

// INode is one filesystem entry: either real storage (StartCluster/Size
// meaningful) or a device (Device non-nil, StartCluster ==
// deviceClusterMagic).
type INode struct {
	Name         string
	Attrs        Attributes
	StartCluster uint64
	Size         uint64
	Dev          Device
}

// NewFileINode builds an INode backed by real filesystem storage.
func NewFileINode(name string, attrs Attributes, startCluster, size uint64) INode {
	return INode{Name: name, Attrs: attrs, StartCluster: startCluster, Size: size}
}

// NewDeviceINode builds an INode backed by dev, per the cluster-magic
// convention that lets ReadFile/WriteFile tell the two apart.
func NewDeviceINode(name string, attrs Attributes, dev Device) INode {
	return INode{Name: name, Attrs: attrs, StartCluster: deviceClusterMagic, Dev: dev}
}

// IsDir reports whether the inode is a directory.
func (n INode) IsDir() bool { return n.Attrs.Directory }

// IsDevice reports whether the inode is backed by a Device.
func (n INode) IsDevice() bool { return n.StartCluster == deviceClusterMagic }

// FileSystem is the capability set every mounted filesystem exposes, per
// spec.md §4.J.
type FileSystem interface {
	OpenRoot() (INode, error)
	OpenDir(path string) ([]INode, error)
	ReadDir(n INode) ([]INode, error)
	ReadFile(n INode, position uint64, buf []byte) (uint64, error)
	WriteFile(n INode, position uint64, buf []byte) (uint64, error)
}

// DelegateToDevice implements the common ReadFile/WriteFile body every
// device-capable filesystem shares: directories never read/write, and an
// inode carrying a Device delegates there; a real filesystem embeds this
// and only needs to override it when it also serves non-device files (FAT
// does; the devices pseudo-filesystem doesn't need to override at all).
type DelegateToDevice struct{}

// ReadFile delegates to n.Dev when present, erroring for a directory or a
// non-device inode this filesystem doesn't otherwise handle.
func (DelegateToDevice) ReadFile(n INode, position uint64, buf []byte) (uint64, error) {
	if n.IsDir() {
		return 0, ErrIsDirectory
	}

	if n.Dev != nil {
		return n.Dev.Read(position, buf)
	}

	return 0, ErrReadNotSupported
}

// WriteFile mirrors ReadFile for writes.
func (DelegateToDevice) WriteFile(n INode, position uint64, buf []byte) (uint64, error) {
	if n.IsDir() {
		return 0, ErrIsDirectory
	}

	if n.Dev != nil {
		return n.Dev.Write(position, buf)
	}

	return 0, ErrWriteNotSupported
}

// SetFileSize delegates to n.Dev's SetSize when present -- used by shell
// `>` truncation semantics against device-backed files such as the power
// device, per spec.md §4.K.
func (DelegateToDevice) SetFileSize(n INode, size uint64) error {
	if n.IsDir() {
		return ErrIsDirectory
	}

	if n.Dev != nil {
		return n.Dev.SetSize(size)
	}

	return ErrWriteNotSupported
}

// mountEntry is one (prefix, filesystem) pair, prefix always slash-terminated.
type mountEntry struct {
	prefix string
	fs     FileSystem
}

// MountTable resolves absolute paths to the filesystem mounted at their
// longest matching prefix, per spec.md §4.J.
type MountTable struct {
	mounts []mountEntry
}

// ErrMountExists is returned by Mount when the exact prefix is already
// registered.
var ErrMountExists = errors.New("vfs: mount point already registered")

// Mount registers fs at prefix. Prefixes are normalized to end in a single
// trailing slash, and the table is kept sorted by ascending prefix length
// so Resolve's reverse scan tries the longest (most specific) prefix
// first -- mirroring create's sort_unstable_by + .rev().find() combination.
func (t *MountTable) Mount(prefix string, fs FileSystem) error {
	norm := normalizeMountPrefix(prefix)

	for _, m := range t.mounts {
		if m.prefix == norm {
			return fmt.Errorf("%w: %s", ErrMountExists, prefix)
		}
	}

	t.mounts = append(t.mounts, mountEntry{prefix: norm, fs: fs})

	sort.SliceStable(t.mounts, func(i, j int) bool {
		return len(t.mounts[i].prefix) < len(t.mounts[j].prefix)
	})

	return nil
}

func normalizeMountPrefix(prefix string) string {
	if strings.HasSuffix(prefix, "/") {
		return prefix
	}

	return prefix + "/"
}

// Resolve finds the longest mounted prefix of path and returns the
// filesystem plus the remainder (including the leading slash that was the
// mount prefix's own trailing slash) -- e.g. for mounts [("/", fs1),
// ("/devices", fs2)], Resolve("/devices/keyboard") returns (fs2,
// "/keyboard"), and Resolve("/bin/sh") returns (fs1, "/bin/sh").
func (t *MountTable) Resolve(path string) (FileSystem, string, error) {
	for i := len(t.mounts) - 1; i >= 0; i-- {
		m := t.mounts[i]
		if strings.HasPrefix(path, m.prefix) {
			prefixLen := len(m.prefix) - 1 // keep the trailing slash in the remainder

			return m.fs, path[prefixLen:], nil
		}
	}

	return nil, "", ErrFileNotFound
}

// OpenInode resolves path to its filesystem and INode, per open_inode.
func (t *MountTable) OpenInode(path string) (FileSystem, INode, error) {
	lastSlash := strings.LastIndexByte(path, '/')
	if lastSlash < 0 {
		return nil, INode{}, ErrInvalidPath
	}

	parentDir, basename := path[:lastSlash+1], path[lastSlash+1:]

	fs, parentDir, err := t.Resolve(parentDir)
	if err != nil {
		return nil, INode{}, err
	}

	openingDir := false
	if basename == "" {
		if parentDir == "/" || parentDir == "" {
			root, err := fs.OpenRoot()
			return fs, root, err
		}

		trimmed := parentDir[:len(parentDir)-1]

		idx := strings.LastIndexByte(trimmed, '/')
		if idx < 0 {
			return nil, INode{}, ErrInvalidPath
		}

		basename = trimmed[idx+1:]
		parentDir = trimmed[:idx+1]
		openingDir = true
	}

	entries, err := fs.OpenDir(parentDir)
	if err != nil {
		return nil, INode{}, err
	}

	for _, entry := range entries {
		if entry.Name == basename {
			if !entry.IsDir() && openingDir {
				return nil, INode{}, ErrIsNotDirectory
			}

			return fs, entry, nil
		}
	}

	return nil, INode{}, ErrFileNotFound
}

// BlockingMode is a File's read policy, per spec.md §4.J.
type BlockingMode struct {
	kind blockingKind
	size int
}

type blockingKind int

const (
	blockingNone blockingKind = iota
	blockingLine
	blockingBlock
)

// BlockNone performs one underlying read and returns whatever it yields.
var BlockNone = BlockingMode{kind: blockingNone}

// BlockLine reads one byte at a time until a newline or NUL.
var BlockLine = BlockingMode{kind: blockingLine}

// Block returns a mode that loops until a byte is available. Only size==1
// is currently supported, per spec.md §4.J.
func Block(size int) BlockingMode {
	return BlockingMode{kind: blockingBlock, size: size}
}

// IsBlocking reports whether the mode is anything other than BlockNone.
func (m BlockingMode) IsBlocking() bool { return m.kind != blockingNone }

// spinBackoff is how many spin_loop iterations a blocking read waits
// between polls, mirroring the original's `for _ in 0..100 { spin_loop() }`.
const spinBackoff = 100

// spin is overridable in tests so a backoff loop doesn't burn real time.
var spin = func() {
	for i := 0; i < spinBackoff; i++ {
	}
}

// File is an open handle into a mounted filesystem: the resolved
// FileSystem, the INode it names, a cursor position, and a BlockingMode.
type File struct {
	fs       FileSystem
	path     string
	inode    INode
	position uint64
	blocking BlockingMode
}

// Open opens path with BlockNone.
func Open(table *MountTable, path string) (*File, error) {
	return OpenBlocking(table, path, BlockNone)
}

// OpenBlocking opens path with the given BlockingMode, rejecting directories.
func OpenBlocking(table *MountTable, path string, mode BlockingMode) (*File, error) {
	fs, inode, err := table.OpenInode(path)
	if err != nil {
		return nil, err
	}

	if inode.IsDir() {
		return nil, ErrIsDirectory
	}

	return &File{fs: fs, path: path, inode: inode, blocking: mode}, nil
}

// FromInode builds a File directly from an already-resolved inode, used by
// the devices pseudo-filesystem when opening a factory device.
func FromInode(fs FileSystem, inode INode, position uint64, mode BlockingMode) *File {
	return &File{fs: fs, path: inode.Name, inode: inode, position: position, blocking: mode}
}

// Read implements the three BlockingMode read policies from spec.md §4.J.
func (f *File) Read(buf []byte) (uint64, error) {
	var (
		count uint64
		err   error
	)

	switch f.blocking.kind {
	case blockingNone:
		count, err = f.fs.ReadFile(f.inode, f.position, buf)
	case blockingLine:
		count, err = f.readLine(buf)
	case blockingBlock:
		count, err = f.readBlocking(buf)
	}

	if err != nil {
		return 0, err
	}

	f.position += count

	return count, nil
}

// readLine implements BlockingMode::Line: read one byte at a time until a
// newline or NUL, never returning a partial byte mid-character; on EOF it
// stops and returns whatever was gathered so far.
func (f *File) readLine(buf []byte) (uint64, error) {
	var i int

	for {
		var b [1]byte

		n, err := f.fs.ReadFile(f.inode, f.position+uint64(i), b[:])
		if errors.Is(err, ErrEndOfFile) {
			return uint64(i), nil
		}

		if err != nil {
			return 0, err
		}

		if n != 1 {
			spin()

			continue
		}

		if i < len(buf) {
			buf[i] = b[0]
		}

		i++

		if b[0] == '\n' || b[0] == 0 {
			return uint64(i), nil
		}
	}
}

// readBlocking implements BlockingMode::Block(1): spin until a read
// yields at least one byte, or EOF (which returns 0, not an error).
func (f *File) readBlocking(buf []byte) (uint64, error) {
	if f.blocking.size != 1 {
		return 0, ErrUnsupportedBlockSize
	}

	for {
		n, err := f.fs.ReadFile(f.inode, f.position, buf)
		if errors.Is(err, ErrEndOfFile) {
			return 0, nil
		}

		if err != nil {
			return 0, err
		}

		if n != 0 {
			return n, nil
		}

		spin()
	}
}

// Write passes through to the filesystem with no VFS-level buffering.
func (f *File) Write(buf []byte) (uint64, error) {
	n, err := f.fs.WriteFile(f.inode, f.position, buf)
	if err != nil {
		return 0, err
	}

	f.position += n

	return n, nil
}

// Seek moves the cursor to position, which must lie within [0, filesize].
// Directories cannot be sought.
func (f *File) Seek(position uint64) error {
	if f.inode.IsDir() {
		return ErrIsNotDirectory
	}

	if position > f.inode.Size {
		return ErrInvalidOffset
	}

	f.position = position

	return nil
}

// Size returns the file's size in bytes.
func (f *File) Size() uint64 { return f.inode.Size }

// Path returns the path the file was opened with.
func (f *File) Path() string { return f.path }

// SetBlockingMode changes the file's BlockingMode.
func (f *File) SetBlockingMode(mode BlockingMode) { f.blocking = mode }

// CloneInherit duplicates the handle with position reset to 0 (positions
// are never shared between clones) and notifies the backing device, if
// any, of the clone -- per spec.md §4.J / §8's clone_inherit property.
func (f *File) CloneInherit() (*File, error) {
	if f.inode.Dev != nil {
		if err := f.inode.Dev.CloneDevice(); err != nil {
			return nil, fmt.Errorf("vfs: clone device for file: %w", err)
		}
	}

	return &File{
		fs:       f.fs,
		path:     f.path,
		inode:    f.inode,
		position: 0,
		blocking: f.blocking,
	}, nil
}

// Close releases the file's backing device, if any.
func (f *File) Close() error {
	if f.inode.Dev != nil {
		return f.inode.Dev.Close()
	}

	return nil
}
