// Package devices implements the device layer mounted under /devices
// (spec.md §4.K): a Device capability interface every driver implements,
// a Registry that the devices pseudo-filesystem lists and opens from, and
// the concrete devices -- pipes, power control, keyboard/mouse, a console
// TTY, and a link-layer network frame sink.
//
// Grounded on iodev's default-not-supported IODevice pattern (NoopDevice,
// PostCodeDevice) and device/device.go's minimal capability-set
// interface, retargeted from port-mapped VM-exit devices to VFS-mounted
// in-kernel devices; the factory (try-create) convention and the pipe,
// power, and device-registry shapes come from original_source's
// devices/mod.rs, devices/pipe.rs, and power/mod.rs.
package devices

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/coreforge/corekernel/internal/spinlock"
	"github.com/coreforge/corekernel/vfs"
)

// ErrNotSupported is returned by a Device's default Read/Write/Clone when
// the concrete device doesn't override the capability, mirroring the
// original Device trait's default-to-unsupported methods.
var ErrNotSupported = errors.New("devices: operation not supported")

// Device is the capability set a driver exposes to the VFS, satisfying
// vfs.Device. Most devices only need Read or Write, never both; embedding
// Unsupported gives every concrete device safe defaults for the rest.
type Device interface {
	vfs.Device
	Name() string
}

// Factory lets a registered device stand in for a per-open instance --
// e.g. opening "keyboard" hands back a fresh KeyboardInstance subscribed
// to the shared event stream, rather than sharing one Device across every
// open file. A device that doesn't implement Factory is used directly.
type Factory interface {
	TryCreate() (Device, error)
}

// Unsupported is embedded by devices that only implement a subset of
// Read/Write/Close/CloneDevice, giving ErrNotSupported/no-op defaults for
// the rest -- mirroring the Rust Device trait's default method bodies.
type Unsupported struct{}

func (Unsupported) Read(uint64, []byte) (uint64, error)  { return 0, ErrNotSupported }
func (Unsupported) Write(uint64, []byte) (uint64, error) { return 0, ErrNotSupported }
func (Unsupported) Close() error                         { return nil }
func (Unsupported) CloneDevice() error                   { return nil }
func (Unsupported) SetSize(uint64) error                 { return ErrNotSupported }

// Registry is the shared table of named devices mounted at /devices,
// matching devices/mod.rs's DEVICES map + register_device/init semantics.
// Per spec.md §5/§9, the device table is global mutable state guarded by a
// spin mutex, with the CPU's cli depth raised while the lock is held since
// an IRQ handler (e.g. the keyboard event bus) may need the same lock.
type Registry struct {
	mu  spinlock.Mutex
	cli spinlock.CliGuard

	disableIRQ func()
	enableIRQ  func()

	devices map[string]Device
}

// NewRegistry builds an empty device registry. Its interrupt-control hooks
// default to no-ops until SetInterruptControl wires them to the real
// cli/sti primitives, mirroring Switcher/InterruptRaiser's nil-injectable
// pattern in cmd/kernel for hosted/test builds that have no such
// primitives to call.
func NewRegistry() *Registry {
	return &Registry{devices: map[string]Device{}, disableIRQ: func() {}, enableIRQ: func() {}}
}

// SetInterruptControl wires the registry's critical sections to the CPU's
// actual interrupt-disable/enable primitives, raising cli depth only while
// the registry's own lock is held.
func (r *Registry) SetInterruptControl(disable, enable func()) {
	r.disableIRQ = disable
	r.enableIRQ = enable
}

func (r *Registry) lock() {
	r.cli.Push(r.disableIRQ)
	r.mu.Lock()
}

func (r *Registry) unlock() {
	r.mu.Unlock()
	r.cli.Pop(r.enableIRQ)
}

// Register adds device under its own Name, panicking-by-error on a
// duplicate name the way register_device asserts in the original.
func (r *Registry) Register(device Device) error {
	r.lock()
	defer r.unlock()

	if _, exists := r.devices[device.Name()]; exists {
		return fmt.Errorf("devices: %s already registered", device.Name())
	}

	r.devices[device.Name()] = device

	return nil
}

// get returns the raw registered device for name, without invoking
// Factory -- used when building a directory listing, where no open is
// actually happening yet.
func (r *Registry) get(name string) (Device, bool) {
	r.lock()
	defer r.unlock()

	device, ok := r.devices[name]

	return device, ok
}

// Lookup resolves name to its registered device, opening a fresh instance
// through Factory when the device supports it. Each call to Lookup on a
// Factory device produces a brand new instance, so callers must only call
// it once per intended open.
func (r *Registry) Lookup(name string) (Device, error) {
	device, ok := r.get(name)
	if !ok {
		return nil, vfs.ErrFileNotFound
	}

	if factory, ok := device.(Factory); ok {
		return factory.TryCreate()
	}

	return device, nil
}

// Names returns every registered device name in sorted order, used to
// list /devices as a directory.
func (r *Registry) Names() []string {
	r.lock()
	defer r.unlock()

	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// rootInodeMagic is the start cluster of /devices' own root directory
// inode, distinct from deviceClusterMagic so OpenRoot's result never
// collides with a leaf device inode. Mirrors
// DEVICES_FILESYSTEM_ROOT_INODE_MAGIC.
const rootInodeMagic = 0xdef1ce55007

// FileSystem is the vfs.FileSystem mounted at /devices: a flat directory
// whose entries are the registry's devices, opened fresh (via Factory)
// each time a name is looked up.
type FileSystem struct {
	vfs.DelegateToDevice

	registry *Registry
}

// NewFileSystem builds the /devices pseudo-filesystem over registry.
func NewFileSystem(registry *Registry) *FileSystem {
	return &FileSystem{registry: registry}
}

func (fs *FileSystem) OpenRoot() (vfs.INode, error) {
	return vfs.INode{
		Name:         "/",
		Attrs:        vfs.Attributes{Directory: true},
		StartCluster: rootInodeMagic,
	}, nil
}

func (fs *FileSystem) OpenDir(path string) ([]vfs.INode, error) {
	if path != "/" {
		return nil, vfs.ErrFileNotFound
	}

	names := fs.registry.Names()
	entries := make([]vfs.INode, 0, len(names))

	for _, name := range names {
		device, ok := fs.registry.get(name)
		if !ok {
			continue
		}

		// A Factory device is never handed out directly: listing a
		// directory is not an open, and calling TryCreate here would
		// leak one live instance (e.g. an event-bus subscription) per
		// listing. lazyDevice defers TryCreate to the first real I/O
		// call, which happens at most once per opened File.
		if factory, ok := device.(Factory); ok {
			entries = append(entries, vfs.NewDeviceINode(name, vfs.Attributes{}, &lazyDevice{factory: factory}))
			continue
		}

		entries = append(entries, vfs.NewDeviceINode(name, vfs.Attributes{}, device))
	}

	return entries, nil
}

// lazyDevice defers a Factory's TryCreate until the first Read, Write,
// Close, or CloneDevice call, so that building a directory listing never
// instantiates a per-open device on its own.
type lazyDevice struct {
	factory Factory

	once     sync.Once
	instance Device
	err      error
}

func (l *lazyDevice) ensure() (Device, error) {
	l.once.Do(func() {
		l.instance, l.err = l.factory.TryCreate()
	})

	return l.instance, l.err
}

func (l *lazyDevice) Read(position uint64, buf []byte) (uint64, error) {
	d, err := l.ensure()
	if err != nil {
		return 0, err
	}

	return d.Read(position, buf)
}

func (l *lazyDevice) Write(position uint64, buf []byte) (uint64, error) {
	d, err := l.ensure()
	if err != nil {
		return 0, err
	}

	return d.Write(position, buf)
}

func (l *lazyDevice) Close() error {
	d, err := l.ensure()
	if err != nil {
		return err
	}

	return d.Close()
}

func (l *lazyDevice) CloneDevice() error {
	d, err := l.ensure()
	if err != nil {
		return err
	}

	return d.CloneDevice()
}

func (l *lazyDevice) SetSize(size uint64) error {
	d, err := l.ensure()
	if err != nil {
		return err
	}

	return d.SetSize(size)
}

func (fs *FileSystem) ReadDir(n vfs.INode) ([]vfs.INode, error) {
	return fs.OpenDir("/")
}
