package main

import (
	"fmt"
	"log/slog"

	"github.com/coreforge/corekernel/devices"
	"github.com/coreforge/corekernel/internal/config"
	"github.com/coreforge/corekernel/sched"
	"github.com/coreforge/corekernel/vfs"
)

// Kernel stages bring-up the way vmm.VMM stages a guest boot: New builds
// the shell, Init wires the device registry and mount table from the
// manifest, Setup checks that an init program is configured (it does not
// load it or allocate a process), and Run builds a scheduler and calls
// Schedule until nothing is dispatched. Switcher and
// InterruptRaiser are the arch-specific primitives (CR3 load, `int 0xff`)
// a bare-metal entry stub supplies; this package only ever sees them
// through sched's interfaces, exactly as sched_test's fakes do, so none
// of cmd/kernel's own wiring logic depends on real hardware access.
type Kernel struct {
	manifest *config.Manifest
	logger   *slog.Logger

	switcher Switcher
	irq      InterruptRaiser

	registry *devices.Registry
	mounts   vfs.MountTable
	sched    *sched.Scheduler
}

// Switcher and InterruptRaiser re-export sched's seams so callers outside
// this package don't need to import sched just to build a Kernel.
type Switcher = sched.Switcher
type InterruptRaiser = sched.InterruptRaiser

// New builds a Kernel for manifest, logging through logger. sw and irq are
// the arch-specific scheduler primitives; pass nil for either in a context
// that never calls Run (e.g. inspecting Init's wiring in isolation).
func New(manifest *config.Manifest, logger *slog.Logger, sw Switcher, irq InterruptRaiser) *Kernel {
	return &Kernel{manifest: manifest, logger: logger, switcher: sw, irq: irq}
}

// Init registers every device the manifest names and mounts every
// filesystem it names, in manifest order. An "fat" mount is the external
// MBR/FAT collaborator's contract (spec.md §1's Non-goals, §6's on-disk
// partitioning clause) rather than something this core decodes -- no FAT
// filesystem is available to mount from a bare device name alone, so
// those entries are logged and skipped rather than treated as an error.
func (k *Kernel) Init() error {
	k.registry = devices.NewRegistry()

	for _, d := range k.manifest.Devices {
		dev, err := buildDevice(d)
		if err != nil {
			return fmt.Errorf("kernel: device %q: %w", d.Name, err)
		}

		if err := k.registry.Register(dev); err != nil {
			return fmt.Errorf("kernel: registering device %q: %w", d.Name, err)
		}
	}

	for _, m := range k.manifest.Mounts {
		switch m.Filesystem {
		case "devices":
			if err := k.mounts.Mount(m.Prefix, devices.NewFileSystem(k.registry)); err != nil {
				return fmt.Errorf("kernel: mounting %q: %w", m.Prefix, err)
			}
		case "fat":
			k.logger.Warn("skipping FAT mount: FAT decoding is an external collaborator, not part of this core",
				"prefix", m.Prefix, "source", m.Source)
		default:
			return fmt.Errorf("kernel: unknown mount filesystem %q for prefix %q", m.Filesystem, m.Prefix)
		}
	}

	k.logger.Info("device registry and mount table ready", "devices", len(k.registry.Names()))

	return nil
}

func buildDevice(d config.Device) (devices.Device, error) {
	switch d.Kind {
	case "keyboard":
		return devices.NewKeyboardFactory(), nil
	case "mouse":
		return devices.NewMouseFactory(), nil
	case "power":
		return devices.NewPowerDevice(noopSequencer{}), nil
	case "tty":
		return devices.NewConsoleTTY(noopWriter{}), nil
	case "net":
		return devices.NewNetFrame(), nil
	default:
		return nil, fmt.Errorf("unknown device kind %q", d.Kind)
	}
}

type noopSequencer struct{}

func (noopSequencer) RequestStop(devices.Command) {}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Setup returns an error when the manifest names no init program, and logs
// a warning when manifest.Init does not resolve in the mount table. It does
// not load the init program or allocate a process, whether or not the path
// resolves, so nothing is enqueued for Run.
func (k *Kernel) Setup() error {
	if k.manifest.Init == "" {
		return fmt.Errorf("kernel: manifest has no init program configured")
	}

	if _, _, err := k.mounts.OpenInode(k.manifest.Init); err != nil {
		k.logger.Warn("init program not reachable yet: no FAT collaborator mounted", "init", k.manifest.Init, "err", err)
	}

	return nil
}

// Run builds a fresh scheduler and calls Schedule until it reports that
// nothing was dispatched, mirroring vmm.VMM.Boot's "start everything, then
// service it until there's nothing left" shape. Setup enqueues nothing, so
// the ready queue starts empty. When Switcher or InterruptRaiser is nil,
// Run logs and returns nil without building a scheduler.
func (k *Kernel) Run() error {
	if k.switcher == nil || k.irq == nil {
		k.logger.Info("no scheduler primitives wired (arch entry stub not attached); nothing queued to run")

		return nil
	}

	k.sched = sched.New(k.switcher, k.irq)

	for {
		dispatched := k.sched.Schedule()
		if !dispatched {
			k.logger.Info("scheduler ready queue empty, halting")

			return nil
		}
	}
}
