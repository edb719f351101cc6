package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/coreforge/corekernel/internal/config"
	"github.com/coreforge/corekernel/sched"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestInitRegistersDevicesAndMountsDeviceFS(t *testing.T) {
	t.Parallel()

	manifest := config.Default()
	k := New(manifest, testLogger(), nil, nil)

	if err := k.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	fs, remainder, err := k.mounts.Resolve("/devices/keyboard")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if remainder != "/keyboard" {
		t.Fatalf("remainder = %q, want /keyboard", remainder)
	}

	if fs == nil {
		t.Fatal("expected /devices to resolve to the device filesystem")
	}
}

func TestInitRejectsUnknownDeviceKind(t *testing.T) {
	t.Parallel()

	manifest := &config.Manifest{
		Devices: []config.Device{{Name: "mystery", Kind: "unknown-kind"}},
	}

	k := New(manifest, testLogger(), nil, nil)

	if err := k.Init(); err == nil {
		t.Fatal("expected Init to reject an unknown device kind")
	}
}

func TestInitSkipsFATMountWithoutError(t *testing.T) {
	t.Parallel()

	manifest := &config.Manifest{
		Mounts: []config.Mount{{Prefix: "/", Filesystem: "fat", Source: "ata0"}},
	}

	k := New(manifest, testLogger(), nil, nil)

	if err := k.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, _, err := k.mounts.Resolve("/bin/sh"); err == nil {
		t.Fatal("expected no filesystem to be mounted at / since FAT is an external collaborator")
	}
}

func TestSetupReportsMissingInit(t *testing.T) {
	t.Parallel()

	manifest := &config.Manifest{Init: ""}
	k := New(manifest, testLogger(), nil, nil)

	if err := k.Setup(); err == nil {
		t.Fatal("expected Setup to reject a manifest with no init configured")
	}
}

func TestSetupWarnsWhenInitUnreachable(t *testing.T) {
	t.Parallel()

	manifest := config.Default()
	k := New(manifest, testLogger(), nil, nil)

	if err := k.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := k.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
}

func TestRunWithoutSchedulerPrimitivesCompletesCleanly(t *testing.T) {
	t.Parallel()

	manifest := config.Default()
	k := New(manifest, testLogger(), nil, nil)

	if err := k.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := k.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

type fakeSwitcher struct{ switched []uint64 }

func (f *fakeSwitcher) Switch(p sched.Runnable) { f.switched = append(f.switched, p.ID()) }

type fakeIRQ struct{ raised int }

func (f *fakeIRQ) RaiseSchedulerInterrupt() { f.raised++ }

func TestRunDrainsEmptyQueueWhenPrimitivesAreWired(t *testing.T) {
	t.Parallel()

	manifest := config.Default()
	k := New(manifest, testLogger(), &fakeSwitcher{}, &fakeIRQ{})

	if err := k.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Run must short-circuit cleanly with nothing enqueued even though
	// real primitives are attached.
	if err := k.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
