// Package apic implements local and IO APIC bring-up (spec.md §4,
// component F): enabling the local APIC via its base MSR, remapping its
// MMIO window, masking the legacy 8259 PIC, and discovering IO APICs and
// interrupt source overrides from the MADT to route device IRQs to
// software vectors.
//
// Grounded on probe/cpuid.go's CPUID-gated feature-probe pattern (reading
// a feature bit before touching hardware that may not support it) and
// kvm/irq.go's IRQLine/CreateIRQChip, whose "one line sets an interrupt
// line's level" shape generalizes into this package's per-redirection-
// entry MMIO writes; MADT discovery is grounded on the parsed acpi.MADT
// this package consumes.
package apic

import (
	"errors"
	"fmt"

	"github.com/coreforge/corekernel/acpi"
	"github.com/coreforge/corekernel/cpu"
)

// Local APIC register offsets within its 4 KiB MMIO window.
const (
	regID      = 0x020
	regEOI     = 0x0B0
	regSpurious = 0x0F0
	regICRLow  = 0x300
	regICRHigh = 0x310
)

const (
	msrAPICBase = 0x1B
	msrAPICEnableBit = 1 << 11

	spuriousVectorEnable = 1 << 8
)

var (
	// ErrUnsupported is returned when CPUID reports no local APIC.
	ErrUnsupported = errors.New("apic: CPUID reports no local APIC support")

	// ErrNoSuchIRQ is returned when assign_io_irq names a GSI with no
	// matching IO APIC.
	ErrNoSuchIRQ = errors.New("apic: no IO APIC owns that interrupt")
)

// CPUIDProbe reports whether the running CPU has a local APIC (CPUID.1:EDX
// bit 9), matching the gate probe/cpuid.go performs before trusting any
// CPUID-conditional feature.
type CPUIDProbe interface {
	HasLocalAPIC() bool
}

// MSR reads and writes model-specific registers; PIC provides the legacy
// 8259 mask operation; MMIO provides access to a fixed-size memory window
// the local/IO APIC registers live in.
type MSR interface {
	ReadMSR(addr uint32) uint64
	WriteMSR(addr uint32, value uint64)
}

type PIC interface {
	MaskAll()
}

type MMIOWindow interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// VectorAllocator hands out unused IDT vectors in the user range and
// installs a handler for one.
type VectorAllocator interface {
	AllocateBasic(kernelCS uint16, vector cpu.Vector, entry uint64) error
}

// IOAPIC is one discovered IO APIC: its MMIO window and the first global
// system interrupt (GSI) it owns.
type IOAPIC struct {
	MMIO    MMIOWindow
	GSIBase uint32
	GSICount uint32
}

// ioapic register indirection: IOREGSEL selects, IOWIN transfers.
const (
	ioregsel = 0x00
	iowin    = 0x10

	ioapicVersion    = 0x01
	ioapicRedTblBase = 0x10 // each redirection entry is 2 32-bit registers
)

// readIOAPICReg and writeIOAPICReg implement the IO APIC's indirect
// register access protocol: select the target register through IOREGSEL,
// then transfer through IOWIN.
func readIOAPICReg(w MMIOWindow, reg uint32) uint32 {
	w.Write32(ioregsel, reg)
	return w.Read32(iowin)
}

func writeIOAPICReg(w MMIOWindow, reg uint32, value uint32) {
	w.Write32(ioregsel, reg)
	w.Write32(iowin, value)
}

// Controller is the assembled APIC subsystem: one local APIC plus zero or
// more IO APICs, and the ISA IRQ remaps discovered from the MADT.
type Controller struct {
	local       MMIOWindow
	ioAPICs     []IOAPIC
	overrides   map[uint8]acpi.InterruptSourceOverride // keyed by legacy ISA IRQ
	kernelCS    uint16
	vectors     VectorAllocator
	nextVector  cpu.Vector
}

// New builds a Controller from a parsed MADT, remapping the local APIC's
// MMIO window via remap and masking the legacy PIC. It checks CPUID support
// through probe.HasLocalAPIC() first and returns ErrUnsupported without
// touching any hardware when the CPU has no local APIC.
func New(probe CPUIDProbe, msr MSR, pic PIC, madt *acpi.MADT,
	remap func(phys uint32) MMIOWindow, vectors VectorAllocator, kernelCS uint16,
) (*Controller, error) {
	if !probe.HasLocalAPIC() {
		return nil, ErrUnsupported
	}

	base := msr.ReadMSR(msrAPICBase)
	msr.WriteMSR(msrAPICBase, base|msrAPICEnableBit)

	localWindow := remap(madt.LocalAPICAddress)

	for _, o := range madt.AddressOverrides {
		localWindow = remap(uint32(o.Address))
	}

	localWindow.Write32(regSpurious, uint32(0xFF)|spuriousVectorEnable)

	pic.MaskAll()

	c := &Controller{
		local:      localWindow,
		overrides:  map[uint8]acpi.InterruptSourceOverride{},
		kernelCS:   kernelCS,
		vectors:    vectors,
		nextVector: cpu.UserVectorLow,
	}

	for _, io := range madt.IOAPICs {
		window := remap(io.APICAddress)
		count := (readIOAPICReg(window, ioapicVersion) >> 16 & 0xff) + 1

		c.ioAPICs = append(c.ioAPICs, IOAPIC{MMIO: window, GSIBase: io.GSIBase, GSICount: count})
	}

	for _, o := range madt.SourceOverrides {
		c.overrides[o.Source] = o
	}

	return c, nil
}

// gsiForISA resolves a legacy ISA IRQ number to its actual global system
// interrupt, honoring any MADT interrupt source override.
func (c *Controller) gsiForISA(isaIRQ uint8) uint32 {
	if o, ok := c.overrides[isaIRQ]; ok {
		return o.GSI
	}

	return uint32(isaIRQ)
}

// AssignIOIRQ allocates a free user-range vector, installs handlerEntry for
// it, and programs the owning IO APIC's redirection table entry to deliver
// that GSI to cpuID via the allocated vector.
func (c *Controller) AssignIOIRQ(handlerEntry uint64, isaIRQ uint8, cpuID uint8) (cpu.Vector, error) {
	gsi := c.gsiForISA(isaIRQ)

	ioapic, ok := c.ownerOf(gsi)
	if !ok {
		return 0, fmt.Errorf("%w: gsi=%d", ErrNoSuchIRQ, gsi)
	}

	vector := c.nextVector
	if vector >= cpu.UserVectorHigh {
		return 0, fmt.Errorf("apic: exhausted user-range vectors")
	}

	c.nextVector++

	if err := c.vectors.AllocateBasic(c.kernelCS, vector, handlerEntry); err != nil {
		return 0, fmt.Errorf("apic: install IRQ handler: %w", err)
	}

	entryIndex := gsi - ioapic.GSIBase
	low := uint32(vector)
	high := uint32(cpuID) << 24

	reg := ioapicRedTblBase + entryIndex*2
	writeIOAPICReg(ioapic.MMIO, reg, low)
	writeIOAPICReg(ioapic.MMIO, reg+1, high)

	return vector, nil
}

func (c *Controller) ownerOf(gsi uint32) (IOAPIC, bool) {
	for _, io := range c.ioAPICs {
		if gsi >= io.GSIBase && gsi < io.GSIBase+io.GSICount {
			return io, true
		}
	}

	return IOAPIC{}, false
}

// ReturnFromInterrupt writes the local APIC's End-Of-Interrupt register,
// per spec.md's return_from_interrupt().
func (c *Controller) ReturnFromInterrupt() {
	c.local.Write32(regEOI, 0)
}
