package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MADT sub-entry type bytes, per spec.md §6's required sub-entry list.
const (
	TypeLocalAPIC uint8 = iota
	TypeIOAPIC
	TypeInterruptSourceOverride
	TypeNMISource
	TypeLAPICNMI
	TypeLAPICAddressOverride
)

// LocalAPIC describes one CPU's local APIC, per spec.md's APIC discovery.
type LocalAPIC struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	APICId      uint8
	Flags       uint32
}

// Enabled reports whether the processor described by this entry is usable
// (bit 0 of Flags).
func (l LocalAPIC) Enabled() bool { return l.Flags&1 != 0 }

// IOAPIC describes one IO APIC's MMIO base and the first global system
// interrupt it owns.
type IOAPIC struct {
	Type        uint8
	Length      uint8
	IOAPICID    uint8
	_           uint8
	APICAddress uint32
	GSIBase     uint32
}

// InterruptSourceOverride remaps a legacy ISA IRQ to a different global
// system interrupt, polarity, and trigger mode.
type InterruptSourceOverride struct {
	Type   uint8
	Length uint8
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

// Polarity and TriggerMode decode the low/high bits of Flags.
func (i InterruptSourceOverride) Polarity() uint16    { return i.Flags & 0x3 }
func (i InterruptSourceOverride) TriggerMode() uint16 { return (i.Flags >> 2) & 0x3 }

// LAPICNMI describes a non-maskable interrupt wired directly to a local
// APIC LINT pin rather than through the IO APIC.
type LAPICNMI struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	Flags       uint16
	LINT        uint8
}

// LAPICAddressOverride replaces the default local APIC MMIO base from the
// MADT header with a 64-bit address, for platforms that relocate it.
type LAPICAddressOverride struct {
	Type    uint8
	Length  uint8
	_       uint16
	Address uint64
}

// MADT is the Multiple APIC Description Table: a header, the legacy
// 8259 PIC's default local APIC address and flags, and a variable-length
// list of sub-entries.
type MADT struct {
	Header
	LocalAPICAddress uint32
	Flags            uint32

	LocalAPICs         []LocalAPIC
	IOAPICs            []IOAPIC
	SourceOverrides    []InterruptSourceOverride
	LAPICNMIs          []LAPICNMI
	AddressOverrides   []LAPICAddressOverride
}

// ParseMADT decodes a MADT from buf (the full table, header included),
// dispatching each sub-entry by its type byte. Unrecognized sub-entry
// types are skipped by their declared length rather than treated as fatal,
// since the firmware is free to add sub-entries the core doesn't need.
func ParseMADT(buf []byte) (*MADT, error) {
	h, err := ParseHeader(SigAPIC, buf)
	if err != nil {
		return nil, err
	}

	m := &MADT{Header: h}

	body := buf[36:h.Length]
	if len(body) < 8 {
		return nil, fmt.Errorf("acpi: MADT body too short for fixed fields: %d bytes", len(body))
	}

	if err := binary.Read(bytes.NewReader(body[0:4]), binary.LittleEndian, &m.LocalAPICAddress); err != nil {
		return nil, fmt.Errorf("acpi: decode MADT local APIC address: %w", err)
	}

	if err := binary.Read(bytes.NewReader(body[4:8]), binary.LittleEndian, &m.Flags); err != nil {
		return nil, fmt.Errorf("acpi: decode MADT flags: %w", err)
	}

	for off := 8; off < len(body); {
		if off+2 > len(body) {
			return nil, fmt.Errorf("acpi: MADT sub-entry truncated at offset %d", off)
		}

		typ, length := body[off], int(body[off+1])
		if length < 2 || off+length > len(body) {
			return nil, fmt.Errorf("acpi: MADT sub-entry type %d has invalid length %d", typ, length)
		}

		if err := decodeMADTEntry(m, typ, body[off:off+length]); err != nil {
			return nil, err
		}

		off += length
	}

	return m, nil
}

func decodeMADTEntry(m *MADT, typ uint8, entry []byte) error {
	switch typ {
	case TypeLocalAPIC:
		var e LocalAPIC
		if err := binary.Read(bytes.NewReader(entry), binary.LittleEndian, &e); err != nil {
			return fmt.Errorf("acpi: decode LocalAPIC entry: %w", err)
		}

		m.LocalAPICs = append(m.LocalAPICs, e)
	case TypeIOAPIC:
		var e IOAPIC
		if err := binary.Read(bytes.NewReader(entry), binary.LittleEndian, &e); err != nil {
			return fmt.Errorf("acpi: decode IOAPIC entry: %w", err)
		}

		m.IOAPICs = append(m.IOAPICs, e)
	case TypeInterruptSourceOverride:
		var e InterruptSourceOverride
		if err := binary.Read(bytes.NewReader(entry), binary.LittleEndian, &e); err != nil {
			return fmt.Errorf("acpi: decode InterruptSourceOverride entry: %w", err)
		}

		m.SourceOverrides = append(m.SourceOverrides, e)
	case TypeLAPICNMI:
		var e LAPICNMI
		if err := binary.Read(bytes.NewReader(entry), binary.LittleEndian, &e); err != nil {
			return fmt.Errorf("acpi: decode LAPICNMI entry: %w", err)
		}

		m.LAPICNMIs = append(m.LAPICNMIs, e)
	case TypeLAPICAddressOverride:
		var e LAPICAddressOverride
		if err := binary.Read(bytes.NewReader(entry), binary.LittleEndian, &e); err != nil {
			return fmt.Errorf("acpi: decode LAPICAddressOverride entry: %w", err)
		}

		m.AddressOverrides = append(m.AddressOverrides, e)
	}
	// Unrecognized sub-entry types (NMISource and anything newer) are
	// intentionally skipped: the slice of entry bytes was already
	// consumed by length in ParseMADT's loop.

	return nil
}
