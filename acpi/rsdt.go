package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RSDT is the Root System Description Table: a header followed by a list
// of 32-bit physical addresses, one per further ACPI table.
type RSDT struct {
	Header
	Entries []uint32
}

// ParseRSDT decodes an RSDT from buf (the full table, header included).
func ParseRSDT(buf []byte) (*RSDT, error) {
	h, err := ParseHeader(SigRSDT, buf)
	if err != nil {
		return nil, err
	}

	body := buf[36:h.Length]
	if len(body)%4 != 0 {
		return nil, fmt.Errorf("acpi: RSDT entry table length %d not a multiple of 4", len(body))
	}

	entries := make([]uint32, len(body)/4)
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &entries); err != nil {
		return nil, fmt.Errorf("acpi: decode RSDT entries: %w", err)
	}

	return &RSDT{Header: h, Entries: entries}, nil
}
