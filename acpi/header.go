package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Header is the common 36-byte ACPI System Description Table Header, at
// the front of every table the core parses.
type Header struct {
	Signature  [4]byte
	Length     uint32
	Rev        uint8
	Checksum   uint8
	OEMId      [6]byte
	OEMTableID [8]byte
	OEMRev     uint32
	CreatorID  [4]byte
	CreatorRev uint32
}

// ParseHeader reads and validates an ACPI table header from buf, checking
// both its signature and the whole-table checksum (the sum of every byte in
// the table, including the header, must be zero mod 256).
func ParseHeader(sig Signature, buf []byte) (Header, error) {
	var h Header

	if len(buf) < 36 {
		return h, fmt.Errorf("acpi: table shorter than header: %d bytes", len(buf))
	}

	if err := binary.Read(bytes.NewReader(buf[:36]), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("acpi: decode header: %w", err)
	}

	if Signature(h.Signature[:]) != sig {
		return h, fmt.Errorf("%w: got %q, want %q", ErrBadSignature, h.Signature, sig)
	}

	if int(h.Length) > len(buf) {
		return h, fmt.Errorf("acpi: header length %d exceeds buffer of %d bytes", h.Length, len(buf))
	}

	if checksum8(buf[:h.Length]) != 0 {
		return h, fmt.Errorf("%w: table %q", ErrChecksum, sig)
	}

	return h, nil
}
