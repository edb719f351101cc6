// Package multiboot parses a Multiboot2 boot information structure
// (spec.md §6's boot entry contract): the command line, the firmware
// memory map, and an optional framebuffer descriptor the bootloader
// leaves in physical memory for the kernel to read at entry.
//
// Grounded on bootparam.BootParam's tag-at-a-time construction --
// machine.go builds up a Linux boot_params page by appending typed E820
// entries one at a time (AddE820Entry(addr, size, type)) -- generalized
// from "the kernel writes entries into a fixed layout before handoff"
// into "the kernel walks a tag stream a prior stage already wrote",
// since Multiboot2 hands the kernel a self-describing tag list rather
// than a fixed struct.
package multiboot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Memory region types carried by the Multiboot2 memory-map tag, matching
// the wire values the spec's boot contract names (type=1 is usable).
const (
	MemoryAvailable        uint32 = 1
	MemoryReserved         uint32 = 2
	MemoryACPIReclaimable  uint32 = 3
	MemoryNVS              uint32 = 4
	MemoryBadRAM           uint32 = 5
)

// Framebuffer pixel formats the spec's boot contract names.
type FramebufferFormat int

const (
	FramebufferIndexed FramebufferFormat = iota
	FramebufferRGB
	FramebufferEGAText
)

const (
	tagTypeEnd           = 0
	tagTypeCmdline       = 1
	tagTypeMemoryMap     = 6
	tagTypeFramebuffer   = 8
	tagAlignment         = 8
	infoHeaderSize       = 8 // total_size, reserved
	tagHeaderSize        = 8 // type, size
	memMapEntryHeaderLen = 16
)

// ErrTruncated is returned when a tag claims more bytes than remain in
// the buffer -- a malformed or truncated handoff structure.
var ErrTruncated = errors.New("multiboot: truncated tag")

// MemoryRegion is one entry of the firmware memory map.
type MemoryRegion struct {
	Base   uint64
	Length uint64
	Type   uint32
}

// Available reports whether the region's type is MemoryAvailable, the
// only type the frame allocator may carve frames out of.
func (r MemoryRegion) Available() bool { return r.Type == MemoryAvailable }

// Framebuffer is the optional pre-boot display surface description.
type Framebuffer struct {
	PhysAddr uint64
	Pitch    uint32
	Width    uint32
	Height   uint32
	BPP      uint8
	Format   FramebufferFormat

	// RedPos/RedMask etc. are only meaningful when Format is FramebufferRGB.
	RedPos, RedMask     uint8
	GreenPos, GreenMask uint8
	BluePos, BlueMask   uint8
}

// Info is the parsed subset of a Multiboot2 boot information structure
// this kernel consumes.
type Info struct {
	CommandLine string
	MemoryMap   []MemoryRegion
	Framebuffer *Framebuffer
}

// Parse walks buf, a Multiboot2 info structure as the bootloader left it
// in physical memory, and extracts the command line, memory map, and
// framebuffer tags. Unrecognized tag types are skipped by their declared
// size, matching the protocol's forward-compatibility rule that a kernel
// ignore tags it doesn't understand.
func Parse(buf []byte) (*Info, error) {
	if len(buf) < infoHeaderSize {
		return nil, fmt.Errorf("%w: info header", ErrTruncated)
	}

	totalSize := binary.LittleEndian.Uint32(buf[0:4])
	if int(totalSize) > len(buf) {
		return nil, fmt.Errorf("%w: total_size %d exceeds buffer of %d", ErrTruncated, totalSize, len(buf))
	}

	info := &Info{}

	offset := infoHeaderSize
	for offset+tagHeaderSize <= int(totalSize) {
		tagType := binary.LittleEndian.Uint32(buf[offset : offset+4])
		tagSize := binary.LittleEndian.Uint32(buf[offset+4 : offset+8])

		if tagType == tagTypeEnd {
			break
		}

		end := offset + int(tagSize)
		if tagSize < tagHeaderSize || end > int(totalSize) {
			return nil, fmt.Errorf("%w: tag type %d size %d at offset %d", ErrTruncated, tagType, tagSize, offset)
		}

		body := buf[offset+tagHeaderSize : end]

		switch tagType {
		case tagTypeCmdline:
			info.CommandLine = cString(body)
		case tagTypeMemoryMap:
			regions, err := parseMemoryMap(body)
			if err != nil {
				return nil, err
			}

			info.MemoryMap = regions
		case tagTypeFramebuffer:
			fb, err := parseFramebuffer(body)
			if err != nil {
				return nil, err
			}

			info.Framebuffer = fb
		}

		// Tags are padded up to 8-byte alignment; advance past the padding
		// too, not just the declared size.
		offset = align(end, tagAlignment)
	}

	return info, nil
}

func align(v, to int) int { return (v + to - 1) &^ (to - 1) }

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}

func parseMemoryMap(body []byte) ([]MemoryRegion, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: memory map header", ErrTruncated)
	}

	entrySize := binary.LittleEndian.Uint32(body[0:4])
	if entrySize < memMapEntryHeaderLen {
		return nil, fmt.Errorf("%w: memory map entry_size %d", ErrTruncated, entrySize)
	}

	entries := body[8:]

	var regions []MemoryRegion

	for off := 0; off+int(entrySize) <= len(entries); off += int(entrySize) {
		e := entries[off : off+int(entrySize)]
		regions = append(regions, MemoryRegion{
			Base:   binary.LittleEndian.Uint64(e[0:8]),
			Length: binary.LittleEndian.Uint64(e[8:16]),
			Type:   binary.LittleEndian.Uint32(e[16:20]),
		})
	}

	return regions, nil
}

const (
	fbTypeIndexed = 0
	fbTypeRGB     = 1
	fbTypeEGAText = 2
)

func parseFramebuffer(body []byte) (*Framebuffer, error) {
	const fixedLen = 8 + 4 + 4 + 4 + 1 + 1 + 1 + 1 // addr,pitch,width,height,bpp,type,reserved,(pad)

	if len(body) < fixedLen {
		return nil, fmt.Errorf("%w: framebuffer tag", ErrTruncated)
	}

	fb := &Framebuffer{
		PhysAddr: binary.LittleEndian.Uint64(body[0:8]),
		Pitch:    binary.LittleEndian.Uint32(body[8:12]),
		Width:    binary.LittleEndian.Uint32(body[12:16]),
		Height:   binary.LittleEndian.Uint32(body[16:20]),
		BPP:      body[20],
	}

	switch body[21] {
	case fbTypeIndexed:
		fb.Format = FramebufferIndexed
	case fbTypeEGAText:
		fb.Format = FramebufferEGAText
	case fbTypeRGB:
		fb.Format = FramebufferRGB

		colorInfo := body[fixedLen:]
		if len(colorInfo) < 6 {
			return nil, fmt.Errorf("%w: framebuffer RGB color info", ErrTruncated)
		}

		fb.RedPos, fb.RedMask = colorInfo[0], colorInfo[1]
		fb.GreenPos, fb.GreenMask = colorInfo[2], colorInfo[3]
		fb.BluePos, fb.BlueMask = colorInfo[4], colorInfo[5]
	default:
		return nil, fmt.Errorf("multiboot: unknown framebuffer type %d", body[21])
	}

	return fb, nil
}
