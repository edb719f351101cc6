package partition_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/coreforge/corekernel/partition"
)

func buildMBR(t *testing.T, entries [4][16]byte) []byte {
	t.Helper()

	sector := make([]byte, 512)
	for i, e := range entries {
		copy(sector[446+i*16:], e[:])
	}

	binary.LittleEndian.PutUint16(sector[510:], 0xAA55)

	return sector
}

func partitionEntry(bootable bool, fsType byte, startLBA, numSectors uint32) [16]byte {
	var e [16]byte
	if bootable {
		e[0] = 0x80
	}

	e[4] = fsType
	binary.LittleEndian.PutUint32(e[8:12], startLBA)
	binary.LittleEndian.PutUint32(e[12:16], numSectors)

	return e
}

func TestReadParsesPrimaryPartitionTable(t *testing.T) {
	t.Parallel()

	var entries [4][16]byte
	entries[0] = partitionEntry(true, 0x0c, 2048, 204800) // FAT32 LBA

	raw := buildMBR(t, entries)

	table, err := partition.Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	got := table.Entries[0]
	if !got.Bootable || got.Type != 0x0c || got.StartLBA != 2048 || got.NumSectors != 204800 {
		t.Fatalf("Entries[0] = %+v", got)
	}

	for i := 1; i < 4; i++ {
		if table.Entries[i].Type != 0 {
			t.Fatalf("Entries[%d] = %+v, want an empty entry", i, table.Entries[i])
		}
	}

	first, err := table.FirstUsable()
	if err != nil || first != got {
		t.Fatalf("FirstUsable = %+v, %v, want %+v, nil", first, err, got)
	}
}

func TestReadRejectsMissingSignature(t *testing.T) {
	t.Parallel()

	raw := make([]byte, 512) // all zero, no 0x55AA

	if _, err := partition.Read(bytes.NewReader(raw)); !errors.Is(err, partition.ErrNoSignature) {
		t.Fatalf("Read: err = %v, want ErrNoSignature", err)
	}
}

func TestReadRejectsShortSector(t *testing.T) {
	t.Parallel()

	if _, err := partition.Read(bytes.NewReader(make([]byte, 100))); err == nil {
		t.Fatal("expected Read to reject a short sector")
	}
}

func TestFirstUsableFailsWithNoPartitions(t *testing.T) {
	t.Parallel()

	var entries [4][16]byte
	raw := buildMBR(t, entries)

	table, err := partition.Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if _, err := table.FirstUsable(); !errors.Is(err, partition.ErrNoPartition) {
		t.Fatalf("FirstUsable: err = %v, want ErrNoPartition", err)
	}
}

func TestFirstUsableSkipsEmptyEntriesBeforeTheFirstUsedOne(t *testing.T) {
	t.Parallel()

	var entries [4][16]byte
	entries[2] = partitionEntry(false, 0x83, 4096, 1000000) // Linux, third slot

	raw := buildMBR(t, entries)

	table, err := partition.Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	first, err := table.FirstUsable()
	if err != nil {
		t.Fatalf("FirstUsable: %v", err)
	}

	if first.StartLBA != 4096 || first.NumSectors != 1000000 {
		t.Fatalf("FirstUsable = %+v", first)
	}
}
