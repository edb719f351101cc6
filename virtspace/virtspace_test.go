package virtspace_test

import (
	"errors"
	"testing"

	"github.com/coreforge/corekernel/virtspace"
)

func TestReserveSequential(t *testing.T) {
	t.Parallel()

	s := virtspace.New(0x1000_0000, 0x10000)

	b1, err := s.Reserve(0x1000)
	if err != nil {
		t.Fatalf("Reserve 1: %v", err)
	}

	b2, err := s.Reserve(0x1000)
	if err != nil {
		t.Fatalf("Reserve 2: %v", err)
	}

	if b2 == b1 {
		t.Fatalf("two reservations got the same base %#x", b1)
	}
}

func TestReserveExhausted(t *testing.T) {
	t.Parallel()

	s := virtspace.New(0x1000_0000, 0x2000)

	if _, err := s.Reserve(0x1000); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}

	if _, err := s.Reserve(0x1000); err != nil {
		t.Fatalf("second Reserve: %v", err)
	}

	if _, err := s.Reserve(0x1000); !errors.Is(err, virtspace.ErrOutOfSpace) {
		t.Fatalf("third Reserve err = %v, want ErrOutOfSpace", err)
	}
}

func TestReserveAtOverlapRejected(t *testing.T) {
	t.Parallel()

	s := virtspace.New(0x1000_0000, 0x10000)

	if err := s.ReserveAt(0x1000_1000, 0x2000); err != nil {
		t.Fatalf("ReserveAt: %v", err)
	}

	if err := s.ReserveAt(0x1000_2000, 0x1000); !errors.Is(err, virtspace.ErrAlreadyMapped) {
		t.Fatalf("overlapping ReserveAt err = %v, want ErrAlreadyMapped", err)
	}
}

func TestReleasePartialRejected(t *testing.T) {
	t.Parallel()

	s := virtspace.New(0x1000_0000, 0x10000)

	base, err := s.Reserve(0x3000)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := s.Release(base, 0x1000); !errors.Is(err, virtspace.ErrNotFullRange) {
		t.Fatalf("partial Release err = %v, want ErrNotFullRange", err)
	}

	if err := s.Release(base, 0x3000); err != nil {
		t.Fatalf("full Release: %v", err)
	}

	if s.Contains(base) {
		t.Fatal("Contains true after Release, want false")
	}
}

func TestReleaseUnknownBase(t *testing.T) {
	t.Parallel()

	s := virtspace.New(0x1000_0000, 0x10000)

	if err := s.Release(0x1000_5000, 0x1000); !errors.Is(err, virtspace.ErrEntryNotFound) {
		t.Fatalf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestReleaseAllowsReReserve(t *testing.T) {
	t.Parallel()

	s := virtspace.New(0x1000_0000, 0x2000)

	base, err := s.Reserve(0x1000)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if _, err := s.Reserve(0x1000); err != nil {
		t.Fatalf("second Reserve: %v", err)
	}

	if err := s.Release(base, 0x1000); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := s.Reserve(0x1000); err != nil {
		t.Fatalf("Reserve after Release: %v", err)
	}
}
