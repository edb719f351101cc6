package devices

import (
	"bytes"
	"sync"

	"github.com/coreforge/corekernel/vfs"
)

// Command identifies which power sequence was requested.
type Command int

const (
	// Shutdown requests ACPI S5.
	Shutdown Command = iota
	// Reboot requests a system reset.
	Reboot
)

func (c Command) String() string {
	if c == Reboot {
		return "reboot"
	}

	return "shutdown"
}

// Sequencer carries out a requested power command once the kernel has
// finished quiescing (every process exited, filesystems unmounted),
// mirroring power::finish_power_sequence's ACPI-sleep/keyboard-reset
// fallback split. The devices package never performs the sequence
// itself -- it only records which one was requested and notifies the
// scheduler, the way PowerDevice.write hands off to
// scheduler::stop_scheduler.
type Sequencer interface {
	// RequestStop asks the scheduler to stop dispatching new processes
	// once the current ready queue drains, matching
	// scheduler::stop_scheduler.
	RequestStop(cmd Command)
}

// PowerDevice implements `echo shutdown > /devices/power` /
// `echo reboot > /devices/power`, grounded on power/mod.rs's PowerDevice.
// A write of anything else, or a second command once one has already
// been issued, is rejected.
type PowerDevice struct {
	Unsupported

	seq Sequencer

	mu      sync.Mutex
	issued  bool
	command Command
}

// NewPowerDevice builds a PowerDevice that hands off to seq once a valid
// command is written.
func NewPowerDevice(seq Sequencer) *PowerDevice {
	return &PowerDevice{seq: seq}
}

func (p *PowerDevice) Name() string { return "power" }

// Write accepts exactly "shutdown" or "reboot", with any amount of
// trailing whitespace trimmed (the shell's `echo` always appends a
// newline); anything else -- including writing at a nonzero offset, or
// a command once one is already in flight -- is rejected, mirroring the
// offset!=0 / strip_prefix checks in PowerDevice::write.
func (p *PowerDevice) Write(offset uint64, buf []byte) (uint64, error) {
	if offset != 0 {
		return 0, vfs.ErrEndOfFile
	}

	trimmed := bytes.TrimRight(buf, " \t\r\n\000")

	var cmd Command

	switch string(trimmed) {
	case "shutdown":
		cmd = Shutdown
	case "reboot":
		cmd = Reboot
	default:
		return 0, vfs.ErrEndOfFile
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.issued {
		return 0, vfs.ErrEndOfFile
	}

	p.issued = true
	p.command = cmd
	p.seq.RequestStop(cmd)

	return uint64(len(buf)), nil
}

// CloneDevice rejects cloning, mirroring PowerDevice's override that
// returns OperationNotSupported rather than the default no-op.
func (p *PowerDevice) CloneDevice() error { return ErrNotSupported }

// SetSize accepts only size 0, the truncation a shell's `>` redirection
// issues before writing -- spec.md §4.K requires PowerDevice to tolerate
// this rather than reject every truncating open outright. Any other size
// is rejected the same way CloneDevice is.
func (p *PowerDevice) SetSize(size uint64) error {
	if size != 0 {
		return ErrNotSupported
	}

	return nil
}
