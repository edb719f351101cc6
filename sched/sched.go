// Package sched implements the cooperative scheduler (spec.md §4.I): a
// single ready queue of processes, a CPU record that optionally holds a
// running process's saved context, and the scheduler-vector state machine
// that hands control to the next Scheduled process via a software
// interrupt rather than a timer.
//
// Grounded on original_source's process/scheduler.rs for the overall
// shape (schedule()'s scan-the-ready-queue loop, the CPU record's
// optional context field, dispatch via the scheduler software interrupt
// rather than direct control transfer) and on vmm/vmm.go's Boot method
// for the top-level "run until nothing left to do" loop idiom, retargeted
// from "run one VM to exit" to "drain one ready queue, one process's
// instruction pointer at a time".
package sched

import (
	"errors"
	"fmt"

	"github.com/coreforge/corekernel/internal/spinlock"
	"github.com/coreforge/corekernel/process"
)

// ErrNoProcessToSwitchTo is raised by the scheduler vector handler when the
// CPU record has no saved context to restore -- a condition the original
// treats as a panic, since it means schedule() raised the vector without
// first picking a process.
var ErrNoProcessToSwitchTo = errors.New("sched: no process to switch to")

// ErrPIDNotFound is returned by WaitPID when no tracked process (ready,
// running, or already exited but not yet reaped) has the given pid.
var ErrPIDNotFound = errors.New("sched: no process with that pid")

// ErrProcessStillRunning is returned by WaitPID when the named process
// exists but hasn't reached state Exited yet -- the caller is expected to
// poll again, per spec.md §5's "wait_pid which polls for the child's exit
// state".
var ErrProcessStillRunning = errors.New("sched: process has not exited")

// Runnable is the surface Scheduler needs from a process: enough to track
// it in the ready queue and dispatch it without depending on how its
// address space or file table were built. *process.Process satisfies this.
type Runnable interface {
	ID() uint64
	State() process.State
	SetState(process.State)
	Context() *process.Context
	ExitCode() uint64
}

// Switcher loads a process's address space as active, mirroring
// Process.SwitchTo's CR3Writer seam.
type Switcher interface {
	Switch(p Runnable)
}

// InterruptRaiser triggers the scheduler software interrupt (vector 0xFF),
// the mechanism by which a saved context is restored and control returned
// to user mode via IRETQ. In the booted kernel this is a single `int 0xff`
// instruction; tests supply a fake that records whether it fired.
type InterruptRaiser interface {
	RaiseSchedulerInterrupt()
}

// CPU is the per-CPU scheduling record: an optional saved context for
// whichever process is currently dispatched. A nil Context means the CPU
// is idle and may pick up the next ready process.
type CPU struct {
	ProcessID uint64
	Context   *process.Context
}

// Scheduler owns one ready queue and one CPU record. Per spec.md's
// concurrency model this kernel runs single-threaded on a single CPU, so
// one Scheduler instance is sufficient. The ready queue and CPU record are
// global mutable state per spec.md §9, guarded by a spin mutex with the
// CPU's cli depth raised while it's held, since the scheduler-vector
// handler runs from IRQ context and touches the same state.
type Scheduler struct {
	mu  spinlock.Mutex
	cli spinlock.CliGuard

	disableIRQ func()
	enableIRQ  func()

	queue  []Runnable
	cursor int // index to resume scanning from, for round-robin fairness
	cpu    CPU

	sw  Switcher
	irq InterruptRaiser
}

// New builds a Scheduler that dispatches through sw and signals dispatch
// via irq. Its interrupt-control hooks default to no-ops until
// SetInterruptControl wires them to the real cli/sti primitives.
func New(sw Switcher, irq InterruptRaiser) *Scheduler {
	return &Scheduler{sw: sw, irq: irq, disableIRQ: func() {}, enableIRQ: func() {}}
}

// SetInterruptControl wires the scheduler's critical sections to the CPU's
// actual interrupt-disable/enable primitives, raising cli depth only while
// the scheduler's own lock is held.
func (s *Scheduler) SetInterruptControl(disable, enable func()) {
	s.disableIRQ = disable
	s.enableIRQ = enable
}

func (s *Scheduler) lock() {
	s.cli.Push(s.disableIRQ)
	s.mu.Lock()
}

func (s *Scheduler) unlock() {
	s.mu.Unlock()
	s.cli.Pop(s.enableIRQ)
}

// Enqueue adds p to the end of the ready queue. Processes are visited in
// insertion order with no priority inheritance, per spec.md §4.I.
func (s *Scheduler) Enqueue(p Runnable) {
	s.lock()
	defer s.unlock()

	s.queue = append(s.queue, p)
}

// Len reports how many processes are currently tracked by the ready queue
// (including ones not presently Scheduled, e.g. Sleeping or Exited).
func (s *Scheduler) Len() int {
	s.lock()
	defer s.unlock()

	return len(s.queue)
}

// Remove drops p from the ready queue entirely, used once a process exits
// and has been reaped by wait_pid.
func (s *Scheduler) Remove(p Runnable) {
	s.lock()
	defer s.unlock()

	s.removeLocked(p)
}

func (s *Scheduler) removeLocked(p Runnable) {
	for i, q := range s.queue {
		if q == p {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// Schedule is the idle loop: while the CPU is free (no saved context), it
// scans the ready queue for the next process in state Scheduled, starting
// just after whichever process it dispatched last time and wrapping
// around, transitions it to Running, switches to its address space,
// stashes its context in the CPU record, and raises the scheduler
// interrupt to hand control to it. Resuming the scan after the last
// dispatched process (rather than always restarting at index 0) is what
// makes the ready queue round-robin instead of letting one eager yielder
// starve the rest, while still matching spec.md §4.I's "processes are
// visited in insertion order" for the common case of a queue that isn't
// being continuously re-scanned mid-cycle. It returns once the interrupt
// has been raised for one process, or once a full scan finds nothing
// ready (the caller is expected to loop, matching the original's
// `loop { ... }` shape -- modeled here as a single pass so tests can drive
// it deterministically).
func (s *Scheduler) Schedule() (dispatched bool) {
	s.lock()
	defer s.unlock()

	if s.cpu.Context != nil {
		return false
	}

	n := len(s.queue)
	if n == 0 {
		return false
	}

	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		p := s.queue[idx]

		if p.State() != process.Scheduled {
			continue
		}

		p.SetState(process.Running)
		s.sw.Switch(p)

		s.cpu.ProcessID = p.ID()
		s.cpu.Context = p.Context()
		s.cursor = (idx + 1) % n

		s.irq.RaiseSchedulerInterrupt()

		return true
	}

	return false
}

// HandleSchedulerInterrupt is the scheduler vector handler (spec.md §4.I):
// it saves the outgoing process's register state (already captured into
// outgoing by the low-level dispatch stub before this is called), then
// hands back the CPU record's saved context as the one to restore via
// IRETQ. Once restored, the CPU record is cleared: ownership of the
// context has moved to the interrupt return path.
func (s *Scheduler) HandleSchedulerInterrupt(outgoing *process.Context) (*process.Context, error) {
	_ = outgoing // captured by the caller's trap frame; nothing further to do with it here

	s.lock()
	defer s.unlock()

	if s.cpu.Context == nil {
		return nil, ErrNoProcessToSwitchTo
	}

	next := s.cpu.Context
	s.cpu.Context = nil

	return next, nil
}

// Yield models the cooperative-yield syscall: the calling process (already
// running) transitions back to Scheduled and the scheduler vector fires
// immediately so the next ready process gets a turn, per spec.md §5's
// "explicit yield via the scheduler vector" suspension point.
func (s *Scheduler) Yield(p Runnable) {
	s.lock()
	defer s.unlock()

	p.SetState(process.Scheduled)
	s.cpu.Context = nil
	s.irq.RaiseSchedulerInterrupt()
}

// WaitPID is the non-blocking half of the wait_pid syscall (spec.md §5,
// §8 scenario 6): it looks pid up among every process the scheduler still
// tracks -- ready, running, sleeping, or already Exited but not yet
// reaped -- and returns ErrPIDNotFound if it isn't tracked at all, or
// ErrProcessStillRunning if it's tracked but hasn't reached state Exited.
// Once a process has exited, WaitPID returns its exit code and removes it
// from the ready queue (reaping it); a second call for the same pid then
// returns ErrPIDNotFound. Callers poll this until it stops returning
// ErrProcessStillRunning.
func (s *Scheduler) WaitPID(pid uint64) (exitCode uint64, err error) {
	s.lock()
	defer s.unlock()

	for _, p := range s.queue {
		if p.ID() != pid {
			continue
		}

		if p.State() != process.Exited {
			return 0, ErrProcessStillRunning
		}

		code := p.ExitCode()
		s.removeLocked(p)

		return code, nil
	}

	return 0, ErrPIDNotFound
}

// FirstScheduled returns the earliest-queued process currently in state
// Scheduled, or nil if none are ready -- exposed for callers (e.g.
// wait_pid) that need to inspect readiness without driving a dispatch.
func (s *Scheduler) FirstScheduled() Runnable {
	s.lock()
	defer s.unlock()

	for _, p := range s.queue {
		if p.State() == process.Scheduled {
			return p
		}
	}

	return nil
}

// String renders the CPU record for diagnostics.
func (c CPU) String() string {
	if c.Context == nil {
		return "cpu{idle}"
	}

	return fmt.Sprintf("cpu{pid=%d}", c.ProcessID)
}
