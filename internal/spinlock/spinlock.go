// Package spinlock implements a busy-wait mutex for the single-CPU
// cooperative kernel core. Unlike sync.Mutex it never parks the calling
// goroutine/CPU, which matters for the short critical sections taken from
// IRQ context described in spec.md §5: an IRQ handler and the code it
// interrupted must never block on each other through the scheduler.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// Mutex is a TAS (test-and-set) spinlock with exponential pause backoff.
// No pack repository in the retrieval set implements a spinlock (gokvm is a
// userspace hypervisor and only ever uses sync.Mutex/atomics); this is
// hand-rolled on top of sync/atomic because the cooperative single-CPU
// design requires busy-wait semantics a parking mutex cannot provide.
type Mutex struct {
	locked atomic.Bool
}

// Lock spins until the lock is acquired.
func (m *Mutex) Lock() {
	backoff := 1
	for !m.locked.CompareAndSwap(false, true) {
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < 64 {
			backoff *= 2
		}
	}
}

// TryLock attempts to acquire the lock without spinning.
func (m *Mutex) TryLock() bool {
	return m.locked.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an unlocked Mutex is a programming
// error and panics, mirroring the kernel's double-free detection posture.
func (m *Mutex) Unlock() {
	if !m.locked.CompareAndSwap(true, false) {
		panic("spinlock: unlock of unlocked mutex")
	}
}

// CliGuard raises the CPU's "cli depth" while a lock that may also be taken
// from IRQ context is held, per spec.md §5's cli_push/cli_pop nesting rule.
type CliGuard struct {
	depth atomic.Int32
}

// Push increments the nesting depth, disabling interrupts on first entry.
// Callers hold interrupts disabled at depth>0; the architecture-specific
// cli/sti pair is supplied by the caller as the disable/enable funcs.
func (g *CliGuard) Push(disable func()) {
	if g.depth.Add(1) == 1 {
		disable()
	}
}

// Pop decrements the nesting depth, re-enabling interrupts only at depth 0.
func (g *CliGuard) Pop(enable func()) {
	if g.depth.Add(-1) == 0 {
		enable()
	}
}

// Depth reports the current nesting depth, for assertions in tests.
func (g *CliGuard) Depth() int32 {
	return g.depth.Load()
}
