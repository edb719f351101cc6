// Package kernelpanic implements the kernel's panic-and-halt policy from
// spec.md §7: kernel-internal invariant violations (double free, unaligned
// frame, unsatisfied invariant) log a message plus whatever attributes the
// caller passes, then halt. Panic does not itself capture or print the
// faulting instruction-pointer region. Ring-3-visible failures never take
// this path; they are packed into a syscallabi error instead.
package kernelpanic

import (
	"fmt"
	"log/slog"
	"os"
)

// Halt is called after a panic is reported. By default it exits the
// process with status 2; tests override it to avoid exiting the test
// binary.
var Halt = func() { os.Exit(2) }

// Panic logs msg at error level with the supplied attrs, then calls Halt.
// It never returns in production (Halt does not return); tests substitute
// a no-op Halt and must not rely on control flow after Panic.
func Panic(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Error(fmt.Sprintf("KERNEL PANIC: %s", msg), args...)
	Halt()
}
