// Package disasm decodes the instruction at a faulting RIP for panic and
// fault reports. Adapted from the teacher's machine.Inst/Asm helpers
// (machine/debug_amd64.go), which decode a guest instruction at RIP for
// trace printing; here the "guest memory" is the kernel's own mapped
// address space read directly rather than through a KVM ioctl.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// At decodes the instruction found in code (up to 16 bytes read starting at
// rip) and renders it in GNU/AT&T syntax, the same format the teacher's
// Asm helper produces.
func At(code []byte, rip uint64) (string, error) {
	if len(code) > 16 {
		code = code[:16]
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", fmt.Errorf("decoding %#02x at rip=%#x: %w", code, rip, err)
	}

	return x86asm.GNUSyntax(inst, rip, nil), nil
}

// Quote matches the teacher's Asm helper, which wraps the rendered
// instruction in double quotes for log-friendly output.
func Quote(code []byte, rip uint64) string {
	s, err := At(code, rip)
	if err != nil {
		return fmt.Sprintf("<undecodable: %v>", err)
	}

	return "\"" + s + "\""
}
