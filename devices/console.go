package devices

import (
	"fmt"
	"io"
	"sync"

	"github.com/coreforge/corekernel/vfs"
)

// inputQueueCapacity bounds buffered-but-unread console input, mirroring
// serial.Serial's 10000-byte buffered inputChan.
const inputQueueCapacity = 10000

// ConsoleTTY is the kernel's text console device: writes go to an
// io.Writer (the framebuffer text renderer or, in this host-hosted
// build, stdout), reads drain a byte queue fed by whatever injects
// keystrokes. Grounded on serial.Serial's inputChan/output split and
// term.SetRawMode's raw-mode framing, retargeted from a UART model
// (in/out port register decode) to a single read/write byte device.
type ConsoleTTY struct {
	Unsupported

	mu     sync.Mutex
	input  []byte
	output io.Writer
}

// NewConsoleTTY builds a console writing to output.
func NewConsoleTTY(output io.Writer) *ConsoleTTY {
	return &ConsoleTTY{output: output}
}

func (c *ConsoleTTY) Name() string { return "console" }

// Feed enqueues bytes as if typed at the console, called by whatever
// keystroke source (PS/2 interrupt handler, host stdin reader) is wired
// up. Bytes beyond inputQueueCapacity are dropped, oldest first.
func (c *ConsoleTTY) Feed(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.input = append(c.input, b...)

	if overflow := len(c.input) - inputQueueCapacity; overflow > 0 {
		c.input = c.input[overflow:]
	}
}

// Read drains whatever input bytes are queued, up to len(buf); it never
// blocks, matching the original's non-blocking RBR register read.
func (c *ConsoleTTY) Read(_ uint64, buf []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := copy(buf, c.input)
	c.input = c.input[n:]

	return uint64(n), nil
}

// Write emits buf to the console's output, mirroring Serial.Out's THR
// case (fmt.Fprintf one byte at a time to the output writer).
func (c *ConsoleTTY) Write(_ uint64, buf []byte) (uint64, error) {
	n, err := fmt.Fprint(c.output, string(buf))
	if err != nil {
		return uint64(n), err
	}

	return uint64(len(buf)), nil
}

var _ vfs.Device = (*ConsoleTTY)(nil)
