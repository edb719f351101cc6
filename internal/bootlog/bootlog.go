// Package bootlog buffers kernel log output produced before the VFS mount
// is live, then flushes it to the persisted log file once one becomes
// available, per spec.md §6's "persisted state layout" contract.
package bootlog

import (
	"bytes"
	"io"
	"sync"
)

// Ring is a fixed-capacity staging buffer. Writes past capacity evict the
// oldest bytes, the same "best effort, never blocks boot" posture the
// teacher repo takes with its ring-bounded memory regions.
type Ring struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	cap  int
	full bool
}

// New creates a Ring that retains at most capacity bytes.
func New(capacity int) *Ring {
	return &Ring{cap: capacity}
}

// Write implements io.Writer, used as a slog.Handler sink before the
// filesystem mounts.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf.Write(p)
	if over := r.buf.Len() - r.cap; over > 0 {
		r.buf.Next(over)
		r.full = true
	}

	return len(p), nil
}

// Flush copies the buffered bytes to w (typically an open /kernel.log
// vfs.File) and clears the ring.
func (r *Ring) Flush(w io.Writer) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := io.Copy(w, &r.buf)
	r.buf.Reset()

	return n, err
}

// Truncated reports whether any buffered bytes were evicted before flush.
func (r *Ring) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.full
}
