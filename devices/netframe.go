package devices

import (
	"sync"

	"github.com/coreforge/corekernel/vfs"
)

// frameQueueSize bounds how many pending frames NetFrame holds in either
// direction before the oldest is dropped, mirroring virtio.QueueSize --
// the descriptor ring depth past which virtio-net back-pressures the
// guest.
const frameQueueSize = 32

// NetFrame is a raw link-layer frame device mounted at /devices/net0:
// Write enqueues a frame for an out-of-core NIC driver to transmit, Read
// drains the next received frame. Grounded on virtio/net.go's Net type
// (VirtQueue plus rxKick/txKick channels signaling frame availability
// across the guest/host boundary) and tap/tap.go's single-fd interface
// handle, retargeted from a virtio-net guest device talking to a host
// tap(4) interface into a plain in-kernel frame sink a driver attaches
// to directly.
type NetFrame struct {
	Unsupported

	mu   sync.Mutex
	rx   [][]byte // frames waiting to be Read by the owning process
	tx   [][]byte // frames Written by the owning process, waiting on Drain
	kick chan struct{}
}

// NewNetFrame builds an empty frame device.
func NewNetFrame() *NetFrame {
	return &NetFrame{kick: make(chan struct{}, 1)}
}

func (n *NetFrame) Name() string { return "net0" }

// Read dequeues the oldest received frame into buf. If buf is too small
// for the frame it is dropped (link-layer frames are read whole or not
// at all, matching virtio-net's descriptor-per-frame contract). With
// nothing queued it returns 0, nil -- callers that want to block use
// vfs.Block(1) at the File layer.
func (n *NetFrame) Read(_ uint64, buf []byte) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.rx) == 0 {
		return 0, nil
	}

	frame := n.rx[0]
	n.rx = n.rx[1:]

	if len(frame) > len(buf) {
		return 0, nil
	}

	copy(buf, frame)

	return uint64(len(frame)), nil
}

// Write enqueues buf as one outgoing frame for Drain to pick up, dropping
// the oldest queued frame once frameQueueSize is exceeded -- the
// in-kernel analogue of virtio-net's bounded VirtQueue back-pressuring a
// guest that transmits faster than the host drains.
func (n *NetFrame) Write(_ uint64, buf []byte) (uint64, error) {
	frame := append([]byte(nil), buf...)

	n.mu.Lock()
	n.tx = append(n.tx, frame)
	if len(n.tx) > frameQueueSize {
		n.tx = n.tx[len(n.tx)-frameQueueSize:]
	}
	n.mu.Unlock()

	select {
	case n.kick <- struct{}{}:
	default:
	}

	return uint64(len(buf)), nil
}

// Kick returns the channel a driver selects on to learn a frame is ready
// to Drain, mirroring virtio.Net's txKick.
func (n *NetFrame) Kick() <-chan struct{} { return n.kick }

// Drain hands the outgoing-frame queue to the caller (a NIC driver
// living outside this package) and empties it.
func (n *NetFrame) Drain() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()

	frames := n.tx
	n.tx = nil

	return frames
}

// Deliver enqueues a received frame for the owning process to Read,
// called by the NIC driver on frame arrival.
func (n *NetFrame) Deliver(frame []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.rx = append(n.rx, append([]byte(nil), frame...))
	if len(n.rx) > frameQueueSize {
		n.rx = n.rx[len(n.rx)-frameQueueSize:]
	}
}

var _ vfs.Device = (*NetFrame)(nil)
