package devices

import (
	"encoding/binary"
	"sync"

	"github.com/coreforge/corekernel/vfs"
)

// eventBus fans out raw input events (already-encoded fixed-size records)
// to every currently-subscribed reader, mirroring Keyboard::new_receiver /
// Mouse::new_receiver's broadcast-to-all-receivers behavior: an event
// published before a reader subscribes is never delivered to it.
type eventBus struct {
	recordSize int

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newEventBus(recordSize int) *eventBus {
	return &eventBus{recordSize: recordSize, subs: map[*subscription]struct{}{}}
}

// subscription is one reader's private queue of pending records.
type subscription struct {
	bus *eventBus

	mu      sync.Mutex
	pending [][]byte
}

func (b *eventBus) subscribe() *subscription {
	s := &subscription{bus: b}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s
}

func (b *eventBus) publish(record []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		s.mu.Lock()
		s.pending = append(s.pending, append([]byte(nil), record...))
		s.mu.Unlock()
	}
}

func (b *eventBus) unsubscribe(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// recv pops the oldest pending record, or reports none available.
func (s *subscription) recv() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, false
	}

	rec := s.pending[0]
	s.pending = s.pending[1:]

	return rec, true
}

// KeyEvent is a single keyboard scancode translated to a key id plus
// press/release state, the wire record devices.Keyboard publishes.
type KeyEvent struct {
	Code    uint16
	Pressed bool
}

// keyEventSize is Code (2 bytes) + Pressed (1 byte), matching Key::BYTES_SIZE.
const keyEventSize = 3

func encodeKeyEvent(e KeyEvent) []byte {
	buf := make([]byte, keyEventSize)
	binary.LittleEndian.PutUint16(buf, e.Code)

	if e.Pressed {
		buf[2] = 1
	}

	return buf
}

// KeyboardFactory is the registry entry for "keyboard": every open hands
// back a KeyboardInstance subscribed to the shared bus from that point
// on, matching KeyboardDeviceCreator.try_create.
type KeyboardFactory struct {
	Unsupported

	bus *eventBus
}

// NewKeyboardFactory builds the keyboard factory device; Publish is how
// the PS/2 interrupt handler (or any other scancode source) feeds it
// translated key events.
func NewKeyboardFactory() *KeyboardFactory {
	return &KeyboardFactory{bus: newEventBus(keyEventSize)}
}

func (k *KeyboardFactory) Name() string { return "keyboard" }

// Publish broadcasts e to every keyboard instance currently open.
func (k *KeyboardFactory) Publish(e KeyEvent) {
	k.bus.publish(encodeKeyEvent(e))
}

// CloneDevice is rejected on the factory itself: clone_device on the
// bare "keyboard" entry doesn't make sense, only on an opened instance.
func (k *KeyboardFactory) CloneDevice() error { return ErrNotSupported }

func (k *KeyboardFactory) TryCreate() (Device, error) {
	return &KeyboardInstance{sub: k.bus.subscribe(), bus: k.bus}, nil
}

// KeyboardInstance is one open handle onto the keyboard's event stream.
type KeyboardInstance struct {
	Unsupported

	bus *eventBus
	sub *subscription
}

func (k *KeyboardInstance) Name() string { return "keyboard_instance" }

// Read drains as many complete key events as buf can hold, returning the
// number of bytes written (always a multiple of keyEventSize). If no
// events are pending it returns 0, nil rather than blocking -- callers
// that want to block use vfs.BlockLine/Block(1) at the File layer.
func (k *KeyboardInstance) Read(_ uint64, buf []byte) (uint64, error) {
	var n int

	for n+keyEventSize <= len(buf) {
		rec, ok := k.sub.recv()
		if !ok {
			break
		}

		copy(buf[n:], rec)
		n += keyEventSize
	}

	return uint64(n), nil
}

func (k *KeyboardInstance) Close() error {
	k.bus.unsubscribe(k.sub)

	return nil
}

// MouseEvent is a relative motion plus button mask, the wire record
// devices.Mouse publishes.
type MouseEvent struct {
	DX, DY  int16
	Buttons uint8
}

const mouseEventSize = 5

func encodeMouseEvent(e MouseEvent) []byte {
	buf := make([]byte, mouseEventSize)
	binary.LittleEndian.PutUint16(buf[0:], uint16(e.DX))
	binary.LittleEndian.PutUint16(buf[2:], uint16(e.DY))
	buf[4] = e.Buttons

	return buf
}

// MouseFactory is the registry entry for "mouse", symmetric with
// KeyboardFactory.
type MouseFactory struct {
	Unsupported

	bus *eventBus
}

func NewMouseFactory() *MouseFactory {
	return &MouseFactory{bus: newEventBus(mouseEventSize)}
}

func (m *MouseFactory) Name() string { return "mouse" }

func (m *MouseFactory) Publish(e MouseEvent) {
	m.bus.publish(encodeMouseEvent(e))
}

func (m *MouseFactory) CloneDevice() error { return ErrNotSupported }

func (m *MouseFactory) TryCreate() (Device, error) {
	return &MouseInstance{sub: m.bus.subscribe(), bus: m.bus}, nil
}

// MouseInstance is one open handle onto the mouse's event stream.
type MouseInstance struct {
	Unsupported

	bus *eventBus
	sub *subscription
}

func (m *MouseInstance) Name() string { return "mouse_instance" }

func (m *MouseInstance) Read(_ uint64, buf []byte) (uint64, error) {
	var n int

	for n+mouseEventSize <= len(buf) {
		rec, ok := m.sub.recv()
		if !ok {
			break
		}

		copy(buf[n:], rec)
		n += mouseEventSize
	}

	return uint64(n), nil
}

func (m *MouseInstance) Close() error {
	m.bus.unsubscribe(m.sub)

	return nil
}

var (
	_ vfs.Device = (*KeyboardInstance)(nil)
	_ vfs.Device = (*MouseInstance)(nil)
)
