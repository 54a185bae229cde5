package devices

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/vwax/roadtest/internal/virtqueue"
)

// Ring harness shared by the device tests: an identity-mapped arena holding
// a single queue's rings plus request buffers, with helpers to inject
// requests the way the guest driver would.
const (
	harnessDescOff  = 0x100
	harnessAvailOff = 0x400
	harnessUsedOff  = 0x600
	harnessBufsOff  = 0x1000

	harnessQSize = 16
)

type arena struct {
	buf []byte
}

func (m *arena) Slice(gpa uint64, n int) ([]byte, error) {
	if gpa+uint64(n) > uint64(len(m.buf)) {
		return nil, fmt.Errorf("out of range: %#x+%d", gpa, n)
	}
	return m.buf[gpa : gpa+uint64(n)], nil
}

func (m *arena) SliceUser(addr uint64, n int) ([]byte, error) { return m.Slice(addr, n) }
func (m *arena) Acquire()                                     {}
func (m *arena) Release()                                     {}

type harness struct {
	t   *testing.T
	mem *arena
	q   *virtqueue.Queue

	nextDesc int
	nextBuf  uint64
}

func newHarness(t *testing.T, index int) *harness {
	t.Helper()
	mem := &arena{buf: make([]byte, 0x8000)}
	q := virtqueue.New(index)
	if err := q.SetSize(harnessQSize); err != nil {
		t.Fatal(err)
	}
	q.StartDirect(mem,
		mem.buf[harnessDescOff:harnessDescOff+harnessQSize*16],
		mem.buf[harnessAvailOff:harnessAvailOff+6+2*harnessQSize],
		mem.buf[harnessUsedOff:harnessUsedOff+6+8*harnessQSize])
	return &harness{t: t, mem: mem, q: q, nextBuf: harnessBufsOff}
}

func (h *harness) writeDesc(i int, addr uint64, length uint32, flags, next uint16) {
	d := h.mem.buf[harnessDescOff+16*i:]
	binary.LittleEndian.PutUint64(d[0:8], addr)
	binary.LittleEndian.PutUint32(d[8:12], length)
	binary.LittleEndian.PutUint16(d[12:14], flags)
	binary.LittleEndian.PutUint16(d[14:16], next)
}

func (h *harness) alloc(n int) uint64 {
	addr := h.nextBuf
	h.nextBuf += uint64((n + 15) &^ 15)
	return addr
}

// inject builds a descriptor chain carrying the given out payloads followed
// by device-writable buffers of the given lengths, and posts it on the
// available ring. It returns the in buffers so the test can inspect what the
// device wrote.
func (h *harness) inject(out [][]byte, inLens []int) [][]byte {
	h.t.Helper()

	head := h.nextDesc
	total := len(out) + len(inLens)
	if total == 0 {
		h.t.Fatal("inject needs at least one buffer")
	}

	var inBufs [][]byte
	idx := head
	for i, data := range out {
		addr := h.alloc(len(data))
		copy(h.mem.buf[addr:], data)
		flags := uint16(0)
		if i < total-1 {
			flags |= 1 // NEXT
		}
		h.writeDesc(idx, addr, uint32(len(data)), flags, uint16(idx+1))
		idx++
	}
	for i, n := range inLens {
		addr := h.alloc(n)
		flags := uint16(2) // WRITE
		if len(out)+i < total-1 {
			flags |= 1
		}
		h.writeDesc(idx, addr, uint32(n), flags, uint16(idx+1))
		inBufs = append(inBufs, h.mem.buf[addr:addr+uint64(n)])
		idx++
	}
	h.nextDesc = idx

	availIdx := binary.LittleEndian.Uint16(h.mem.buf[harnessAvailOff+2:])
	binary.LittleEndian.PutUint16(h.mem.buf[harnessAvailOff+4+2*int(availIdx%harnessQSize):], uint16(head))
	binary.LittleEndian.PutUint16(h.mem.buf[harnessAvailOff+2:], availIdx+1)

	return inBufs
}

func (h *harness) usedCount() int {
	return int(binary.LittleEndian.Uint16(h.mem.buf[harnessUsedOff+2:]))
}

func (h *harness) usedEntry(i int) (id, length uint32) {
	e := h.mem.buf[harnessUsedOff+4+8*i:]
	return binary.LittleEndian.Uint32(e[0:4]), binary.LittleEndian.Uint32(e[4:8])
}

// run invokes the queue handler the way a kick would.
func (h *harness) run() error {
	if h.q.Handler == nil {
		h.t.Fatal("no queue handler installed")
	}
	return h.q.Handler(h.q)
}

// Fake models recording their calls.

type i2cCall struct {
	op   string
	addr uint16
	data []byte
	len  int
}

type fakeI2CModel struct {
	calls    []i2cCall
	readData []byte
	fail     bool
}

func (m *fakeI2CModel) Read(addr uint16, length int) ([]byte, error) {
	m.calls = append(m.calls, i2cCall{op: "read", addr: addr, len: length})
	if m.fail {
		return nil, fmt.Errorf("model failure")
	}
	if len(m.readData) < length {
		return nil, fmt.Errorf("test model has only %d bytes", len(m.readData))
	}
	return m.readData[:length], nil
}

func (m *fakeI2CModel) Write(addr uint16, data []byte) error {
	m.calls = append(m.calls, i2cCall{op: "write", addr: addr, data: append([]byte(nil), data...)})
	if m.fail {
		return fmt.Errorf("model failure")
	}
	return nil
}

type gpioCall struct {
	op    string
	pin   uint32
	value uint32
}

type fakeGPIOModel struct {
	calls []gpioCall
	fail  bool

	// onUnmask lets tests trigger interrupts from inside the model, the way
	// a level-triggered model would.
	onUnmask func(pin uint32)
}

func (m *fakeGPIOModel) SetIrqType(pin, irqType uint32) error {
	m.calls = append(m.calls, gpioCall{op: "set_irq_type", pin: pin, value: irqType})
	if m.fail {
		return fmt.Errorf("model failure")
	}
	return nil
}

func (m *fakeGPIOModel) SetValue(pin, value uint32) error {
	m.calls = append(m.calls, gpioCall{op: "set_value", pin: pin, value: value})
	if m.fail {
		return fmt.Errorf("model failure")
	}
	return nil
}

func (m *fakeGPIOModel) Unmask(pin uint32) error {
	m.calls = append(m.calls, gpioCall{op: "unmask", pin: pin})
	if m.fail {
		return fmt.Errorf("model failure")
	}
	if m.onUnmask != nil {
		m.onUnmask(pin)
	}
	return nil
}

type platCall struct {
	op    string
	addr  uint64
	size  int
	value uint64
}

type fakePlatformModel struct {
	calls   []platCall
	readVal uint64
	fail    bool
}

func (m *fakePlatformModel) Read(addr uint64, size int) (uint64, error) {
	m.calls = append(m.calls, platCall{op: "read", addr: addr, size: size})
	if m.fail {
		return 0, fmt.Errorf("model failure")
	}
	return m.readVal, nil
}

func (m *fakePlatformModel) Write(addr uint64, size int, value uint64) error {
	m.calls = append(m.calls, platCall{op: "write", addr: addr, size: size, value: value})
	if m.fail {
		return fmt.Errorf("model failure")
	}
	return nil
}
