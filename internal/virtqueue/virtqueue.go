// Package virtqueue implements the device side of virtio split virtqueues.
//
// A Queue parses the descriptor table, available ring and used ring that the
// guest driver placed in shared memory, drains requests as scatter-gather
// elements and publishes completions back to the used ring. The layouts
// follow the virtio 1.x split-ring ABI.
package virtqueue

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/eventfd"
)

// Descriptor flags per the virtio spec.
const (
	descFNext  = 1
	descFWrite = 2

	availFNoInterrupt = 1
)

const descSize = 16

// Memory resolves guest addresses to host byte slices and tracks element
// lifetimes across memory-table replacement. Implemented by guestmem.Table.
type Memory interface {
	// Slice returns a host view of guest physical memory.
	Slice(gpa uint64, length int) ([]byte, error)
	// SliceUser returns a host view addressed by driver virtual address.
	SliceUser(addr uint64, length int) ([]byte, error)
	// Acquire/Release bracket the lifetime of a popped element.
	Acquire()
	Release()
}

// Element is one drained request: a descriptor chain split into guest-to-host
// (Out) and host-to-guest (In) buffers, in chain order within each group. The
// buffers alias guest memory and stay valid until Push.
type Element struct {
	Head uint16
	Out  [][]byte
	In   [][]byte

	mem Memory
}

// OutLen returns the total length of the out buffers.
func (e *Element) OutLen() int {
	var n int
	for _, b := range e.Out {
		n += len(b)
	}
	return n
}

// InLen returns the total length of the in buffers.
func (e *Element) InLen() int {
	var n int
	for _, b := range e.In {
		n += len(b)
	}
	return n
}

// Queue is the device side of one split virtqueue.
type Queue struct {
	Index int

	size    uint16
	ready   bool
	enabled bool

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	desc  []byte
	avail []byte
	used  []byte

	lastAvailIdx uint16
	usedIdx      uint16

	mem Memory

	kick    eventfd.Eventfd
	call    eventfd.Eventfd
	hasKick bool
	hasCall bool

	// Handler is invoked by the event loop when the guest kicks the queue.
	Handler func(*Queue) error
}

// New returns a queue with the given index. It becomes usable once size,
// ring addresses and memory are configured by the transport.
func New(index int) *Queue {
	return &Queue{Index: index}
}

// SetSize configures the ring size. The size must be a power of two; the
// transport validates the device maximum.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("virtqueue: queue %d size %d is not a power of two", q.Index, size)
	}
	q.size = size
	return nil
}

// Size returns the configured ring size.
func (q *Queue) Size() uint16 { return q.size }

// SetAddrs records the ring addresses (driver virtual addresses, resolved
// against the memory table when the queue starts).
func (q *Queue) SetAddrs(desc, avail, used uint64) {
	q.descAddr = desc
	q.availAddr = avail
	q.usedAddr = used
}

// SetBase sets the next available index to consume, per SET_VRING_BASE.
func (q *Queue) SetBase(base uint16) {
	q.lastAvailIdx = base
	q.usedIdx = base
}

// Base returns the next available index, reported on GET_VRING_BASE.
func (q *Queue) Base() uint16 { return q.lastAvailIdx }

// SetEnabled toggles the driver-controlled enable state.
func (q *Queue) SetEnabled(enabled bool) { q.enabled = enabled }

// Enabled reports the driver-controlled enable state.
func (q *Queue) Enabled() bool { return q.enabled }

// SetKick installs the kick eventfd, replacing and closing any previous one.
func (q *Queue) SetKick(fd int) {
	if q.hasKick {
		q.kick.Close()
	}
	q.kick = eventfd.Wrap(fd)
	q.hasKick = true
}

// KickFD returns the kick eventfd number, or -1 if none is installed.
func (q *Queue) KickFD() int {
	if !q.hasKick {
		return -1
	}
	return q.kick.FD()
}

// DrainKick consumes a pending kick notification.
func (q *Queue) DrainKick() {
	if !q.hasKick {
		return
	}
	if _, err := q.kick.Read(); err != nil {
		slog.Debug("virtqueue: drain kick", "queue", q.Index, "error", err)
	}
}

// SetCall installs the call eventfd, replacing and closing any previous one.
func (q *Queue) SetCall(fd int) {
	if q.hasCall {
		q.call.Close()
	}
	q.call = eventfd.Wrap(fd)
	q.hasCall = true
}

// HasKick reports whether a kick eventfd is installed.
func (q *Queue) HasKick() bool { return q.hasKick }

// Configured reports whether size and ring addresses have been set.
func (q *Queue) Configured() bool {
	return q.size != 0 && q.descAddr != 0 && q.availAddr != 0 && q.usedAddr != 0
}

// Start resolves the ring addresses against the memory table and marks the
// queue ready. Ring sizes follow the split-ring layout: 16 bytes per
// descriptor, 6+2n for the available ring, 6+8n for the used ring.
func (q *Queue) Start(mem Memory) error {
	n := int(q.size)
	desc, err := mem.SliceUser(q.descAddr, n*descSize)
	if err != nil {
		return fmt.Errorf("virtqueue: queue %d descriptor table: %w", q.Index, err)
	}
	avail, err := mem.SliceUser(q.availAddr, 6+2*n)
	if err != nil {
		return fmt.Errorf("virtqueue: queue %d available ring: %w", q.Index, err)
	}
	used, err := mem.SliceUser(q.usedAddr, 6+8*n)
	if err != nil {
		return fmt.Errorf("virtqueue: queue %d used ring: %w", q.Index, err)
	}
	q.desc = desc
	q.avail = avail
	q.used = used
	q.mem = mem
	q.ready = true
	return nil
}

// StartDirect is Start for pre-resolved ring memory. Tests use it to run a
// queue over plain byte slices.
func (q *Queue) StartDirect(mem Memory, desc, avail, used []byte) {
	q.desc = desc
	q.avail = avail
	q.used = used
	q.mem = mem
	q.ready = true
}

// Stop marks the queue not ready, keeping its configuration for a later
// restart via queue-enable cycling.
func (q *Queue) Stop() {
	q.ready = false
}

// Ready reports whether the queue is processing requests.
func (q *Queue) Ready() bool { return q.ready }

// Close releases the queue's eventfds.
func (q *Queue) Close() {
	if q.hasKick {
		q.kick.Close()
		q.hasKick = false
	}
	if q.hasCall {
		q.call.Close()
		q.hasCall = false
	}
}

func (q *Queue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.avail[2:4])
}

func (q *Queue) availFlags() uint16 {
	return binary.LittleEndian.Uint16(q.avail[0:2])
}

func (q *Queue) availRing(i uint16) uint16 {
	return binary.LittleEndian.Uint16(q.avail[4+2*int(i):])
}

func (q *Queue) readDesc(i uint16) (addr uint64, length uint32, flags uint16, next uint16) {
	d := q.desc[int(i)*descSize:]
	return binary.LittleEndian.Uint64(d[0:8]),
		binary.LittleEndian.Uint32(d[8:12]),
		binary.LittleEndian.Uint16(d[12:14]),
		binary.LittleEndian.Uint16(d[14:16])
}

// Pop drains the next available request. Returns nil when the ring is empty.
// Malformed rings (out-of-range indices, chain loops, buffers outside any
// mapped region) panic: a misbehaving guest driver is exactly the bug the
// test exists to surface, and there is no way to continue.
func (q *Queue) Pop() *Element {
	if !q.ready {
		return nil
	}
	availIdx := q.availIdx()
	if q.lastAvailIdx == availIdx {
		return nil
	}

	head := q.availRing(q.lastAvailIdx % q.size)
	if head >= q.size {
		panic(fmt.Sprintf("virtqueue: queue %d head index %d out of range (size %d)",
			q.Index, head, q.size))
	}

	elem := &Element{Head: head, mem: q.mem}

	idx := head
	for i := uint16(0); ; i++ {
		if i >= q.size {
			panic(fmt.Sprintf("virtqueue: queue %d descriptor chain loop at head %d", q.Index, head))
		}
		addr, length, flags, next := q.readDesc(idx)

		buf, err := q.mem.Slice(addr, int(length))
		if err != nil {
			panic(fmt.Sprintf("virtqueue: queue %d descriptor %d: %v", q.Index, idx, err))
		}
		if flags&descFWrite != 0 {
			elem.In = append(elem.In, buf)
		} else {
			if len(elem.In) > 0 {
				panic(fmt.Sprintf("virtqueue: queue %d out descriptor after in descriptor at head %d",
					q.Index, head))
			}
			elem.Out = append(elem.Out, buf)
		}

		if flags&descFNext == 0 {
			break
		}
		if next >= q.size {
			panic(fmt.Sprintf("virtqueue: queue %d next index %d out of range (size %d)",
				q.Index, next, q.size))
		}
		idx = next
	}

	q.lastAvailIdx++
	q.mem.Acquire()

	return elem
}

// Push publishes a completed element to the used ring. used is the number of
// bytes the device wrote into the element's in buffers; it must not exceed
// their total length. The used element is written before the index so the
// guest never observes a partially published entry. The element is retired:
// its buffers must not be touched afterwards.
func (q *Queue) Push(elem *Element, used uint32) {
	if used > uint32(elem.InLen()) {
		panic(fmt.Sprintf("virtqueue: queue %d used length %d exceeds in length %d",
			q.Index, used, elem.InLen()))
	}

	e := q.used[4+8*int(q.usedIdx%q.size):]
	binary.LittleEndian.PutUint32(e[0:4], uint32(elem.Head))
	binary.LittleEndian.PutUint32(e[4:8], used)

	// Publish the index only after the element above is visible. The index
	// store is the release point the guest orders against.
	q.usedIdx++
	binary.LittleEndian.PutUint16(q.used[2:4], q.usedIdx)

	elem.mem.Release()
	elem.Out = nil
	elem.In = nil
}

// UsedIdx returns the device's used index.
func (q *Queue) UsedIdx() uint16 { return q.usedIdx }

// Notify signals the guest on the call eventfd, unless the driver set the
// no-interrupt flag in the available ring.
func (q *Queue) Notify() {
	if !q.ready || !q.hasCall {
		return
	}
	if q.availFlags()&availFNoInterrupt != 0 {
		return
	}
	if err := q.call.Notify(); err != nil {
		slog.Error("virtqueue: notify", "queue", q.Index, "error", err)
	}
}
