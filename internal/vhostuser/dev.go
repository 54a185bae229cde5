// Package vhostuser implements the backend (device) side of the vhost-user
// protocol over UNIX sockets. Each Dev hosts one virtio device personality:
// it negotiates features, maps the guest memory table, configures virtqueues
// and plugs kick eventfds into the event loop so that guest notifications
// run the device's queue handlers.
package vhostuser

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/vwax/roadtest/internal/guestmem"
	"github.com/vwax/roadtest/internal/virtqueue"
)

// defaultMaxQueueSize caps negotiated ring sizes unless the device owner
// overrides it.
const defaultMaxQueueSize = 1024

// Personality is the device-specific half of a Dev: feature sets, config
// space and queue handlers for one virtio device type.
type Personality interface {
	// Features returns the virtio device feature bits.
	Features() uint64
	// ProtocolFeatures returns the vhost-user protocol feature bits, zero
	// if the device has none beyond the baseline.
	ProtocolFeatures() uint64
	// Config fills buf from the device config space. Devices without a
	// config space return an error.
	Config(buf []byte) error
	// QueueStarted is called when a queue transitions to running or
	// stopped. The device installs or clears the queue's Handler here.
	QueueStarted(q *virtqueue.Queue, started bool)
}

// Watcher is the event-loop surface the transport uses to plug fds in and
// out of epoll. Implemented by eventloop.Loop.
type Watcher interface {
	// SetWatch registers fd; cb runs on readiness.
	SetWatch(dev *Dev, fd int, cb func() error)
	// RemoveWatch drops the watch for fd, or every watch owned by dev when
	// fd is negative.
	RemoveWatch(dev *Dev, fd int)
}

// Dev is one vhost-user device: a listening socket, at most one connected
// peer, and the negotiated virtqueue state.
type Dev struct {
	Name string

	ListenFD int
	SockFD   int

	// MaxQueueSize caps negotiated ring sizes.
	MaxQueueSize uint16

	personality Personality
	watcher     Watcher
	queues      []*virtqueue.Queue
	mem         *guestmem.Table

	features         uint64
	protocolFeatures uint64
	protocolNegot    bool
	ownerSet         bool

	quit bool
}

// NewDev creates a device listening on the given UNIX socket path.
func NewDev(name string, path string, numQueues int, personality Personality, watcher Watcher) (*Dev, error) {
	lfd, err := listen(path)
	if err != nil {
		return nil, err
	}

	d := &Dev{
		Name:         name,
		ListenFD:     lfd,
		SockFD:       -1,
		MaxQueueSize: defaultMaxQueueSize,
		personality:  personality,
		watcher:      watcher,
	}
	for i := 0; i < numQueues; i++ {
		d.queues = append(d.queues, virtqueue.New(i))
	}
	return d, nil
}

// listen creates a UNIX stream listener, unlinking any stale socket first.
func listen(path string) (int, error) {
	_ = unix.Unlink(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("vhost-user: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("vhost-user: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("vhost-user: listen %s: %w", path, err)
	}
	return fd, nil
}

// Queue returns the queue at index.
func (d *Dev) Queue(index int) *virtqueue.Queue {
	return d.queues[index]
}

// NumQueues returns the device's queue count.
func (d *Dev) NumQueues() int { return len(d.queues) }

// Memory returns the current guest memory table, nil before SET_MEM_TABLE.
func (d *Dev) Memory() *guestmem.Table { return d.mem }

// Quit reports whether the peer has disconnected.
func (d *Dev) Quit() bool { return d.quit }

// Accepted records the connected peer socket after the listener fires.
func (d *Dev) Accepted(fd int) {
	d.SockFD = fd
}

// Dispatch reads and handles one message from the connected peer. It is
// invoked by the event loop whenever the socket is readable.
func (d *Dev) Dispatch() error {
	msg, err := readMessage(d.SockFD)
	if err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}

	slog.Debug("vhost-user: message", "dev", d.Name,
		"request", RequestName(msg.Request), "size", msg.Size, "fds", len(msg.Fds))

	if err := d.handle(msg); err != nil {
		return fmt.Errorf("%s: %s: %w", d.Name, RequestName(msg.Request), err)
	}

	if msg.NeedReply() && !isGet(msg.Request) {
		return writeReply(d.SockFD, msg.Request, u64Payload(0))
	}
	return nil
}

func isGet(req uint32) bool {
	switch req {
	case ReqGetFeatures, ReqGetProtocolFeatures, ReqGetVringBase, ReqGetQueueNum, ReqGetConfig:
		return true
	}
	return false
}

func (d *Dev) handle(msg *Message) error {
	switch msg.Request {
	case ReqNone:
		d.disconnect()
		return nil

	case ReqGetFeatures:
		features := d.personality.Features() | FeatureVersion1
		if d.personality.ProtocolFeatures() != 0 {
			features |= FeatureProtocolFeatures
		}
		return writeReply(d.SockFD, msg.Request, u64Payload(features))

	case ReqSetFeatures:
		v, err := msg.U64()
		if err != nil {
			return err
		}
		d.features = v
		return nil

	case ReqGetProtocolFeatures:
		return writeReply(d.SockFD, msg.Request,
			u64Payload(d.personality.ProtocolFeatures()|ProtocolFeatureReplyAck))

	case ReqSetProtocolFeatures:
		v, err := msg.U64()
		if err != nil {
			return err
		}
		d.protocolFeatures = v
		d.protocolNegot = true
		return nil

	case ReqSetOwner:
		d.ownerSet = true
		return nil

	case ReqResetOwner:
		d.ownerSet = false
		return nil

	case ReqSetMemTable:
		return d.setMemTable(msg)

	case ReqSetLogBase, ReqSetLogFD:
		closeFds(msg.Fds)
		return nil

	case ReqSetVringNum:
		index, num, err := msg.VringState()
		if err != nil {
			return err
		}
		q, err := d.queueAt(index)
		if err != nil {
			return err
		}
		if num > uint32(d.MaxQueueSize) {
			return fmt.Errorf("queue size %d exceeds device maximum %d", num, d.MaxQueueSize)
		}
		if err := q.SetSize(uint16(num)); err != nil {
			return err
		}
		return d.maybeStartQueue(q)

	case ReqSetVringAddr:
		addr, err := msg.VringAddr()
		if err != nil {
			return err
		}
		q, err := d.queueAt(addr.Index)
		if err != nil {
			return err
		}
		q.SetAddrs(addr.Desc, addr.Avail, addr.Used)
		return d.maybeStartQueue(q)

	case ReqSetVringBase:
		index, num, err := msg.VringState()
		if err != nil {
			return err
		}
		q, err := d.queueAt(index)
		if err != nil {
			return err
		}
		q.SetBase(uint16(num))
		return nil

	case ReqGetVringBase:
		index, _, err := msg.VringState()
		if err != nil {
			return err
		}
		q, err := d.queueAt(index)
		if err != nil {
			return err
		}
		d.stopQueue(q)
		return writeReply(d.SockFD, msg.Request, vringStatePayload(index, uint32(q.Base())))

	case ReqSetVringKick:
		q, fd, err := d.vringFd(msg)
		if err != nil {
			return err
		}
		if fd >= 0 {
			q.SetKick(fd)
		}
		return d.maybeStartQueue(q)

	case ReqSetVringCall:
		q, fd, err := d.vringFd(msg)
		if err != nil {
			return err
		}
		if fd >= 0 {
			q.SetCall(fd)
		}
		return nil

	case ReqSetVringErr:
		_, fd, err := d.vringFd(msg)
		if err != nil {
			return err
		}
		if fd >= 0 {
			unix.Close(fd)
		}
		return nil

	case ReqSetVringEnable:
		index, num, err := msg.VringState()
		if err != nil {
			return err
		}
		q, err := d.queueAt(index)
		if err != nil {
			return err
		}
		q.SetEnabled(num == 1)
		if num == 1 {
			return d.maybeStartQueue(q)
		}
		d.stopQueue(q)
		return nil

	case ReqGetQueueNum:
		return writeReply(d.SockFD, msg.Request, u64Payload(uint64(len(d.queues))))

	case ReqGetConfig:
		return d.getConfig(msg)

	case ReqSetConfig:
		slog.Debug("vhost-user: ignoring set_config", "dev", d.Name)
		return nil

	default:
		// Unhandled requests are logged and skipped; the reference's
		// libvhost-user aborts here, but the requests UML actually sends
		// are all covered above.
		slog.Warn("vhost-user: unhandled request", "dev", d.Name,
			"request", RequestName(msg.Request))
		closeFds(msg.Fds)
		return nil
	}
}

func (d *Dev) queueAt(index uint32) (*virtqueue.Queue, error) {
	if int(index) >= len(d.queues) {
		return nil, fmt.Errorf("queue index %d out of range (%d queues)", index, len(d.queues))
	}
	return d.queues[index], nil
}

// vringFd decodes the u64 {index | flags} payload shared by the kick, call
// and err fd messages and picks up the ancillary fd. Returns fd -1 when the
// peer signalled no-fd.
func (d *Dev) vringFd(msg *Message) (*virtqueue.Queue, int, error) {
	v, err := msg.U64()
	if err != nil {
		return nil, -1, err
	}
	q, err := d.queueAt(uint32(v & vringIdxMask))
	if err != nil {
		return nil, -1, err
	}
	if v&vringNoFDMask != 0 {
		return q, -1, nil
	}
	if len(msg.Fds) < 1 {
		return nil, -1, fmt.Errorf("expected an fd with %s", RequestName(msg.Request))
	}
	return q, msg.Fds[0], nil
}

func (d *Dev) setMemTable(msg *Message) error {
	regions, err := msg.MemRegions()
	if err != nil {
		closeFds(msg.Fds)
		return err
	}

	table, err := guestmem.NewTable(regions, msg.Fds)
	if err != nil {
		return err
	}

	if d.mem != nil {
		d.mem.Retire()
	}
	d.mem = table

	// Queues resolved against the old table keep their element references
	// alive until pushed; restart ready queues onto the new table.
	for _, q := range d.queues {
		if q.Ready() {
			if err := q.Start(table); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dev) getConfig(msg *Message) error {
	space, err := msg.ConfigSpace()
	if err != nil {
		return err
	}
	if space.Size > maxPayloadSize-12 {
		return fmt.Errorf("config size %d too large", space.Size)
	}

	buf := make([]byte, space.Size)
	if err := d.personality.Config(buf); err != nil {
		return err
	}

	payload := make([]byte, 12+len(buf))
	copy(payload, msg.Payload[:12])
	copy(payload[12:], buf)
	return writeReply(d.SockFD, msg.Request, payload)
}

// maybeStartQueue transitions a queue to running once its size, ring
// addresses and kick fd are all in place and the peer has enabled it.
// Rings start enabled unless protocol features were negotiated, per the
// vhost-user spec.
func (d *Dev) maybeStartQueue(q *virtqueue.Queue) error {
	if q.Ready() {
		return nil
	}
	enabled := q.Enabled() || !d.protocolNegot
	if !enabled || !q.Configured() || !q.HasKick() || d.mem == nil {
		return nil
	}

	if err := q.Start(d.mem); err != nil {
		return err
	}
	d.personality.QueueStarted(q, true)

	slog.Debug("vhost-user: queue running", "dev", d.Name, "queue", q.Index, "size", q.Size())

	kq := q
	d.watcher.SetWatch(d, q.KickFD(), func() error {
		kq.DrainKick()
		if kq.Handler == nil {
			return nil
		}
		return kq.Handler(kq)
	})
	return nil
}

// stopQueue cycles a running queue back to configured-but-stopped without
// tearing down the device.
func (d *Dev) stopQueue(q *virtqueue.Queue) {
	if !q.Ready() {
		return
	}
	if q.KickFD() >= 0 {
		d.watcher.RemoveWatch(d, q.KickFD())
	}
	q.Stop()
	d.personality.QueueStarted(q, false)
}

// disconnect handles the peer's graceful hangup: all watches are removed and
// the device marks itself quit. When every device has quit the event loop
// exits.
func (d *Dev) disconnect() {
	slog.Debug("vhost-user: disconnect", "dev", d.Name)
	d.watcher.RemoveWatch(d, -1)
	if d.SockFD >= 0 {
		unix.Close(d.SockFD)
		d.SockFD = -1
	}
	d.quit = true
}

// Deinit releases the device's queues, memory table and sockets. Called once
// the event loop has exited.
func (d *Dev) Deinit() {
	for _, q := range d.queues {
		q.Close()
	}
	if d.mem != nil {
		d.mem.Retire()
		d.mem = nil
	}
	if d.SockFD >= 0 {
		unix.Close(d.SockFD)
		d.SockFD = -1
	}
	if d.ListenFD >= 0 {
		unix.Close(d.ListenFD)
		d.ListenFD = -1
	}
}

func closeFds(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
