// Package eventloop runs the backend's single-threaded epoll reactor.
//
// Three kinds of watches exist: listening vhost-user sockets (one-shot;
// promoted to connected-socket watches on accept), connected sockets
// (dispatch the vhost-user protocol) and transport-registered fds such as
// queue kick eventfds (invoke a stored callback). Before dispatching any
// ready fd the loop drains the control channel exactly once per wake, so
// harness commands are applied ahead of device work.
package eventloop

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/vwax/roadtest/internal/vhostuser"
)

type watchKind int

const (
	watchListen watchKind = iota
	watchSocket
	watchVU
)

func (k watchKind) String() string {
	switch k {
	case watchListen:
		return "listen"
	case watchSocket:
		return "socket"
	case watchVU:
		return "vu"
	}
	return "invalid"
}

type watch struct {
	kind watchKind
	fd   int
	dev  *vhostuser.Dev
	cb   func() error
}

// Loop is the epoll reactor. It implements vhostuser.Watcher so transports
// can plug kick fds straight into it.
type Loop struct {
	epfd    int
	watches map[int]*watch
	devs    []*vhostuser.Dev

	// ProcessControl is called once per wake before dispatch.
	ProcessControl func() error
}

// New creates the reactor.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		watches: make(map[int]*watch),
	}, nil
}

// AddDevice registers a device's listening socket. The watch is one-shot:
// each device accepts exactly one peer.
func (l *Loop) AddDevice(dev *vhostuser.Dev) error {
	w := &watch{kind: watchListen, fd: dev.ListenFD, dev: dev}
	if err := l.add(w, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
		return err
	}
	l.devs = append(l.devs, dev)
	return nil
}

// SetWatch implements vhostuser.Watcher.
func (l *Loop) SetWatch(dev *vhostuser.Dev, fd int, cb func() error) {
	w := &watch{kind: watchVU, fd: fd, dev: dev, cb: cb}

	slog.Debug("eventloop: set watch", "dev", dev.Name, "fd", fd)

	// Re-registration of the same fd replaces the previous watch.
	if _, ok := l.watches[fd]; ok {
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(l.watches, fd)
	}
	if err := l.add(w, unix.EPOLLIN); err != nil {
		panic(fmt.Sprintf("eventloop: watch fd %d for %s: %v", fd, dev.Name, err))
	}
}

// RemoveWatch implements vhostuser.Watcher. A negative fd removes every
// watch owned by the device.
func (l *Loop) RemoveWatch(dev *vhostuser.Dev, fd int) {
	for wfd, w := range l.watches {
		if w.dev != dev {
			continue
		}
		if fd >= 0 && wfd != fd {
			continue
		}
		slog.Debug("eventloop: remove watch", "dev", dev.Name, "fd", wfd, "kind", w.kind.String())
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, wfd, nil)
		delete(l.watches, wfd)
	}
}

func (l *Loop) add(w *watch, events uint32) error {
	ev := unix.EpollEvent{
		Events: events,
		Fd:     int32(w.fd),
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, w.fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", w.fd, err)
	}
	l.watches[w.fd] = w
	return nil
}

// Run dispatches events until every device has quit. epoll_wait retries on
// EINTR and fails on anything else.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 10)

	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}

		if l.ProcessControl != nil {
			if err := l.ProcessControl(); err != nil {
				return err
			}
		}

		for i := 0; i < n; i++ {
			w, ok := l.watches[int(events[i].Fd)]
			if !ok {
				// The watch went away while its event was pending, e.g. a
				// peer disconnect tearing down an entire device mid-batch.
				continue
			}

			switch w.kind {
			case watchListen:
				if err := l.accept(w); err != nil {
					return err
				}
			case watchSocket:
				if err := w.dev.Dispatch(); err != nil {
					return err
				}
			case watchVU:
				if err := w.cb(); err != nil {
					return err
				}
			default:
				panic(fmt.Sprintf("eventloop: invalid watch kind %d", w.kind))
			}
		}

		if l.allQuit() {
			return nil
		}
	}
}

// accept promotes a listener watch into a connected-socket watch. The
// listener is closed: each device serves exactly one peer per run.
func (l *Loop) accept(w *watch) error {
	fd, _, err := unix.Accept(w.fd)
	if err != nil {
		return fmt.Errorf("eventloop: accept for %s: %w", w.dev.Name, err)
	}

	slog.Debug("eventloop: accepted", "dev", w.dev.Name, "fd", fd)

	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
	delete(l.watches, w.fd)
	unix.Close(w.fd)
	w.dev.ListenFD = -1

	w.dev.Accepted(fd)

	sw := &watch{kind: watchSocket, fd: fd, dev: w.dev}
	return l.add(sw, unix.EPOLLIN)
}

func (l *Loop) allQuit() bool {
	for _, dev := range l.devs {
		if !dev.Quit() {
			return false
		}
	}
	return len(l.devs) > 0
}

// Close tears down the epoll fd. Device fds are owned by their Dev.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
