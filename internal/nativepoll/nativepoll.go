// Package nativepoll wraps the kernel's own epoll instance so the shim's
// epoll registry can multiplex ordinary file descriptors (pipes, eventfds,
// ttys, anything that never went through the async transport) alongside
// accelerated transport queue descriptors. Grounded on the teacher's
// internal/poller/poller_epoll.go, trimmed to a plain add/mod/del/wait
// handle instead of a full event-loop runtime: internal/scheduler drives
// the loop itself and internal/epollreg keeps its own fd-to-user-data
// lookup.
package nativepoll

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/demikernel-go/epollshim/metrics"
)

// Event is one readiness notification returned by Wait.
type Event struct {
	Fd     int
	Events uint32
}

// Masks mirror the kernel epoll event bits (EPOLLIN/EPOLLOUT/EPOLLERR/
// EPOLLHUP/EPOLLRDHUP/EPOLLET) that internal/epollreg translates its
// READ/WRITE subscriptions to and from.
const (
	In     = unix.EPOLLIN
	Out    = unix.EPOLLOUT
	Err    = unix.EPOLLERR
	Hup    = unix.EPOLLHUP
	RdHup  = unix.EPOLLRDHUP
	EdgeTr = unix.EPOLLET
)

// Poller owns one native (kernel) epoll instance.
type Poller struct {
	fd int
}

// Create opens a new kernel epoll instance.
func Create() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Poller{fd: fd}, nil
}

// Add registers fd for the given event mask.
func (p *Poller) Add(fd int, events uint32) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

// Mod changes the event mask registered for fd.
func (p *Poller) Mod(fd int, events uint32) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	return nil
}

// Del unregisters fd.
func (p *Poller) Del(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

// Wait blocks for up to timeoutMS milliseconds (-1 forever, 0 returns
// immediately) and returns the events that fired. buf is caller-owned
// scratch space, reused across calls to avoid per-call allocation. It is
// the native-FD half of a PWait pass; internal/scheduler always calls it
// with timeoutMS == 0 when accelerated operations are also outstanding.
func (p *Poller) Wait(timeoutMS int, buf []unix.EpollEvent) ([]Event, error) {
	metrics.Add(metrics.NativePollCalls, 1)
	n, err := unix.EpollWait(p.fd, buf, timeoutMS)
	if err != nil && err != unix.EINTR {
		return nil, os.NewSyscallError("epoll_pwait", err)
	}
	if n < 0 { // interrupted by a signal: no events
		n = 0
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Event{Fd: int(buf[i].Fd), Events: uint32(buf[i].Events)})
	}
	metrics.Add(metrics.NativeReadyDrained, uint64(len(out)))
	return out, nil
}

// Close releases the kernel epoll instance.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}
