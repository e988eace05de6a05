// Package epollshim exposes a Linux-epoll-shaped API (socket/bind/listen/
// accept/read/write/epoll_create/epoll_ctl/epoll_pwait) in front of an
// opaque async completion-token transport, adapting its push/pop/accept
// tokens into edge/level-triggered readiness the way the real kernel's
// epoll does. A single public descriptor space covers three backends:
// accelerated sockets, epoll instances, and pass-through native file
// descriptors, dispatched by internal/descspace. Grounded on the
// teacher's top-level tnet.go/tcpservice.go entry points, adapted from a
// connection-callback service model to this shim's dispatch-by-descriptor
// model.
package epollshim

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/demikernel-go/epollshim/internal/descspace"
	"github.com/demikernel-go/epollshim/internal/epollreg"
	"github.com/demikernel-go/epollshim/internal/netutil"
	"github.com/demikernel-go/epollshim/internal/scheduler"
	"github.com/demikernel-go/epollshim/internal/slot"
	"github.com/demikernel-go/epollshim/internal/socket"
	"github.com/demikernel-go/epollshim/internal/transport"
	"github.com/demikernel-go/epollshim/log"
)

// EpollEvent mirrors unix.EpollEvent's public shape for epoll_ctl/
// epoll_pwait callers, keeping the shim's ABI free of internal types.
type EpollEvent struct {
	Events   uint32
	Fd       int
	UserData uint64
}

// epoll_ctl operations, matching Linux's EPOLL_CTL_ADD/MOD/DEL.
const (
	EpollCtlAdd = 1
	EpollCtlDel = 2
	EpollCtlMod = 3
)

// Event mask bits a caller may subscribe to, matching internal/epollreg's
// {READ, WRITE} restriction (spec.md §3/§6).
const (
	EpollIn  = epollreg.Read
	EpollOut = epollreg.Write
)

type runtime struct {
	opts      options
	transport transport.Transport
	sockets   *socket.Table
	instances *slot.Arena[epollreg.Instance]
	sched     *scheduler.Scheduler
}

var (
	rtMu sync.Mutex
	rt   *runtime
)

// Init performs the one explicit per-process initialization spec.md §5
// requires; every other public function except the ENOTSUP stubs
// (Connect, Sendmsg, Recvmsg, Setsockopt) returns ErrNotInitialized until
// this has run. Re-Init is allowed and simply replaces the runtime
// wholesale — a process-wide reset, not a partial reconfiguration.
func Init(opts ...Option) error {
	var o options
	o.setDefault()
	for _, opt := range opts {
		opt.f(&o)
	}
	if o.logger != nil {
		log.Default = o.logger
	}

	tr := o.transport
	if tr == nil {
		ost, err := transport.NewOSTransportWithOptions(o.poolSize, o.reusePort, int(o.tcpKeepAlive.Seconds()), o.ignoreTaskError)
		if err != nil {
			return err
		}
		tr = ost
	}

	rtMu.Lock()
	defer rtMu.Unlock()
	rt = &runtime{
		opts:      o,
		transport: tr,
		sockets:   socket.NewTable(tr),
		instances: &slot.Arena[epollreg.Instance]{},
		sched:     scheduler.New(tr),
	}
	return nil
}

func current() (*runtime, error) {
	rtMu.Lock()
	defer rtMu.Unlock()
	if rt == nil {
		return nil, ErrNotInitialized
	}
	return rt, nil
}

// Socket implements socket(domain, type, protocol) (spec.md §4.6).
// Accelerated descriptors are returned when domain/type qualify
// (AF_INET/SOCK_STREAM); anything else is delegated to the host kernel
// and comes back as a native descriptor.
func Socket(domain, typ, proto int) (int, error) {
	r, err := current()
	if err != nil {
		return -1, err
	}
	if domain == syscall.AF_INET && typ == syscall.SOCK_STREAM {
		idx, err := r.sockets.Socket(domain, typ, proto)
		if err != nil {
			return -1, err
		}
		return descspace.MakeSocket(idx), nil
	}
	fd, err := syscall.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Bind implements bind(fd, addr).
func Bind(fd int, addr *net.TCPAddr) error {
	r, err := current()
	if err != nil {
		return err
	}
	c := descspace.Classify(fd)
	switch c.Kind {
	case descspace.Socket:
		return r.sockets.Bind(c.Slot, addr)
	case descspace.Native:
		return syscall.Bind(fd, tcpAddrToSockaddr(addr))
	default:
		return syscall.ENOTSUP
	}
}

// Listen implements listen(fd, backlog).
func Listen(fd, backlog int) error {
	r, err := current()
	if err != nil {
		return err
	}
	c := descspace.Classify(fd)
	switch c.Kind {
	case descspace.Socket:
		return r.sockets.Listen(c.Slot, backlog)
	case descspace.Native:
		return syscall.Listen(fd, backlog)
	default:
		return syscall.ENOTSUP
	}
}

// Accept implements accept(fd).
func Accept(fd int) (int, *net.TCPAddr, error) {
	r, err := current()
	if err != nil {
		return -1, nil, err
	}
	c := descspace.Classify(fd)
	switch c.Kind {
	case descspace.Socket:
		idx, peer, err := r.sockets.Accept(c.Slot)
		if err != nil {
			return -1, nil, err
		}
		return descspace.MakeSocket(idx), peer, nil
	case descspace.Native:
		nfd, sa, err := netutil.Accept(fd)
		if err != nil {
			return -1, nil, err
		}
		return nfd, unixSockaddrToTCPAddr(sa), nil
	default:
		return -1, nil, syscall.ENOTSUP
	}
}

func tcpAddrToSockaddr(addr *net.TCPAddr) syscall.Sockaddr {
	sa := &syscall.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa
}

func unixSockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil
	}
	return &net.TCPAddr{IP: net.IP(sa4.Addr[:]), Port: sa4.Port}
}

// Close implements close(fd) for every descriptor kind this shim knows
// about.
func Close(fd int) error {
	r, err := current()
	if err != nil {
		return err
	}
	c := descspace.Classify(fd)
	switch c.Kind {
	case descspace.Socket:
		return r.sockets.Close(c.Slot)
	case descspace.Epoll:
		in := r.instances.Get(c.Slot)
		if in == nil {
			return syscall.EBADF
		}
		err := in.Close()
		if ferr := r.instances.Free(c.Slot); ferr != nil {
			log.Errorf("epoll instance %d: double free on close: %v", c.Slot, ferr)
		}
		return err
	default:
		return syscall.Close(fd)
	}
}

// Read implements read(fd, buf).
func Read(fd int, buf []byte) (int, error) {
	return Readv(fd, [][]byte{buf})
}

// Readv implements readv(fd, iovecs).
func Readv(fd int, iovecs [][]byte) (int, error) {
	r, err := current()
	if err != nil {
		return -1, err
	}
	c := descspace.Classify(fd)
	switch c.Kind {
	case descspace.Socket:
		return r.sockets.Readv(c.Slot, iovecs)
	case descspace.Native:
		return unix.Readv(fd, iovecs)
	default:
		return -1, syscall.ENOTSUP
	}
}

// Write implements write(fd, buf).
func Write(fd int, buf []byte) (int, error) {
	return Writev(fd, [][]byte{buf})
}

// Writev implements writev(fd, iovecs).
func Writev(fd int, iovecs [][]byte) (int, error) {
	r, err := current()
	if err != nil {
		return -1, err
	}
	c := descspace.Classify(fd)
	switch c.Kind {
	case descspace.Socket:
		return r.sockets.Writev(c.Slot, iovecs)
	case descspace.Native:
		return unix.Writev(fd, iovecs)
	default:
		return -1, syscall.ENOTSUP
	}
}

// EpollCreate implements epoll_create1(flags): flags is accepted for ABI
// compatibility but unused, exactly as epoll_create(size) ignores size.
func EpollCreate(flags int) (int, error) {
	r, err := current()
	if err != nil {
		return -1, err
	}
	in, allocErr := epollreg.Create()
	if allocErr != nil {
		return -1, allocErr
	}
	idx, slotPtr := r.instances.Allocate()
	*slotPtr = *in
	return descspace.MakeEpoll(idx), nil
}

// EpollCtl implements epoll_ctl(epfd, op, fd, event), dispatching fd to
// the accelerated socket registry or the native pass-through poller
// depending on its own classification (spec.md §4.4).
func EpollCtl(epfd, op, fd int, event *EpollEvent) error {
	r, err := current()
	if err != nil {
		return err
	}
	epc := descspace.Classify(epfd)
	if epc.Kind != descspace.Epoll {
		return syscall.EBADF
	}
	in := r.instances.Get(epc.Slot)
	if in == nil {
		return syscall.EBADF
	}

	c := descspace.Classify(fd)
	if c.Kind == descspace.Socket {
		sock := r.sockets.Get(c.Slot)
		if sock == nil {
			return syscall.EBADF
		}
		switch op {
		case EpollCtlAdd:
			return in.AddSocket(sock, event.Events, event.UserData)
		case EpollCtlMod:
			return in.ModSocket(sock, event.Events, event.UserData)
		case EpollCtlDel:
			return in.DelSocket(sock)
		default:
			return syscall.EINVAL
		}
	}

	switch op {
	case EpollCtlAdd:
		return in.AddNative(fd, event.Events, event.UserData)
	case EpollCtlMod:
		return in.ModNative(fd, event.Events, event.UserData)
	case EpollCtlDel:
		return in.DelNative(fd)
	default:
		return syscall.EINVAL
	}
}

// EpollPwait implements epoll_pwait(epfd, events, timeout_ms, sigmask): the
// sigmask parameter is accepted for ABI compatibility and ignored, since
// this shim never blocks in a raw epoll_wait long enough for signal
// masking during the wait to matter (spec.md §4.6 non-goal).
func EpollPwait(epfd int, events []EpollEvent, timeoutMS int, sigmask *unix.Sigset_t) (int, error) {
	r, err := current()
	if err != nil {
		return -1, err
	}
	epc := descspace.Classify(epfd)
	if epc.Kind != descspace.Epoll {
		return -1, syscall.EBADF
	}
	in := r.instances.Get(epc.Slot)
	if in == nil {
		return -1, syscall.EBADF
	}

	raw := make([]epollreg.Event, len(events))
	n, err := r.sched.PWait(in, raw, timeoutMS)
	if err != nil {
		return -1, err
	}
	for i := 0; i < n; i++ {
		events[i] = EpollEvent{Events: raw[i].Mask, UserData: raw[i].UserData}
	}
	return n, nil
}

// Connect is not implemented by the accelerated path; spec.md §4.6 scopes
// outbound connection establishment out of this module.
func Connect(fd int, addr *net.TCPAddr) error { return syscall.ENOTSUP }

// Sendmsg is not implemented; this shim's send path is Write/Writev only.
func Sendmsg(fd int, iovecs [][]byte, oob []byte, flags int) (int, error) {
	return -1, syscall.ENOTSUP
}

// Recvmsg is not implemented; this shim's recv path is Read/Readv only.
func Recvmsg(fd int, iovecs [][]byte, oob []byte, flags int) (int, int, error) {
	return -1, -1, syscall.ENOTSUP
}

// Setsockopt is not implemented: accelerated sockets take their
// configuration from Option at Init time, not per-fd.
func Setsockopt(fd, level, name int, value []byte) error { return syscall.ENOTSUP }

// Getsockname implements a partial getsockname: only the address an
// accelerated socket was bound to, nothing for native fds.
func Getsockname(fd int) (*net.TCPAddr, error) {
	r, err := current()
	if err != nil {
		return nil, err
	}
	c := descspace.Classify(fd)
	if c.Kind != descspace.Socket {
		return nil, syscall.ENOTSUP
	}
	sock := r.sockets.Get(c.Slot)
	if sock == nil {
		return nil, syscall.EBADF
	}
	return sock.LocalAddr, nil
}
