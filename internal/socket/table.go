package socket

import (
	"net"
	"syscall"
	"time"

	"github.com/demikernel-go/epollshim/internal/slot"
	"github.com/demikernel-go/epollshim/internal/transport"
	"github.com/demikernel-go/epollshim/log"
	"github.com/demikernel-go/epollshim/metrics"
)

// Table owns the socket arena (C2's socket half) and drives C3's state
// transitions against a Transport. One Table is created per shim Init.
type Table struct {
	arena     *slot.Arena[Socket]
	transport transport.Transport
}

// NewTable creates an empty socket table bound to tr.
func NewTable(tr transport.Transport) *Table {
	return &Table{arena: &slot.Arena[Socket]{}, transport: tr}
}

// Get returns the socket at index, or nil if the index was never allocated
// or has since been freed.
func (t *Table) Get(index int) *Socket {
	return t.arena.Get(index)
}

// Socket implements socket(domain, type): only AF_INET/SOCK_STREAM is
// accepted, per spec.md §4.3 and the module's IPv4/TCP-only non-goal.
func (t *Table) Socket(domain, typ, proto int) (int, error) {
	if domain != syscall.AF_INET || typ != syscall.SOCK_STREAM {
		return 0, syscall.ENOTSUP
	}
	qd, err := t.transport.Socket(domain, typ, proto)
	if err != nil {
		return 0, err
	}
	idx, sock := t.arena.Allocate()
	sock.TransportQD = qd
	sock.Role = RoleFresh
	sock.Open = true
	return idx, nil
}

// Bind implements bind(qd, addr).
func (t *Table) Bind(index int, addr *net.TCPAddr) error {
	sock := t.arena.Get(index)
	if sock == nil || !sock.Open {
		return syscall.EBADF
	}
	if addr.IP == nil || addr.IP.IsUnspecified() {
		log.Debugf("socket %d: bind to wildcard address %s, forwarding to transport", index, addr)
	}
	if err := t.transport.Bind(sock.TransportQD, addr); err != nil {
		return err
	}
	sock.LocalAddr = addr
	return nil
}

// Listen implements listen(qd, backlog).
func (t *Table) Listen(index, backlog int) error {
	sock := t.arena.Get(index)
	if sock == nil || !sock.Open {
		return syscall.EBADF
	}
	if err := t.transport.Listen(sock.TransportQD, backlog); err != nil {
		return err
	}
	if addr, err := t.transport.LocalAddr(sock.TransportQD); err == nil {
		sock.LocalAddr = addr
	}
	sock.Role = RoleListening
	sock.recvAccept = &acceptState{}
	return nil
}

// Accept implements accept(qd): returns the new socket's table index and
// its peer address, or EWOULDBLOCK/EBADF/ENOTSUP.
func (t *Table) Accept(index int) (int, *net.TCPAddr, error) {
	sock := t.arena.Get(index)
	if sock == nil || !sock.Open {
		return 0, nil, syscall.EBADF
	}
	as, ok := sock.recvAccept.(*acceptState)
	if !ok {
		return 0, nil, syscall.ENOTSUP
	}
	switch as.op.state(0) {
	case Ready:
		acc := as.op.accept
		as.op.clear()
		idx, newSock := t.arena.Allocate()
		newSock.TransportQD = acc.QD
		newSock.Role = RoleConnected
		newSock.Open = true
		newSock.LocalAddr = sock.LocalAddr
		newSock.recvAccept = &recvState{}
		return idx, acc.Peer, nil
	case InFlight:
		if t.pollOne(&as.op) {
			return t.Accept(index)
		}
		return 0, nil, syscall.EWOULDBLOCK
	default: // Idle
		tok, err := t.transport.Accept(sock.TransportQD)
		if err != nil {
			return 0, nil, err
		}
		as.op.token = tok
		as.op.pending = true
		metrics.Add(metrics.TokensSubmitted, 1)
		return 0, nil, syscall.EWOULDBLOCK
	}
}

// Read implements read/recv(qd, buf).
func (t *Table) Read(index int, buf []byte) (int, error) {
	return t.Readv(index, [][]byte{buf})
}

// Readv implements readv(qd, iovecs). One call makes at most one transport
// transition (submit a pop if Idle, poll once if InFlight) and then drains
// whatever is already buffered across as many iovecs as it covers. Running
// out of buffered bytes mid-sequence ends the call there — it does not
// submit a second pop to keep filling the remaining iovecs — so this call
// returns the short count and leaves the recv slot Idle, and the next call
// submits a fresh pop and reports EWOULDBLOCK (spec.md §8 scenario 6).
func (t *Table) Readv(index int, iovecs [][]byte) (int, error) {
	sock := t.arena.Get(index)
	if sock == nil || !sock.Open {
		return 0, syscall.EBADF
	}
	rs, ok := sock.recvAccept.(*recvState)
	if !ok {
		return 0, syscall.ENOTSUP
	}

	switch rs.op.state(rs.offset) {
	case InFlight:
		if !t.pollOne(&rs.op) {
			return 0, syscall.EWOULDBLOCK
		}
	case Idle:
		tok, err := t.transport.Pop(sock.TransportQD)
		if err != nil {
			return 0, err
		}
		rs.op.token = tok
		rs.op.pending = true
		metrics.Add(metrics.TokensSubmitted, 1)
		return 0, syscall.EWOULDBLOCK
	}

	if rs.op.err != nil {
		err := rs.op.err
		rs.op.clear()
		rs.offset = 0
		return 0, err
	}

	total := 0
	for _, iov := range iovecs {
		if rs.op.state(rs.offset) != Ready && rs.op.state(rs.offset) != Draining {
			break
		}
		n, drained := copyFrom(rs.op.sga, &rs.offset, iov)
		total += n
		if drained {
			metrics.Add(metrics.ShortReadvSplits, 1)
			t.transport.SGAFree(rs.op.sga)
			rs.op.clear()
			rs.offset = 0
			break
		}
	}
	return total, nil
}

// Write implements write/send(qd, buf).
func (t *Table) Write(index int, buf []byte) (int, error) {
	return t.Writev(index, [][]byte{buf})
}

// Writev implements writev(qd, iovecs): computes the total size, allocates
// one sga, copies segments in order, and submits a single push.
func (t *Table) Writev(index int, iovecs [][]byte) (int, error) {
	sock := t.arena.Get(index)
	if sock == nil || !sock.Open {
		return 0, syscall.EBADF
	}
	if sock.Role != RoleConnected {
		return 0, syscall.ENOTSUP
	}

	if sock.send.state(0) == InFlight {
		if !t.pollOne(&sock.send) {
			return 0, syscall.EWOULDBLOCK
		}
	}
	if sock.send.sga != nil {
		t.transport.SGAFree(sock.send.sga)
		sock.send.clear()
	}
	if sock.send.err != nil {
		err := sock.send.err
		sock.send.clear()
		return 0, err
	}

	total := 0
	for _, iov := range iovecs {
		total += len(iov)
	}
	if total == 0 {
		return 0, nil
	}
	sga := t.transport.SGAAlloc(total)
	offset := 0
	for _, iov := range iovecs {
		copyInto(iov, &transport.SGA{Segments: sliceFrom(sga, offset, len(iov))})
		offset += len(iov)
	}
	tok, err := t.transport.Push(sock.TransportQD, sga)
	if err != nil {
		t.transport.SGAFree(sga)
		return 0, err
	}
	sock.send.token = tok
	sock.send.pending = true
	sock.send.sga = sga
	metrics.Add(metrics.TokensSubmitted, 1)
	return total, nil
}

// sliceFrom returns the sub-segments of a single-segment sga covering
// [offset, offset+n), used by Writev to place each iovec's bytes into the
// right slice of the one allocated push buffer.
func sliceFrom(sga *transport.SGA, offset, n int) [][]byte {
	if len(sga.Segments) != 1 {
		// Multi-segment allocations are not produced by SGAAlloc today;
		// fall back to whole-buffer semantics defensively.
		return sga.Segments
	}
	buf := sga.Segments[0]
	if offset+n > len(buf) {
		n = len(buf) - offset
	}
	return [][]byte{buf[offset : offset+n]}
}

// Close implements close(qd): synchronously drains any InFlight token
// (infinite timeout — leaking a transport token across close is
// forbidden), frees any Ready buffers, closes the transport qd, and
// reclaims the table slot.
func (t *Table) Close(index int) error {
	sock := t.arena.Get(index)
	if sock == nil || !sock.Open {
		return syscall.EBADF
	}
	sock.Open = false

	t.drainSync(&sock.send)
	if sock.send.sga != nil {
		t.transport.SGAFree(sock.send.sga)
		sock.send.clear()
	}

	switch rs := sock.recvAccept.(type) {
	case *recvState:
		t.drainSync(&rs.op)
		if rs.op.sga != nil {
			t.transport.SGAFree(rs.op.sga)
			rs.op.clear()
		}
	case *acceptState:
		t.drainSync(&rs.op)
	}

	err := t.transport.Close(sock.TransportQD)
	if ferr := t.arena.Free(index); ferr != nil {
		log.Errorf("socket %d: double free on close: %v", index, ferr)
	}
	return err
}

// pollOne performs a zero-timeout wait on a single slot's token. It returns
// true iff the token resolved, folding the result into the slot.
func (t *Table) pollOne(op *opSlot) bool {
	if !op.pending {
		return false
	}
	zero := time.Duration(0)
	res, _, err := t.transport.WaitAny([]transport.Token{op.token}, &zero)
	metrics.Add(metrics.TransportWaitAnyCalls, 1)
	if err != nil {
		return false
	}
	applyCompletion(op, res)
	return true
}

// drainSync blocks forever for op's outstanding token, if any.
func (t *Table) drainSync(op *opSlot) {
	if !op.pending {
		return
	}
	res, _, err := t.transport.WaitAny([]transport.Token{op.token}, nil)
	metrics.Add(metrics.TransportWaitAnyCalls, 1)
	if err != nil {
		log.Errorf("drain on close: wait_any failed: %v", err)
		op.pending = false
		return
	}
	applyCompletion(op, res)
}
